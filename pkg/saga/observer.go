package saga

// Observer receives lifecycle callbacks from the engine. Callbacks run on
// the engine's goroutines; implementations must return quickly.
type Observer interface {
	OnSagaStarted(sc *SagaContext)
	OnStepDone(sc *SagaContext, stepID string, value any)
	OnStepFailed(sc *SagaContext, stepID string, err error)
	OnStepCompensated(sc *SagaContext, stepID string, err error)
	OnSagaFinished(result *SagaResult)
}

type nopObserver struct{}

func (nopObserver) OnSagaStarted(*SagaContext)                  {}
func (nopObserver) OnStepDone(*SagaContext, string, any)        {}
func (nopObserver) OnStepFailed(*SagaContext, string, error)    {}
func (nopObserver) OnStepCompensated(*SagaContext, string, error) {}
func (nopObserver) OnSagaFinished(*SagaResult)                  {}

// Observers fans callbacks out to multiple observers in order.
type Observers []Observer

func (os Observers) OnSagaStarted(sc *SagaContext) {
	for _, o := range os {
		o.OnSagaStarted(sc)
	}
}

func (os Observers) OnStepDone(sc *SagaContext, stepID string, value any) {
	for _, o := range os {
		o.OnStepDone(sc, stepID, value)
	}
}

func (os Observers) OnStepFailed(sc *SagaContext, stepID string, err error) {
	for _, o := range os {
		o.OnStepFailed(sc, stepID, err)
	}
}

func (os Observers) OnStepCompensated(sc *SagaContext, stepID string, err error) {
	for _, o := range os {
		o.OnStepCompensated(sc, stepID, err)
	}
}

func (os Observers) OnSagaFinished(result *SagaResult) {
	for _, o := range os {
		o.OnSagaFinished(result)
	}
}
