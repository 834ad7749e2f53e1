// Package version exposes build metadata for SagaFlow binaries.
package version

import "runtime"

// Stamped at build time through -ldflags, e.g.
//
//	go build -ldflags "-X github.com/sagaflow/sagaflow/pkg/version.Version=v0.3.0"
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns the build metadata keyed for structured log output.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}
