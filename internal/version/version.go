// Package version carries build identification stamped in via -ldflags.
package version

import "runtime"

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GoVersion reports the Go runtime the binary was built with.
func GoVersion() string { return runtime.Version() }
