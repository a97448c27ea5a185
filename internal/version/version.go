// Package version holds build-time version metadata, set with -ldflags.
package version

import "runtime"

var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = ""
)

// Go returns the toolchain the binary was built with.
func Go() string {
	if GoVersion != "" {
		return GoVersion
	}
	return runtime.Version()
}
