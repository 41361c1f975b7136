// Package version identifies the tracemir build.
package version

import (
	"fmt"
	"runtime"
)

// Populated at build time via -ldflags
// "-X github.com/willibrandon/tracemir/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Info returns a one-line description of this build.
func Info() string {
	return fmt.Sprintf("tracemir v%s (built: %s, %s/%s)",
		Version, BuildTime, runtime.GOOS, runtime.GOARCH)
}
