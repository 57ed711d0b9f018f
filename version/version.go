// Package version holds build information injected at link time.
package version

import (
	"fmt"
	"runtime"
)

// Injected via -ldflags at build time.
var (
	GitRelease    = "dev"
	GitCommit     = "unknown"
	GitCommitDate = "unknown"
)

// GoInfo describes the Go toolchain and platform this binary was built with.
var GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
