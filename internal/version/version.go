// Package version carries build metadata stamped in with
//
//	-ldflags "-X github.com/ramiqadoumi/stageflow/internal/version.Version=v1.2.0
//	          -X github.com/ramiqadoumi/stageflow/internal/version.GitCommit=$(git rev-parse --short HEAD)
//	          -X github.com/ramiqadoumi/stageflow/internal/version.BuildTime=$(date -u +%FT%TZ)"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String is the one-line form logged at startup.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
