package meta

import (
	"fmt"
	"runtime"
)

// DevVersion is reported when the binary was built without a version.
const DevVersion = "dev"

// Info describes the build context info for a docsync binary.
//
// It encapsulates a bunch of information that's included at build time
// by the Go linker. See the vars below for more information
//
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag, e.g.
//
//   go build -ldflags "-X github.com/luma/docsync/internal/meta.Version=0.3.0"
var (
	// Version as an arbitrary string
	Version string

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	// Go Tag is the Go build tags. See https://golang.org/pkg/go/build/#hdr-Build_Constraints
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	version := Version
	if version == "" {
		version = DevVersion
	}

	return Info{
		GoVersion: runtime.Version(),
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

// ServerVersion is what the server reports as its version in SERVER-INFO-REPLY.
func (i Info) ServerVersion() string {
	if i.Build == "" {
		return i.Version
	}

	return fmt.Sprintf("%s+%s", i.Version, i.Build)
}

func (i Info) String() string {
	return fmt.Sprintf("docsync %s (build %q, branch %q, built %q) %s %s",
		i.Version, i.Build, i.Branch, i.BuildTime, i.Platform, i.GoVersion)
}
