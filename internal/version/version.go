// Package version reports the build version of the binary.
//
//nolint:revive
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Overridden by ldflags at build time.
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

// Info describes the running build.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

var readVCS = sync.OnceValues(func() (string, string) {
	var commit, built string
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				built = setting.Value
			}
		}
	}
	return commit, built
})

// Get returns the build info, falling back to the VCS stamp embedded by the
// toolchain when ldflags did not set it.
func Get() Info {
	info := Info{Version: Version, Commit: CommitHash, BuildTime: BuildTime}
	if info.Commit == "" {
		info.Commit, info.BuildTime = readVCS()
	}
	return info
}

// String formats the version with the short commit hash.
func (i Info) String() string {
	res := i.Version
	if i.Commit != "" {
		short := i.Commit
		if len(short) > 7 {
			short = short[:7]
		}
		res += fmt.Sprintf(" (%s)", short)
	}
	return res
}
