// Package version reports the bankd build version.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/bankd"

// buildVersion is set via -ldflags "-X pkt.systems/bankd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
}

// Current returns the best available version string: the ldflags value, the
// module version, a pseudo-version from VCS stamps, or v0.0.0-unknown.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(vcsStamps(info)); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Get returns the full build description.
func Get() Info {
	info := Info{Version: Current(), Module: defaultModule, GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Revision = vcsStamps(bi).revision
	}
	return info
}

type stamps struct {
	revision string
	time     string
	modified bool
}

func vcsStamps(info *debug.BuildInfo) stamps {
	var s stamps
	if info == nil {
		return s
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			s.revision = setting.Value
		case "vcs.time":
			s.time = setting.Value
		case "vcs.modified":
			s.modified = setting.Value == "true"
		}
	}
	return s
}

func pseudoVersion(s stamps) string {
	if s.revision == "" || s.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, s.time)
	if err != nil {
		return ""
	}
	rev := s.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if s.modified {
		v += "+dirty"
	}
	return v
}
