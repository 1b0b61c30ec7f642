// Package version reports the build identity of the accountdeck binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/accountdeck"

// buildVersion is set via -ldflags "-X pkt.systems/accountdeck/internal/version.buildVersion=...".
var buildVersion = ""

// Info is the build identity printed by `accountdeck version`.
type Info struct {
	Version  string `json:"version"`
	Module   string `json:"module"`
	Revision string `json:"revision,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
}

// Current returns the release version without the dirty marker.
func Current() string {
	return resolve(false)
}

// CurrentWithDirty returns the release version, marked +dirty for modified trees.
func CurrentWithDirty() string {
	return resolve(true)
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Describe returns the full build identity.
func Describe() Info {
	out := Info{Version: CurrentWithDirty(), Module: Module(), Go: runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		vcs := readVCS(info)
		out.Revision = vcs.revision
		out.Modified = vcs.modified
	}
	return out
}

func resolve(dirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return trimDirty(v, dirty)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return trimDirty(v, dirty)
	}
	if v := pseudoVersion(readVCS(info), dirty); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, dirty bool) string {
	if dirty {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

type vcsStamp struct {
	revision string
	time     string
	modified bool
}

func readVCS(info *debug.BuildInfo) vcsStamp {
	var s vcsStamp
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

// pseudoVersion formats a Go module pseudo-version from the VCS stamp.
func pseudoVersion(s vcsStamp, dirty bool) string {
	if s.revision == "" || s.time == "" {
		return ""
	}
	committed, err := time.Parse(time.RFC3339, s.time)
	if err != nil {
		return ""
	}
	rev := s.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + committed.UTC().Format("20060102150405") + "-" + rev
	if s.modified && dirty {
		v += "+dirty"
	}
	return v
}
