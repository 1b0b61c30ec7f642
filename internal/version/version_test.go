package version

import (
	"runtime/debug"
	"strings"
	"testing"
	"time"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	old := buildVersion
	buildVersion = "v1.2.3+dirty"
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected build version without dirty marker, got %q", got)
	}
	if got := CurrentWithDirty(); got != "v1.2.3+dirty" {
		t.Fatalf("expected dirty build version, got %q", got)
	}
	if got := Describe().Version; got != "v1.2.3+dirty" {
		t.Fatalf("expected describe to carry build version, got %q", got)
	}
}

func TestPseudoVersion(t *testing.T) {
	ts := time.Date(2026, time.March, 2, 3, 4, 5, 0, time.UTC)
	stamp := readVCS(&debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "1234567890abcdef"},
			{Key: "vcs.time", Value: ts.Format(time.RFC3339)},
			{Key: "vcs.modified", Value: "true"},
		},
	})
	got := pseudoVersion(stamp, true)
	if !strings.HasPrefix(got, "v0.0.0-20260302030405-1234567890ab") {
		t.Fatalf("unexpected version: %q", got)
	}
	if !strings.HasSuffix(got, "+dirty") {
		t.Fatalf("expected dirty suffix, got %q", got)
	}
	if clean := pseudoVersion(stamp, false); strings.HasSuffix(clean, "+dirty") {
		t.Fatalf("expected no dirty suffix, got %q", clean)
	}
	if pseudoVersion(readVCS(nil), true) != "" {
		t.Fatalf("expected empty version for nil build info")
	}
}
