package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVersionOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		out  string
		want string
	}{
		{name: "bare_version", out: "1.2.3\n", want: "1.2.3"},
		{name: "with_prefix_text", out: "agent version 1.2.3 (build abc)", want: "1.2.3"},
		{name: "prerelease", out: "1.2.1-beta.1", want: "1.2.1-beta.1"},
		{name: "build_metadata", out: "2.0.0+20130313144700", want: "2.0.0+20130313144700"},
		{name: "no_version", out: "usage: agent [options]", want: ""},
		{name: "empty", out: "", want: ""},
		{name: "partial_version_ignored", out: "v1.2 nope", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseVersionOutput(tt.out))
		})
	}
}

func TestCompareVersions(t *testing.T) {
	t.Parallel()

	// Release outranks pre-release; build metadata is ignored.
	assert.Positive(t, compareVersions("1.2.0", "1.2.1-beta.1"))
	assert.Negative(t, compareVersions("1.2.0", "1.2.1"))
	assert.Equal(t, 0, compareVersions("2.0.0+build.1", "2.0.0+build.2"))
}

func TestSortInstallations(t *testing.T) {
	t.Parallel()

	// The spec's binary-ordering scenario: release > pre-release, then
	// versioned > unversioned.
	installations := []Installation{
		{Path: "agent", Source: SourcePath},
		{Path: "/home/u/.nvm/versions/node/v20.0.0/bin/agent", Version: "1.2.1-beta.1", Source: SourceNvm},
		{Path: "/usr/local/bin/agent", Version: "1.2.0", Source: SourceSystem},
	}
	sortInstallations(installations)

	assert.Equal(t, "1.2.0", installations[0].Version)
	assert.Equal(t, "1.2.1-beta.1", installations[1].Version)
	assert.Equal(t, "agent", installations[2].Path)
}

func TestSortInstallationsUnversionedAbsoluteBeforeBareName(t *testing.T) {
	t.Parallel()

	installations := []Installation{
		{Path: "agent", Source: SourcePath},
		{Path: "/usr/local/bin/agent", Source: SourceSystem},
	}
	sortInstallations(installations)

	assert.Equal(t, "/usr/local/bin/agent", installations[0].Path)
	assert.Equal(t, "agent", installations[1].Path)
}

func TestSortInstallationsOverrideFirst(t *testing.T) {
	t.Parallel()

	installations := []Installation{
		{Path: "/usr/local/bin/agent", Version: "9.9.9", Source: SourceSystem},
		{Path: "/opt/custom/agent", Source: SourceOverride},
	}
	sortInstallations(installations)

	assert.Equal(t, SourceOverride, installations[0].Source)
}

func TestDedupeByCanonicalPath(t *testing.T) {
	t.Parallel()

	installations := []Installation{
		{Path: "/usr/local/bin/agent", Source: SourceOverride},
		{Path: "/usr/local/bin/agent", Source: SourceSystem},
		{Path: "/opt/homebrew/bin/agent", Source: SourceSystem},
	}
	deduped := dedupeByCanonicalPath(installations)

	assert.Len(t, deduped, 2)
	// Earlier discovery sources win.
	assert.Equal(t, SourceOverride, deduped[0].Source)
}

func TestOverridePrecedence(t *testing.T) {
	t.Setenv(AgentBinEnvVar, "/env/agent")

	r := New(nil)
	assert.Equal(t, "/env/agent", r.overridePath())
}
