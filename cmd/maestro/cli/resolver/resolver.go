// Package resolver locates installations of the Agent CLI on the host and
// orders them from most to least preferred.
package resolver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/settings"
)

// AgentBinName is the bare name of the Agent binary.
const AgentBinName = "agent"

// AgentBinEnvVar overrides discovery entirely when set.
const AgentBinEnvVar = "AGENT_BIN"

// Discovery source tags, in precedence order.
const (
	SourceOverride = "override"
	SourcePath     = "path"
	SourceNvm      = "nvm"
	SourceSystem   = "system"
)

// Installation describes one discovered Agent binary.
// Values are rebuilt on each discovery call.
type Installation struct {
	// Path is the absolute path to the binary (or the bare name when only
	// PATH resolution at spawn time is possible).
	Path string `json:"path"`

	// Version is the probed semantic version, empty when probing failed.
	Version string `json:"version,omitempty"`

	// Source records which discovery step produced this candidate.
	Source string `json:"source"`
}

// Resolver discovers Agent installations.
type Resolver struct {
	settings *settings.Settings
	probe    *prober

	// lookupHome allows tests to redirect home-relative searches.
	lookupHome func() (string, error)
}

// New creates a resolver backed by the given settings.
// Settings may be nil when no user override should be honoured.
func New(s *settings.Settings) *Resolver {
	return &Resolver{
		settings:   s,
		probe:      newProber(),
		lookupHome: os.UserHomeDir,
	}
}

// Discover enumerates candidate installations, probes their versions, and
// returns them ordered from most to least preferred.
// Returns an empty slice (not an error) when nothing is found.
func (r *Resolver) Discover(ctx context.Context) ([]Installation, error) {
	var candidates []Installation

	if override := r.overridePath(); override != "" {
		candidates = append(candidates, Installation{Path: override, Source: SourceOverride})
	}
	candidates = append(candidates, r.pathCandidates()...)
	candidates = append(candidates, r.nvmCandidates()...)
	candidates = append(candidates, r.systemCandidates()...)

	candidates = dedupeByCanonicalPath(candidates)

	for i := range candidates {
		// Probe failures leave Version empty; the candidate survives.
		candidates[i].Version = r.probe.version(ctx, candidates[i].Path)
	}

	sortInstallations(candidates)
	return candidates, nil
}

// Preferred returns the single best installation.
func (r *Resolver) Preferred(ctx context.Context) (Installation, error) {
	installations, err := r.Discover(ctx)
	if err != nil {
		return Installation{}, err
	}
	if len(installations) == 0 {
		return Installation{}, errs.NotFound("no Agent installation found")
	}
	return installations[0], nil
}

// PersistUserOverride stores the given path as the preferred binary.
func (r *Resolver) PersistUserOverride(path string) error {
	if r.settings == nil {
		r.settings = &settings.Settings{}
	}
	r.settings.AgentBin = path
	if err := settings.Save(r.settings); err != nil {
		return fmt.Errorf("persisting agent binary override: %w", err)
	}
	return nil
}

// ClearOverride removes the persisted override.
func (r *Resolver) ClearOverride() error {
	if r.settings == nil {
		return nil
	}
	r.settings.AgentBin = ""
	if err := settings.Save(r.settings); err != nil {
		return fmt.Errorf("clearing agent binary override: %w", err)
	}
	return nil
}

// overridePath returns the highest-precedence override, if any.
// The AGENT_BIN environment variable ranks above the settings file.
func (r *Resolver) overridePath() string {
	if env := os.Getenv(AgentBinEnvVar); env != "" {
		return env
	}
	if r.settings != nil && r.settings.AgentBin != "" {
		return r.settings.AgentBin
	}
	return ""
}

// pathCandidates resolves the bare name through PATH.
func (r *Resolver) pathCandidates() []Installation {
	var out []Installation
	names := []string{AgentBinName}
	if runtime.GOOS == "windows" {
		names = []string{AgentBinName + ".exe", AgentBinName + ".cmd", AgentBinName}
	}
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			abs, err := filepath.Abs(p)
			if err != nil {
				abs = p
			}
			out = append(out, Installation{Path: abs, Source: SourcePath})
		}
	}
	return out
}

// nvmCandidates scans node-version-manager install directories under the
// user home: ~/.nvm/versions/node/<version>/bin/agent and the fnm/volta
// equivalents.
func (r *Resolver) nvmCandidates() []Installation {
	home, err := r.lookupHome()
	if err != nil {
		return nil
	}

	patterns := []string{
		filepath.Join(home, ".nvm", "versions", "node", "*", "bin", AgentBinName),
		filepath.Join(home, ".fnm", "node-versions", "*", "installation", "bin", AgentBinName),
		filepath.Join(home, ".volta", "bin", AgentBinName),
	}

	var out []Installation
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if isExecutableFile(m) {
				out = append(out, Installation{Path: m, Source: SourceNvm})
			}
		}
	}
	return out
}

// systemCandidates checks platform package-manager install prefixes.
func (r *Resolver) systemCandidates() []Installation {
	prefixes := []string{
		"/usr/local/bin",
		"/opt/homebrew/bin",
	}
	if home, err := r.lookupHome(); err == nil {
		prefixes = append(prefixes,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "bin"),
		)
	}

	var out []Installation
	for _, prefix := range prefixes {
		p := filepath.Join(prefix, AgentBinName)
		if isExecutableFile(p) {
			out = append(out, Installation{Path: p, Source: SourceSystem})
		}
	}
	return out
}

// isExecutableFile reports whether path exists, is regular, and is executable.
func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

// dedupeByCanonicalPath removes duplicates, keeping the first occurrence
// (earlier discovery sources take precedence).
func dedupeByCanonicalPath(in []Installation) []Installation {
	seen := make(map[string]bool, len(in))
	out := make([]Installation, 0, len(in))
	for _, inst := range in {
		canonical, err := filepath.EvalSymlinks(inst.Path)
		if err != nil {
			canonical = inst.Path
		}
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, inst)
	}
	return out
}

// sortInstallations orders candidates best-first:
//  1. Both versioned: descending semantic-version compare.
//  2. Exactly one versioned: the versioned one ranks higher.
//  3. Neither versioned: absolute paths rank higher than the bare name.
//
// The override source always sorts first so a user choice is never demoted.
func sortInstallations(installations []Installation) {
	sort.SliceStable(installations, func(i, j int) bool {
		a, b := installations[i], installations[j]

		if (a.Source == SourceOverride) != (b.Source == SourceOverride) {
			return a.Source == SourceOverride
		}

		switch {
		case a.Version != "" && b.Version != "":
			return compareVersions(a.Version, b.Version) > 0
		case a.Version != "":
			return true
		case b.Version != "":
			return false
		default:
			aAbs := filepath.IsAbs(a.Path)
			bAbs := filepath.IsAbs(b.Path)
			if aAbs != bAbs {
				return aAbs
			}
			return false
		}
	})
}

// trimVersionPrefix normalises a probed version for x/mod/semver, which
// requires the leading "v".
func trimVersionPrefix(v string) string {
	return "v" + strings.TrimPrefix(v, "v")
}
