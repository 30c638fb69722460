package resolver

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/semver"
)

// probeTimeout bounds each --version spawn.
const probeTimeout = 2 * time.Second

// probeCacheSize bounds the number of cached probe results. Discovery rarely
// sees more than a handful of binaries; 64 is generous.
const probeCacheSize = 64

// versionRegex matches the first semantic-version token of --version output.
var versionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[A-Za-z0-9.-]+)?(\+[A-Za-z0-9.-]+)?$`)

// probeKey identifies a binary for cache purposes. A changed mtime or size
// invalidates the cached version.
type probeKey struct {
	path  string
	mtime int64
	size  int64
}

// prober spawns candidates with --version and caches the parsed result.
type prober struct {
	cache *lru.Cache[probeKey, string]
}

func newProber() *prober {
	// lru.New only errors on non-positive size.
	cache, _ := lru.New[probeKey, string](probeCacheSize)
	return &prober{cache: cache}
}

// version probes the binary at path. A probe failure returns "" and does not
// discard the candidate.
func (p *prober) version(ctx context.Context, path string) string {
	key := probeKey{path: path}
	if info, err := os.Stat(path); err == nil {
		key.mtime = info.ModTime().UnixNano()
		key.size = info.Size()
	}

	if v, ok := p.cache.Get(key); ok {
		return v
	}

	v := probeVersion(ctx, path)
	p.cache.Add(key, v)
	return v
}

// probeVersion runs `<path> --version` under a short timeout and parses the
// first whitespace-separated token that looks like a semantic version.
func probeVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output() //nolint:gosec // path is a discovered candidate binary
	if err != nil {
		return ""
	}
	return ParseVersionOutput(string(out))
}

// ParseVersionOutput extracts the first semantic-version token from --version
// output. Returns "" when no token matches.
func ParseVersionOutput(out string) string {
	for _, token := range strings.Fields(out) {
		if versionRegex.MatchString(token) {
			return token
		}
	}
	return ""
}

// compareVersions compares two probed versions semantically.
// Pre-release sorts below release; build metadata is ignored.
func compareVersions(a, b string) int {
	return semver.Compare(trimVersionPrefix(a), trimVersionPrefix(b))
}
