package checkpoint

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// builtinIgnores are always excluded from project scans and restores:
// the VCS directory, dependency/build trees, and OS junk.
var builtinIgnores = []string{
	".git/",
	"node_modules/",
	"target/",
	".DS_Store",
	"Thumbs.db",
}

// ignoreMatcher decides which project paths the engine never touches.
type ignoreMatcher struct {
	matcher gitignore.Matcher
}

// newIgnoreMatcher builds the matcher from the built-in set plus the
// project's own .gitignore files when present.
func newIgnoreMatcher(projectRoot string) *ignoreMatcher {
	var patterns []gitignore.Pattern
	for _, p := range builtinIgnores {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	// Project .gitignore rules ride along; scan failures just mean the
	// built-in set applies alone.
	if ps, err := gitignore.ReadPatterns(osfs.New(projectRoot), nil); err == nil {
		patterns = append(patterns, ps...)
	}

	return &ignoreMatcher{matcher: gitignore.NewMatcher(patterns)}
}

// Ignored reports whether the slash-separated relative path is excluded.
func (m *ignoreMatcher) Ignored(relPath string, isDir bool) bool {
	return m.matcher.Match(strings.Split(relPath, "/"), isDir)
}

// scanProject walks the project root and returns every non-ignored regular
// file as a slash-separated relative path.
func scanProject(projectRoot string, ignores *ignoreMatcher) ([]string, error) {
	var files []string
	err := filepath.WalkDir(projectRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == projectRoot {
			return nil
		}

		rel, err := filepath.Rel(projectRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ignores.Ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ignores.Ignored(rel, false) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
