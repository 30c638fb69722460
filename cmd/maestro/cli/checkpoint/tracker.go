package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LineKind classifies a transcript line for trigger decisions.
type LineKind int

const (
	// LineOther is anything the tracker has no interest in.
	LineOther LineKind = iota
	// LineUserInput is a user prompt line.
	LineUserInput
	// LineToolUse is a tool invocation with no known file effect.
	LineToolUse
	// LineFileTool is a tool invocation naming affected files
	// (write, edit, multi_edit).
	LineFileTool
	// LineShellTool is an opaque shell/bash invocation; its side effects
	// are unknown and force a full rescan at the next snapshot.
	LineShellTool
)

// fileToolNames are tools whose input names the affected files.
var fileToolNames = map[string]bool{
	"write":      true,
	"edit":       true,
	"multi_edit": true,
	"create":     true,
}

// shellToolNames are tools with opaque filesystem side effects.
var shellToolNames = map[string]bool{
	"bash":  true,
	"shell": true,
}

// trackedFile is the tracker's view of one observed path.
type trackedFile struct {
	path     string // relative, slash-separated
	lastHash string
	lastSeen time.Time
	exists   bool
	dirty    bool
}

// Tracker is the in-memory projection of which files are considered modified
// since the last checkpoint for one live session. The streaming pipeline
// feeds it every parsed stdout line.
type Tracker struct {
	mu          sync.Mutex
	projectRoot string
	files       map[string]*trackedFile
	rescanAll   bool // an opaque shell side effect is outstanding
	usage       UsageSummary
}

// NewTracker creates a tracker for a project root.
func NewTracker(projectRoot string) *Tracker {
	return &Tracker{
		projectRoot: projectRoot,
		files:       make(map[string]*trackedFile),
	}
}

// transcript line shapes the tracker understands. Tool invocations appear
// either as top-level tool_use lines or nested in assistant message content.
type trackedLine struct {
	Type    string          `json:"type"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Message json.RawMessage `json:"message"`
}

type trackedMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *tokenUsage     `json:"usage"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toolInput is the superset of argument fields known to carry paths.
type toolInput struct {
	Path     string   `json:"path"`
	FilePath string   `json:"file_path"`
	Files    []string `json:"files"`
}

// Observe inspects one transcript line, recording affected paths and token
// usage. Malformed JSON is skipped. Returns the line's classification so the
// caller can apply its trigger strategy.
func (t *Tracker) Observe(line []byte) LineKind {
	var parsed trackedLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		return LineOther
	}

	kind := LineOther

	switch parsed.Type {
	case "user":
		kind = LineUserInput
	case "tool_use":
		kind = t.observeTool(parsed.Name, parsed.Input)
	}

	if len(parsed.Message) > 0 {
		var msg trackedMessage
		if err := json.Unmarshal(parsed.Message, &msg); err == nil {
			if msg.Role == "user" && kind == LineOther {
				kind = LineUserInput
			}
			if msg.Usage != nil {
				t.mu.Lock()
				t.usage.InputTokens += msg.Usage.InputTokens
				t.usage.OutputTokens += msg.Usage.OutputTokens
				t.mu.Unlock()
			}

			var blocks []contentBlock
			if err := json.Unmarshal(msg.Content, &blocks); err == nil {
				for _, b := range blocks {
					if b.Type != "tool_use" {
						continue
					}
					if k := t.observeTool(b.Name, b.Input); k > kind {
						kind = k
					}
				}
			}
		}
	}

	return kind
}

// observeTool records one tool invocation's file effects.
func (t *Tracker) observeTool(name string, input json.RawMessage) LineKind {
	lower := strings.ToLower(name)

	if shellToolNames[lower] {
		t.mu.Lock()
		t.rescanAll = true
		t.mu.Unlock()
		return LineShellTool
	}

	if !fileToolNames[lower] {
		if name == "" {
			return LineOther
		}
		return LineToolUse
	}

	var args toolInput
	if err := json.Unmarshal(input, &args); err != nil {
		return LineFileTool
	}

	var paths []string
	if args.Path != "" {
		paths = append(paths, args.Path)
	}
	if args.FilePath != "" {
		paths = append(paths, args.FilePath)
	}
	paths = append(paths, args.Files...)

	for _, p := range paths {
		t.Touch(p)
	}
	return LineFileTool
}

// Touch marks a path as dirty, lazily recording its pre-change hash on first
// observation.
func (t *Tracker) Touch(path string) {
	rel := t.relativize(path)
	if rel == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.files[rel]
	if !ok {
		f = &trackedFile{path: rel}
		// Pre-change hash, captured before the tool's write lands.
		if data, err := os.ReadFile(filepath.Join(t.projectRoot, filepath.FromSlash(rel))); err == nil { //nolint:gosec // path is project-relative
			f.lastHash = hashBytes(data)
			f.exists = true
		}
		t.files[rel] = f
	}
	f.dirty = true
	f.lastSeen = time.Now()
}

// relativize converts an observed path to a project-relative slash path.
// Paths outside the project are discarded.
func (t *Tracker) relativize(path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(filepath.Clean(path))
	}
	rel, err := filepath.Rel(t.projectRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// DirtyPaths returns the paths touched since the last snapshot.
func (t *Tracker) DirtyPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, f := range t.files {
		if f.dirty {
			out = append(out, f.path)
		}
	}
	return out
}

// NeedsFullRescan reports whether an opaque shell side effect is outstanding.
func (t *Tracker) NeedsFullRescan() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rescanAll
}

// TakeUsage returns and resets the accumulated token usage.
func (t *Tracker) TakeUsage() UsageSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage
	t.usage = UsageSummary{}
	return u
}

// SnapshotTaken clears the dirty set and the rescan flag, updating each
// entry's last observed hash to the snapshotted state.
func (t *Tracker) SnapshotTaken(refs []FileRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, ref := range refs {
		f, ok := t.files[ref.Path]
		if !ok {
			f = &trackedFile{path: ref.Path}
			t.files[ref.Path] = f
		}
		f.lastHash = ref.Hash
		f.exists = !ref.IsDeleted
		f.dirty = false
		f.lastSeen = now
	}
	for _, f := range t.files {
		f.dirty = false
	}
	t.rescanAll = false
}

// ResetTo replaces the tracker's state with the restored file set: all
// entries clean, hashes from the restore target.
func (t *Tracker) ResetTo(refs []FileRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.files = make(map[string]*trackedFile, len(refs))
	now := time.Now()
	for _, ref := range refs {
		if ref.IsDeleted {
			continue
		}
		t.files[ref.Path] = &trackedFile{
			path:     ref.Path,
			lastHash: ref.Hash,
			lastSeen: now,
			exists:   true,
		}
	}
	t.rescanAll = false
	t.usage = UsageSummary{}
}

// KnownPaths returns every path the tracker has ever observed.
func (t *Tracker) KnownPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.files))
	for p := range t.files {
		out = append(out, p)
	}
	return out
}
