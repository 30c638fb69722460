package checkpoint

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/paths"
	"github.com/maestroio/cli/cmd/maestro/cli/transcript"
)

// diffSizeCap bounds the per-file content size considered for line diffs in
// the usage summary. Larger or binary files count bytes only.
const diffSizeCap = 1 << 20 // 1 MiB

// session is the engine's per-live-session state. The timeline lock follows
// the read/write split: listings take the read side, checkpoint / restore /
// fork / GC take the write side.
type session struct {
	id          string
	projectRoot string

	mu       sync.RWMutex
	tracker  *Tracker
	timeline *timeline
	strategy Strategy

	// lastMessageIndex is the transcript line count at the last checkpoint.
	lastMessageIndex int

	// triggerPending is set when the strategy wants an automatic snapshot.
	triggerPending bool

	// readOnly is set on timeline corruption; writes are refused until the
	// serialised tree is repaired.
	readOnly bool
}

// Engine owns every session's checkpoint state.
type Engine struct {
	dataRoot string
	store    *transcript.Store

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine creates an engine over the given data root and transcript store.
func NewEngine(dataRoot string, store *transcript.Store) *Engine {
	return &Engine{
		dataRoot: dataRoot,
		store:    store,
		sessions: make(map[string]*session),
	}
}

// Open registers a session with the engine, loading its timeline from disk.
// Idempotent: reopening an already-open session only updates the strategy.
// A corrupt timeline leaves the session in read-only mode and returns the
// corruption error; listings still work.
func (e *Engine) Open(ctx context.Context, sessionID, projectRoot string, strategy Strategy) error {
	e.mu.Lock()
	if existing, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		existing.mu.Lock()
		existing.strategy = strategy
		existing.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	sessionDir := paths.CheckpointsDir(e.dataRoot, projectRoot, sessionID)
	tl, err := loadTimeline(sessionDir, sessionID)

	sess := &session{
		id:          sessionID,
		projectRoot: projectRoot,
		tracker:     NewTracker(projectRoot),
		strategy:    strategy,
	}
	if err != nil {
		sess.timeline = newTimeline(sessionID)
		sess.readOnly = true
		logging.Error(ctx, "timeline corrupt; checkpoint writes disabled",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
	} else {
		sess.timeline = tl
	}

	// Resume the message index from the current checkpoint, if any.
	if sess.timeline.current != "" {
		if cp, ok := sess.timeline.get(sess.timeline.current); ok {
			sess.lastMessageIndex = cp.MessageIndex
		}
	}

	e.mu.Lock()
	e.sessions[sessionID] = sess
	e.mu.Unlock()
	return err
}

// SetStrategy updates a session's trigger strategy.
func (e *Engine) SetStrategy(sessionID string, strategy Strategy) error {
	sess, err := e.session(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	sess.strategy = strategy
	sess.mu.Unlock()
	return nil
}

// session looks up an open session.
func (e *Engine) session(sessionID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, errs.NotFound("session " + sessionID + " is not open in the checkpoint engine")
	}
	return sess, nil
}

// sessionDir returns the checkpoint directory for a session id under the
// session's project.
func (e *Engine) sessionDir(sess *session, sessionID string) string {
	return paths.CheckpointsDir(e.dataRoot, sess.projectRoot, sessionID)
}

// storageDirFor resolves where a checkpoint's refs and pool live, following
// the fork reference indirection when present.
func (e *Engine) storageDirFor(sess *session, checkpointID string) string {
	if external := sess.timeline.externalSessionOf(checkpointID); external != "" {
		return paths.CheckpointsDir(e.dataRoot, sess.projectRoot, external)
	}
	return e.sessionDir(sess, sess.id)
}

// ObserveLine implements the streaming pipeline's LineObserver: every stdout
// line flows through the session's file tracker before reaching other
// subscribers, and the trigger strategy decides whether a snapshot is due.
func (e *Engine) ObserveLine(sessionID string, line []byte) {
	sess, err := e.session(sessionID)
	if err != nil {
		return
	}

	kind := sess.tracker.Observe(line)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	switch sess.strategy {
	case StrategyPerPrompt:
		if kind == LineUserInput {
			sess.triggerPending = true
		}
	case StrategyPerToolUse:
		if kind == LineToolUse || kind == LineFileTool || kind == LineShellTool {
			sess.triggerPending = true
		}
	case StrategySmart:
		if kind == LineFileTool || kind == LineShellTool {
			sess.triggerPending = true
		}
	case StrategyManual:
	}
}

// AutoCheckpoint creates a snapshot when the strategy has flagged one.
// Returns the new checkpoint id, or "" when nothing was due.
func (e *Engine) AutoCheckpoint(ctx context.Context, sessionID string) (string, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	due := sess.triggerPending
	sess.triggerPending = false
	sess.mu.Unlock()
	if !due {
		return "", nil
	}

	cp, err := e.Checkpoint(ctx, sessionID, "")
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Checkpoint snapshots the session's tracked files and transcript tail.
// The operation is fully visible or not visible: content-pool writes are
// tolerated on failure (GC reclaims them), but refs, metadata, and the
// timeline are only published together.
func (e *Engine) Checkpoint(ctx context.Context, sessionID, description string) (Checkpoint, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.readOnly {
		return Checkpoint{}, errs.TimelineCorruption("timeline is read-only until repaired", nil)
	}

	start := time.Now()
	sessionDir := e.sessionDir(sess, sess.id)
	pool := poolDir(sessionDir)

	// 1. Candidate files: tracker-dirty ∪ full scan when a shell side
	// effect is outstanding. The first checkpoint of a session always
	// scans so the snapshot captures the project's starting state.
	ignores := newIgnoreMatcher(sess.projectRoot)
	candidates := sess.tracker.DirtyPaths()
	fullScan := sess.tracker.NeedsFullRescan() || len(sess.timeline.index) == 0
	if fullScan {
		scanned, err := scanProject(sess.projectRoot, ignores)
		if err != nil {
			return Checkpoint{}, errs.CheckpointIO("scanning project", err)
		}
		candidates = mergePaths(candidates, scanned)
	}

	// Carry the parent's full reference set forward so every checkpoint
	// describes the complete tracked state, not a delta.
	parentID := sess.timeline.current
	refs := make(map[string]FileRef)
	if parentID != "" {
		parentRefs, err := readRefs(e.storageDirFor(sess, parentID), parentID)
		if err != nil {
			return Checkpoint{}, err
		}
		for p, r := range parentRefs {
			if !r.IsDeleted {
				refs[p] = r
			}
		}
		if fullScan {
			// A rescan must also notice tracked files that vanished; the
			// project walk alone only reports what still exists.
			candidates = mergePaths(candidates, sortedPaths(refs))
		}
	}

	// 2. Hash and pool each candidate's current content.
	usage := sess.tracker.TakeUsage()
	newID := uuid.NewString()

	for _, rel := range candidates {
		if ignores.Ignored(rel, false) {
			continue
		}
		abs := filepath.Join(sess.projectRoot, filepath.FromSlash(rel))
		data, err := os.ReadFile(abs) //nolint:gosec // path is project-relative from the tracker
		if err != nil {
			if os.IsNotExist(err) {
				if prev, tracked := refs[rel]; tracked && !prev.IsDeleted {
					refs[rel] = FileRef{Path: rel, IsDeleted: true}
					usage.FilesChanged++
				}
				continue
			}
			return Checkpoint{}, errs.CheckpointIO("reading "+rel, err)
		}

		info, err := os.Stat(abs)
		if err != nil {
			continue
		}

		hash, err := writeBlob(pool, data)
		if err != nil {
			return Checkpoint{}, err
		}

		prev, hadPrev := refs[rel]
		ref := FileRef{
			Path: rel,
			Hash: hash,
			Size: int64(len(data)),
			Mode: uint32(info.Mode().Perm()),
		}
		refs[rel] = ref

		if !hadPrev || prev.Hash != hash || prev.IsDeleted {
			usage.FilesChanged++
			usage.BytesWritten += ref.Size
			added, removed := e.lineDelta(sess, prev, data)
			usage.LinesAdded += added
			usage.LinesRemoved += removed
		}
	}

	// 3. Snapshot the transcript tail since the previous checkpoint.
	tail, totalLines, err := e.store.TailFrom(sess.projectRoot, sess.id, sess.lastMessageIndex)
	if err != nil {
		return Checkpoint{}, errs.CheckpointIO("reading transcript tail", err)
	}

	// 4. Assemble the immutable record.
	cp := Checkpoint{
		ID:           newID,
		SessionID:    sess.id,
		ParentID:     parentID,
		MessageIndex: totalLines,
		Timestamp:    time.Now(),
		Description:  description,
		Usage:        usage,
	}

	// Publish refs, messages, and metadata; roll everything back if any
	// piece fails so the checkpoint never becomes partially visible.
	if err := writeRefs(sessionDir, newID, refs); err != nil {
		removeCheckpointFiles(sessionDir, newID)
		return Checkpoint{}, err
	}
	if err := writeMessages(sessionDir, newID, tail); err != nil {
		removeCheckpointFiles(sessionDir, newID)
		return Checkpoint{}, err
	}
	if err := writeMeta(sessionDir, cp); err != nil {
		removeCheckpointFiles(sessionDir, newID)
		return Checkpoint{}, err
	}

	// 5–6. Insert into the tree and atomically rewrite timeline.json.
	if err := sess.timeline.insert(cp, ""); err != nil {
		removeCheckpointFiles(sessionDir, newID)
		return Checkpoint{}, errs.Internal("inserting checkpoint into timeline", err)
	}
	previousCurrent := sess.timeline.current
	sess.timeline.current = newID
	if err := sess.timeline.save(sessionDir); err != nil {
		sess.timeline.current = previousCurrent
		sess.timeline.remove(newID)
		removeCheckpointFiles(sessionDir, newID)
		return Checkpoint{}, err
	}

	// 7. Reset the tracker's dirty set and the side-effect flag.
	sess.tracker.SnapshotTaken(sortedRefs(refs))
	sess.lastMessageIndex = totalLines

	logging.LogDuration(logging.WithSession(ctx, sessionID), slog.LevelInfo, "checkpoint created", start,
		slog.String("checkpoint_id", newID),
		slog.Int("files_changed", usage.FilesChanged),
		slog.Int("message_index", totalLines),
	)
	return cp, nil
}

// lineDelta computes the line-level diff between a file's previous pool
// content and its new content. Oversized or binary content counts as zero.
func (e *Engine) lineDelta(sess *session, prev FileRef, newData []byte) (int, int) {
	if int64(len(newData)) > diffSizeCap || bytes.IndexByte(newData, 0) >= 0 {
		return 0, 0
	}

	var oldData []byte
	if prev.Hash != "" && !prev.IsDeleted && prev.Size <= diffSizeCap {
		pool := poolDir(e.sessionDir(sess, sess.id))
		if data, err := readBlob(pool, prev.Hash, prev.Size); err == nil {
			oldData = data
		}
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(string(oldData), string(newData))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	added, removed := 0, 0
	for _, d := range diffs {
		n := bytes.Count([]byte(d.Text), []byte("\n"))
		if n == 0 && len(d.Text) > 0 {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		case diffmatchpatch.DiffEqual:
		}
	}
	return added, removed
}

// Get returns a checkpoint's metadata.
func (e *Engine) Get(sessionID, checkpointID string) (Checkpoint, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return Checkpoint{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	cp, ok := sess.timeline.get(checkpointID)
	if !ok {
		return Checkpoint{}, errs.NotFound("checkpoint " + checkpointID + " not found")
	}
	return cp, nil
}

// List returns every checkpoint of a session in pre-order.
func (e *Engine) List(sessionID string) ([]Checkpoint, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.timeline.checkpoints(), nil
}

// Timeline returns the session's tree in wire shape.
func (e *Engine) Timeline(sessionID string) (TimelineView, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return TimelineView{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.timeline.view(), nil
}

// Diff compares two checkpoints' file-reference sets.
func (e *Engine) Diff(sessionID, fromID, toID string) (DiffSummary, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return DiffSummary{}, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	fromRefs, err := readRefs(e.storageDirFor(sess, fromID), fromID)
	if err != nil {
		return DiffSummary{}, err
	}
	toRefs, err := readRefs(e.storageDirFor(sess, toID), toID)
	if err != nil {
		return DiffSummary{}, err
	}

	summary := DiffSummary{FromCheckpointID: fromID, ToCheckpointID: toID}
	for path, from := range fromRefs {
		to, exists := toRefs[path]
		switch {
		case !exists || (to.IsDeleted && !from.IsDeleted):
			summary.Deleted = append(summary.Deleted, DiffEntry{Path: path, FromHash: from.Hash, FromSize: from.Size})
		case from.Hash != to.Hash:
			summary.Modified = append(summary.Modified, DiffEntry{
				Path: path, FromHash: from.Hash, ToHash: to.Hash,
				FromSize: from.Size, ToSize: to.Size,
			})
		}
	}
	for path, to := range toRefs {
		if _, exists := fromRefs[path]; !exists && !to.IsDeleted {
			summary.Added = append(summary.Added, DiffEntry{Path: path, ToHash: to.Hash, ToSize: to.Size})
		}
	}
	return summary, nil
}

// sortedPaths returns a ref map's keys in path order.
func sortedPaths(refs map[string]FileRef) []string {
	out := make([]string, 0, len(refs))
	for p := range refs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// mergePaths unions two relative-path lists, preserving first occurrence.
func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}
