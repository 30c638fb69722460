package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/paths"
)

// GarbageCollect removes content-pool entries not reachable from any
// surviving checkpoint of the session, including checkpoints referenced
// across sessions via fork. Safe to run at any time because pool writes are
// idempotent by hash. Returns the compressed bytes reclaimed.
func (e *Engine) GarbageCollect(ctx context.Context, sessionID string) (int64, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return 0, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return e.collectLocked(ctx, sess)
}

// collectLocked does the reachability sweep; callers hold the write lock.
func (e *Engine) collectLocked(ctx context.Context, sess *session) (int64, error) {
	sessionDir := e.sessionDir(sess, sess.id)

	// Surviving checkpoint ids: this session's own tree plus any of its
	// checkpoints referenced from sibling timelines via fork indirection.
	surviving := make(map[string]bool)
	for _, cp := range sess.timeline.checkpoints() {
		if sess.timeline.externalSessionOf(cp.ID) == "" {
			surviving[cp.ID] = true
		}
	}
	for _, id := range e.externalReferencesTo(sess) {
		surviving[id] = true
	}

	reachable := make(map[string]bool)
	for id := range surviving {
		refs, err := readRefs(sessionDir, id)
		if err != nil {
			// A checkpoint without refs contributes nothing to keep.
			continue
		}
		for _, ref := range refs {
			if ref.Hash != "" {
				reachable[ref.Hash] = true
			}
		}
	}

	pool := poolDir(sessionDir)
	entries, err := os.ReadDir(pool)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.CheckpointIO("reading content pool", err)
	}

	var reclaimed int64
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || reachable[entry.Name()] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(pool, entry.Name())); err != nil {
			continue
		}
		reclaimed += info.Size()
		removed++
	}

	if removed > 0 {
		logging.Info(logging.WithSession(ctx, sess.id), "content pool collected",
			slog.Int("blobs_removed", removed),
			slog.Int64("bytes_reclaimed", reclaimed),
		)
	}
	return reclaimed, nil
}

// externalReferencesTo finds checkpoint ids owned by sess that sibling
// sessions' timelines reference via fork indirection. Sibling timelines are
// read straight from disk so closed sessions still count.
func (e *Engine) externalReferencesTo(sess *session) []string {
	checkpointsRoot := filepath.Join(paths.ProjectDir(e.dataRoot, sess.projectRoot), paths.CheckpointsDirName)
	entries, err := os.ReadDir(checkpointsRoot)
	if err != nil {
		return nil
	}

	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == sess.id {
			continue
		}
		data, err := os.ReadFile(filepath.Join(checkpointsRoot, entry.Name(), paths.TimelineFileName)) //nolint:gosec // path enumerated under the data root
		if err != nil {
			continue
		}
		var file timelineFile
		if err := json.Unmarshal(data, &file); err != nil {
			continue
		}
		for _, rec := range file.Nodes {
			if rec.ExternalSession == sess.id {
				out = append(out, rec.Checkpoint.ID)
			}
		}
	}
	return out
}

// CleanupOld removes the oldest checkpoints beyond keepCount, reparenting
// orphaned children, then garbage-collects the pool. The current checkpoint
// and checkpoints referenced by forks always survive. Returns the bytes
// reclaimed.
func (e *Engine) CleanupOld(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return 0, err
	}
	if keepCount < 0 {
		return 0, errs.InvalidArgument("keep count cannot be negative")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.readOnly {
		return 0, errs.TimelineCorruption("timeline is read-only until repaired", nil)
	}

	all := sess.timeline.checkpoints()
	if len(all) <= keepCount {
		return 0, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	protected := make(map[string]bool)
	protected[sess.timeline.current] = true
	for _, id := range e.externalReferencesTo(sess) {
		protected[id] = true
	}

	sessionDir := e.sessionDir(sess, sess.id)
	toDelete := len(all) - keepCount
	deleted := 0
	for _, cp := range all {
		if deleted >= toDelete {
			break
		}
		if protected[cp.ID] || sess.timeline.externalSessionOf(cp.ID) != "" {
			continue
		}
		if !sess.timeline.remove(cp.ID) {
			continue
		}
		removeCheckpointFiles(sessionDir, cp.ID)
		deleted++
	}

	if deleted == 0 {
		return 0, nil
	}

	if err := sess.timeline.save(sessionDir); err != nil {
		return 0, err
	}

	reclaimed, err := e.collectLocked(ctx, sess)
	if err != nil {
		return 0, err
	}

	logging.Info(logging.WithSession(ctx, sessionID), "old checkpoints cleaned up",
		slog.Int("removed", deleted),
		slog.Int("kept", len(all)-deleted),
	)
	return reclaimed, nil
}
