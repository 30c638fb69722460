package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
)

// Restore brings the project root and transcript back to the target
// checkpoint's state. Files outside the target's reference set (and outside
// the ignore rules) are deleted; referenced files are rewritten atomically
// from the content pool.
//
// The operation holds the session's exclusive lock so two restores of the
// same session cannot interleave. It is not transactional with respect to
// external filesystem observers.
func (e *Engine) Restore(ctx context.Context, sessionID, checkpointID string) (RestoreSummary, error) {
	sess, err := e.session(sessionID)
	if err != nil {
		return RestoreSummary{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	cp, ok := sess.timeline.get(checkpointID)
	if !ok {
		return RestoreSummary{}, errs.NotFound("checkpoint " + checkpointID + " not found")
	}

	start := time.Now()
	storageDir := e.storageDirFor(sess, checkpointID)

	// 1. The target's reference set is the desired end state.
	refs, err := readRefs(storageDir, checkpointID)
	if err != nil {
		return RestoreSummary{}, err
	}

	// 2–3. Delete current files that the target doesn't know about.
	ignores := newIgnoreMatcher(sess.projectRoot)
	current, err := scanProject(sess.projectRoot, ignores)
	if err != nil {
		return RestoreSummary{}, errs.IOFailure("scanning project for restore", err)
	}

	var summary RestoreSummary
	var fileErrs []error
	for _, rel := range current {
		if ref, tracked := refs[rel]; tracked && !ref.IsDeleted {
			continue
		}
		abs := filepath.Join(sess.projectRoot, filepath.FromSlash(rel))
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			fileErrs = append(fileErrs, errs.Restoration(rel, err))
			continue
		}
		summary.FilesDeleted++
	}

	// 4. Materialise every referenced file. All files are attempted; the
	// failures are reported together afterwards.
	pool := poolDir(storageDir)
	for _, ref := range sortedRefs(refs) {
		abs := filepath.Join(sess.projectRoot, filepath.FromSlash(ref.Path))

		if ref.IsDeleted {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				fileErrs = append(fileErrs, errs.Restoration(ref.Path, err))
			}
			continue
		}

		data, err := readBlob(pool, ref.Hash, ref.Size)
		if err != nil {
			fileErrs = append(fileErrs, errs.Restoration(ref.Path, err))
			continue
		}
		if err := writeFileAtomic(abs, data, ref.Mode); err != nil {
			fileErrs = append(fileErrs, errs.Restoration(ref.Path, err))
			continue
		}
		summary.FilesRestored++
		summary.BytesWritten += ref.Size
	}

	if len(fileErrs) > 0 {
		return summary, errs.Wrap(errs.KindRestoration,
			fmt.Sprintf("%d of %d files failed to restore", len(fileErrs), len(refs)),
			errors.Join(fileErrs...))
	}

	// 5. Truncate the transcript to the checkpoint's message index.
	if err := e.store.TruncateTo(ctx, sess.projectRoot, sess.id, cp.MessageIndex); err != nil {
		return summary, err
	}

	// 6. Reset the tracker to the restored state.
	sess.tracker.ResetTo(sortedRefs(refs))
	sess.lastMessageIndex = cp.MessageIndex
	sess.triggerPending = false

	// 7. Move the current pointer.
	sess.timeline.current = checkpointID
	if err := sess.timeline.save(e.sessionDir(sess, sess.id)); err != nil {
		return summary, err
	}

	logging.LogDuration(logging.WithSession(ctx, sessionID), slog.LevelInfo, "checkpoint restored", start,
		slog.String("checkpoint_id", checkpointID),
		slog.Int("files_restored", summary.FilesRestored),
		slog.Int("files_deleted", summary.FilesDeleted),
	)
	return summary, nil
}

// writeFileAtomic writes data via a temp file and rename, creating parent
// directories and restoring unix permissions when recorded.
func writeFileAtomic(path string, data []byte, mode uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating parent directories: %w", err)
	}

	perm := os.FileMode(0o600)
	if mode != 0 {
		perm = os.FileMode(mode)
	}

	tmpPath := path + ".maestro-restore"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	// WriteFile's perm is filtered by umask; restore the recorded bits.
	if mode != 0 {
		if err := os.Chmod(tmpPath, perm); err != nil {
			_ = os.Remove(tmpPath)
			return fmt.Errorf("restoring permissions: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publishing file: %w", err)
	}
	return nil
}
