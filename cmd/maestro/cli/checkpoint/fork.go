package checkpoint

import (
	"context"
	"log/slog"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/sessionid"
)

// Fork creates a new session rooted at the given checkpoint. The new
// session's transcript is a copy of the source truncated to the
// checkpoint's message index; its timeline contains the one checkpoint as a
// reference into the source session's storage, so no blobs are duplicated.
// Returns the new session id.
func (e *Engine) Fork(ctx context.Context, srcSessionID, checkpointID, newSessionID string) (string, error) {
	src, err := e.session(srcSessionID)
	if err != nil {
		return "", err
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	cp, ok := src.timeline.get(checkpointID)
	if !ok {
		return "", errs.NotFound("checkpoint " + checkpointID + " not found")
	}

	if newSessionID == "" {
		newSessionID = sessionid.New()
	}
	if newSessionID == srcSessionID {
		return "", errs.InvalidArgument("fork target must be a new session id")
	}

	e.mu.Lock()
	if _, exists := e.sessions[newSessionID]; exists {
		e.mu.Unlock()
		return "", errs.InvalidArgument("session " + newSessionID + " already exists")
	}
	e.mu.Unlock()

	// Copy the transcript prefix up to the checkpoint.
	if err := e.store.CopyPrefix(src.projectRoot, srcSessionID, newSessionID, cp.MessageIndex); err != nil {
		return "", err
	}

	// The forked checkpoint's storage stays in the source session; the
	// reference indirection records where to look. A fork of a fork keeps
	// pointing at the original owner.
	owner := src.timeline.externalSessionOf(checkpointID)
	if owner == "" {
		owner = srcSessionID
	}

	forkedCp := cp
	forkedCp.ParentID = "" // root of the new tree
	newSess := &session{
		id:               newSessionID,
		projectRoot:      src.projectRoot,
		tracker:          NewTracker(src.projectRoot),
		timeline:         newTimeline(newSessionID),
		strategy:         src.strategy,
		lastMessageIndex: cp.MessageIndex,
	}
	if err := newSess.timeline.insert(forkedCp, owner); err != nil {
		return "", errs.Internal("building forked timeline", err)
	}
	newSess.timeline.current = checkpointID

	if err := newSess.timeline.save(e.sessionDir(newSess, newSessionID)); err != nil {
		return "", err
	}

	// Seed the tracker from the forked state.
	if refs, err := readRefs(e.storageDirFor(newSess, checkpointID), checkpointID); err == nil {
		newSess.tracker.ResetTo(sortedRefs(refs))
	}

	e.mu.Lock()
	e.sessions[newSessionID] = newSess
	e.mu.Unlock()

	logging.Info(logging.WithSession(ctx, srcSessionID), "session forked",
		slog.String("checkpoint_id", checkpointID),
		slog.String("new_session_id", newSessionID),
	)
	return newSessionID, nil
}
