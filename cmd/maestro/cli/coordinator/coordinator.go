// Package coordinator is the single façade exposed to transports. Every
// public command flows through here: it ties the binary resolver, command
// builder, process registry, streaming pipeline, transcript store, and
// checkpoint engine together.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/maestroio/cli/cmd/maestro/cli/checkpoint"
	"github.com/maestroio/cli/cmd/maestro/cli/command"
	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/registry"
	"github.com/maestroio/cli/cmd/maestro/cli/resolver"
	"github.com/maestroio/cli/cmd/maestro/cli/sessionid"
	"github.com/maestroio/cli/cmd/maestro/cli/settings"
	"github.com/maestroio/cli/cmd/maestro/cli/stream"
	"github.com/maestroio/cli/cmd/maestro/cli/transcript"
	"github.com/maestroio/cli/cmd/maestro/cli/validation"
)

// CancelStatus reports what Cancel did.
type CancelStatus string

const (
	// Cancelled means a running child was killed.
	Cancelled CancelStatus = "cancelled"
	// AlreadyStopped means the session exists but has no running child.
	AlreadyStopped CancelStatus = "already_stopped"
	// UnknownSession means the session id is not known to the runtime.
	UnknownSession CancelStatus = "unknown_session"
)

// SessionState is the observable session lifecycle state.
type SessionState string

const (
	// StateIdle means no child is running for the session.
	StateIdle SessionState = "idle"
	// StateRunning means an interactive child is alive.
	StateRunning SessionState = "running"
	// StateExited means the last child has finished.
	StateExited SessionState = "exited"
)

// sessionRecord is the coordinator's view of one known session. The process
// handle itself stays in the registry; only the run id crosses over.
type sessionRecord struct {
	id          string
	projectRoot string
	createdAt   time.Time
	lastRunID   uint64
	everRan     bool
}

// Coordinator wires the core subsystems behind the public command surface.
// Construct one per runtime context; tests build isolated instances.
type Coordinator struct {
	dataRoot string
	settings *settings.Settings

	resolver *resolver.Resolver
	store    *transcript.Store
	engine   *checkpoint.Engine
	registry *registry.Registry
	broker   *stream.Broker

	mu       sync.Mutex
	sessions map[string]*sessionRecord

	autoSub  *stream.Subscription
	autoDone chan struct{}
}

// New creates a coordinator over the given data root.
func New(dataRoot string, s *settings.Settings) *Coordinator {
	if s == nil {
		s = &settings.Settings{CheckpointStrategy: settings.DefaultStrategyName}
	}

	store := transcript.NewStore(dataRoot)
	c := &Coordinator{
		dataRoot: dataRoot,
		settings: s,
		resolver: resolver.New(s),
		store:    store,
		engine:   checkpoint.NewEngine(dataRoot, store),
		registry: registry.New(),
		broker:   stream.NewBroker(),
		sessions: make(map[string]*sessionRecord),
		autoDone: make(chan struct{}),
	}

	// The auto-checkpoint loop rides a global subscription so per-strategy
	// triggers fire regardless of which transport started the session.
	c.autoSub = c.broker.SubscribeGlobal()
	go c.autoCheckpointLoop()

	return c
}

// Close stops the auto-checkpoint loop and the event broker.
func (c *Coordinator) Close() {
	c.autoSub.Close()
	<-c.autoDone
	c.broker.Close()
}

// Broker exposes the event broker for transports to subscribe on.
func (c *Coordinator) Broker() *stream.Broker { return c.broker }

// Registry exposes process snapshots for diagnostics.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// autoCheckpointLoop asks the engine for a snapshot after every output line,
// which the engine answers only when the session's strategy flagged one.
func (c *Coordinator) autoCheckpointLoop() {
	defer close(c.autoDone)
	for ev := range c.autoSub.C {
		if ev.IsTerminal() {
			// Finished runs linger for a grace window, then go.
			c.registry.CleanupFinished(0)
			continue
		}
		if ev.Type != stream.EventOutput {
			continue
		}
		if _, err := c.engine.AutoCheckpoint(context.Background(), ev.SessionID); err != nil {
			logging.Warn(logging.WithSession(context.Background(), ev.SessionID),
				"auto checkpoint failed", slog.Any("error", err))
		}
	}
}

// Execute starts a fresh Agent conversation. It returns the session id
// immediately after the child is spawned and the pipeline attached; any
// failure before that point surfaces synchronously. Progress after return
// is exposed only via the streaming event channel.
func (c *Coordinator) Execute(ctx context.Context, projectPath, prompt, model, sessionID, systemPrompt string) (string, error) {
	return c.start(ctx, command.OpExecute, projectPath, prompt, model, sessionID, systemPrompt)
}

// Continue continues the project's most recent conversation. A project with
// no sessions yet behaves like Execute.
func (c *Coordinator) Continue(ctx context.Context, projectPath, prompt, model string) (string, error) {
	root, err := canonicalProjectPath(projectPath)
	if err != nil {
		return "", err
	}

	sessionID := ""
	if summaries, err := c.store.ListSessions(root); err == nil && len(summaries) > 0 {
		sessionID = summaries[0].SessionID
	}
	return c.start(ctx, command.OpContinue, projectPath, prompt, model, sessionID, "")
}

// Resume resumes a specific session by id.
func (c *Coordinator) Resume(ctx context.Context, projectPath, prompt, model, sessionID string) (string, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return "", errs.InvalidArgument(err.Error())
	}
	return c.start(ctx, command.OpResume, projectPath, prompt, model, sessionID, "")
}

// start is the shared spawn path for execute / continue / resume.
func (c *Coordinator) start(ctx context.Context, op command.Operation, projectPath, prompt, model, sessionID, systemPrompt string) (string, error) {
	root, err := canonicalProjectPath(projectPath)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		sessionID = sessionid.New()
	} else if err := validation.ValidateSessionID(sessionID); err != nil {
		return "", errs.InvalidArgument(err.Error())
	}

	// A session has at most one interactive child concurrently.
	if _, running := c.registry.FindBySession(sessionID); running {
		return "", errs.BusySession("session " + sessionID + " already has a running child")
	}

	inst, err := c.resolver.Preferred(ctx)
	if err != nil {
		return "", err
	}

	spec, err := command.Build(inst.Path, command.Input{
		Operation:    op,
		ProjectRoot:  root,
		Prompt:       prompt,
		Model:        model,
		SessionID:    sessionID,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", err
	}

	strategy, _ := checkpoint.ParseStrategy(c.settings.CheckpointStrategy)
	if strategy == "" {
		strategy = checkpoint.StrategySmart
	}
	if err := c.engine.Open(ctx, sessionID, root, strategy); err != nil {
		// Corrupt timelines disable checkpoints but not the session itself.
		logging.Warn(logging.WithSession(ctx, sessionID), "checkpoint engine degraded",
			slog.Any("error", err))
	}

	runID, stdio, err := c.registry.Register(ctx, spec)
	if err != nil {
		return "", err
	}

	pipeline := stream.NewPipeline(c.broker, c.registry, c.appender(root), c.engine)
	pipeline.Attach(ctx, sessionID, runID, stdio)

	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	if !ok {
		rec = &sessionRecord{id: sessionID, projectRoot: root, createdAt: time.Now()}
		c.sessions[sessionID] = rec
	}
	rec.lastRunID = runID
	rec.everRan = true
	c.mu.Unlock()

	logging.Info(logging.WithRun(logging.WithSession(ctx, sessionID), runID), "session started",
		slog.String("operation", string(op)),
		slog.String("project", root),
		slog.String("model", model),
	)
	return sessionID, nil
}

// appender adapts the transcript store to the pipeline's per-line interface.
func (c *Coordinator) appender(projectRoot string) stream.TranscriptAppender {
	return appenderFunc(func(ctx context.Context, sessionID string, line []byte) error {
		return c.store.Append(ctx, projectRoot, sessionID, line)
	})
}

type appenderFunc func(ctx context.Context, sessionID string, line []byte) error

func (f appenderFunc) Append(ctx context.Context, sessionID string, line []byte) error {
	return f(ctx, sessionID, line)
}

// Cancel terminates the session's running child via the registry kill path.
// Idempotent.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) (CancelStatus, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return "", errs.InvalidArgument(err.Error())
	}

	info, running := c.registry.FindBySession(sessionID)
	if !running {
		c.mu.Lock()
		_, known := c.sessions[sessionID]
		c.mu.Unlock()
		if !known && !c.sessionOnDisk(sessionID) {
			return UnknownSession, nil
		}
		return AlreadyStopped, nil
	}

	switch c.registry.Kill(ctx, info.RunID) {
	case registry.Killed:
		return Cancelled, nil
	case registry.NotFound:
		return UnknownSession, nil
	default:
		return AlreadyStopped, nil
	}
}

// State reports the observable state of a session.
func (c *Coordinator) State(sessionID string) SessionState {
	if _, running := c.registry.FindBySession(sessionID); running {
		return StateRunning
	}
	c.mu.Lock()
	rec, known := c.sessions[sessionID]
	c.mu.Unlock()
	if known && rec.everRan {
		return StateExited
	}
	return StateIdle
}

// ListProjects enumerates every project with persisted state.
func (c *Coordinator) ListProjects(ctx context.Context) ([]transcript.ProjectDescriptor, error) {
	_ = ctx
	return c.store.EnumerateProjects()
}

// ListSessions lists session summaries for a project id (the encoded
// directory name returned by ListProjects).
func (c *Coordinator) ListSessions(ctx context.Context, projectID string) ([]transcript.SessionSummary, error) {
	root, err := c.projectRootByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return c.store.ListSessions(root)
}

// LoadHistory returns a session's transcript lines in append order.
func (c *Coordinator) LoadHistory(ctx context.Context, sessionID, projectID string) ([]json.RawMessage, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, errs.InvalidArgument(err.Error())
	}
	root, err := c.projectRootByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	lines, _, err := c.store.ReadAll(root, sessionID)
	return lines, err
}

// Checkpoint snapshots the session now.
func (c *Coordinator) Checkpoint(ctx context.Context, sessionID, description string) (checkpoint.Checkpoint, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	return c.engine.Checkpoint(ctx, sessionID, description)
}

// ListCheckpoints lists a session's checkpoint metadata in pre-order.
func (c *Coordinator) ListCheckpoints(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.engine.List(sessionID)
}

// GetTimeline returns the session's checkpoint tree.
func (c *Coordinator) GetTimeline(ctx context.Context, sessionID string) (checkpoint.TimelineView, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return checkpoint.TimelineView{}, err
	}
	return c.engine.Timeline(sessionID)
}

// RestoreCheckpoint restores project files and transcript to a checkpoint.
// Only permitted while the session is idle.
func (c *Coordinator) RestoreCheckpoint(ctx context.Context, sessionID, checkpointID string) (checkpoint.RestoreSummary, error) {
	if err := validation.ValidateCheckpointID(checkpointID); err != nil {
		return checkpoint.RestoreSummary{}, errs.InvalidArgument(err.Error())
	}
	if _, running := c.registry.FindBySession(sessionID); running {
		return checkpoint.RestoreSummary{}, errs.BusySession("cannot restore while session is running")
	}
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return checkpoint.RestoreSummary{}, err
	}
	return c.engine.Restore(ctx, sessionID, checkpointID)
}

// ForkFromCheckpoint creates a new session rooted at the checkpoint.
func (c *Coordinator) ForkFromCheckpoint(ctx context.Context, sessionID, checkpointID, newSessionID string) (string, error) {
	if err := validation.ValidateCheckpointID(checkpointID); err != nil {
		return "", errs.InvalidArgument(err.Error())
	}
	if newSessionID != "" {
		if err := validation.ValidateSessionID(newSessionID); err != nil {
			return "", errs.InvalidArgument(err.Error())
		}
	}
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return "", err
	}

	forkedID, err := c.engine.Fork(ctx, sessionID, checkpointID, newSessionID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if src, ok := c.sessions[sessionID]; ok {
		c.sessions[forkedID] = &sessionRecord{
			id:          forkedID,
			projectRoot: src.projectRoot,
			createdAt:   time.Now(),
		}
	}
	c.mu.Unlock()
	return forkedID, nil
}

// DiffCheckpoints compares two checkpoints of a session.
func (c *Coordinator) DiffCheckpoints(ctx context.Context, sessionID, fromID, toID string) (checkpoint.DiffSummary, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return checkpoint.DiffSummary{}, err
	}
	return c.engine.Diff(sessionID, fromID, toID)
}

// UpdateCheckpointSettings changes the session's trigger strategy.
func (c *Coordinator) UpdateCheckpointSettings(ctx context.Context, sessionID string, strategyName string) error {
	strategy, ok := checkpoint.ParseStrategy(strategyName)
	if !ok {
		return errs.InvalidArgument("unknown checkpoint strategy " + strategyName)
	}
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return err
	}
	return c.engine.SetStrategy(sessionID, strategy)
}

// CleanupOldCheckpoints trims a session's history to keepCount checkpoints.
func (c *Coordinator) CleanupOldCheckpoints(ctx context.Context, sessionID string, keepCount int) (int64, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return c.engine.CleanupOld(ctx, sessionID, keepCount)
}

// GarbageCollect sweeps a session's content pool.
func (c *Coordinator) GarbageCollect(ctx context.Context, sessionID string) (int64, error) {
	if err := c.ensureEngineSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return c.engine.GarbageCollect(ctx, sessionID)
}

// GetAgentVersion reports the preferred installation.
func (c *Coordinator) GetAgentVersion(ctx context.Context) (resolver.Installation, error) {
	return c.resolver.Preferred(ctx)
}

// ensureEngineSession opens the session in the checkpoint engine when the
// coordinator knows it (live) or can locate it on disk (previous run).
func (c *Coordinator) ensureEngineSession(ctx context.Context, sessionID string) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return errs.InvalidArgument(err.Error())
	}

	c.mu.Lock()
	rec, ok := c.sessions[sessionID]
	c.mu.Unlock()

	var root string
	if ok {
		root = rec.projectRoot
	} else {
		root = c.findProjectRoot(sessionID)
		if root == "" {
			return errs.NotFound("session " + sessionID + " not found")
		}
		c.mu.Lock()
		c.sessions[sessionID] = &sessionRecord{id: sessionID, projectRoot: root, createdAt: time.Now()}
		c.mu.Unlock()
	}

	strategy, _ := checkpoint.ParseStrategy(c.settings.CheckpointStrategy)
	if strategy == "" {
		strategy = checkpoint.StrategySmart
	}
	return c.engine.Open(ctx, sessionID, root, strategy)
}

// findProjectRoot locates the project owning a session's persisted state.
func (c *Coordinator) findProjectRoot(sessionID string) string {
	descriptors, err := c.store.EnumerateProjects()
	if err != nil {
		return ""
	}
	for _, desc := range descriptors {
		for _, id := range desc.SessionIDs {
			if id == sessionID {
				return desc.Path
			}
		}
	}
	return ""
}

// sessionOnDisk reports whether any project has a transcript for the session.
func (c *Coordinator) sessionOnDisk(sessionID string) bool {
	return c.findProjectRoot(sessionID) != ""
}

// projectRootByID resolves a wire project id (encoded directory name) to the
// decoded project root. An absolute path is accepted as-is for the local
// transport's convenience.
func (c *Coordinator) projectRootByID(ctx context.Context, projectID string) (string, error) {
	_ = ctx
	if projectID == "" {
		return "", errs.InvalidArgument("project id cannot be empty")
	}
	if filepath.IsAbs(projectID) {
		return canonicalProjectPath(projectID)
	}

	descriptors, err := c.store.EnumerateProjects()
	if err != nil {
		return "", err
	}
	for _, desc := range descriptors {
		if desc.ID == projectID {
			return desc.Path, nil
		}
	}
	return "", errs.NotFound("project " + projectID + " not found")
}

// canonicalProjectPath validates and canonicalises a project root.
func canonicalProjectPath(projectPath string) (string, error) {
	if err := validation.ValidateProjectPath(projectPath); err != nil {
		return "", errs.InvalidArgument(err.Error())
	}
	cleaned := filepath.Clean(projectPath)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		cleaned = resolved
	}
	return cleaned, nil
}
