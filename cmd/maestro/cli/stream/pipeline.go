package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/registry"
)

// TranscriptAppender persists stdout lines before they are fanned out, so
// any subscriber that later reads history observes every line it has seen an
// event for.
type TranscriptAppender interface {
	Append(ctx context.Context, sessionID string, line []byte) error
}

// LineObserver receives each stdout line before other subscribers.
// The checkpoint engine's file tracker implements this; malformed JSON is
// the observer's problem to skip.
type LineObserver interface {
	ObserveLine(sessionID string, line []byte)
}

// Pipeline tails one child's stdio and routes framed events.
type Pipeline struct {
	broker     *Broker
	reg        *registry.Registry
	transcript TranscriptAppender
	observer   LineObserver
}

// NewPipeline creates a pipeline routing into the given broker.
// transcript and observer may be nil.
func NewPipeline(broker *Broker, reg *registry.Registry, transcript TranscriptAppender, observer LineObserver) *Pipeline {
	return &Pipeline{broker: broker, reg: reg, transcript: transcript, observer: observer}
}

// Attach starts the per-child task trio: one tailing stdout, one tailing
// stderr, one awaiting exit. It emits Started synchronously and returns; the
// terminal event is emitted exactly once when the child ends.
func (p *Pipeline) Attach(ctx context.Context, sessionID string, runID uint64, stdio registry.Stdio) {
	p.broker.Publish(Event{Type: EventStarted, SessionID: sessionID, RunID: runID})

	ctx = logging.WithRun(logging.WithSession(ctx, sessionID), runID)

	g := new(errgroup.Group)
	g.Go(func() error {
		p.tailStdout(ctx, sessionID, runID, stdio)
		return nil
	})
	g.Go(func() error {
		p.tailStderr(ctx, sessionID, runID, stdio)
		return nil
	})

	// Exit watcher: wait for the child, let the tails flush, then emit the
	// terminal event.
	go func() {
		<-stdio.Done
		_ = g.Wait()
		p.emitTerminal(ctx, sessionID, runID, stdio.Cancelled)
	}()
}

// Fail emits the terminal Failed event for a spawn that never produced a
// child (no Started precedes it in that case).
func (p *Pipeline) Fail(sessionID string, err error) {
	p.broker.Publish(Event{Type: EventFailed, SessionID: sessionID, Error: err.Error()})
}

// tailStdout reads newline-delimited stdout. Each line is appended to the
// transcript, mirrored into the registry's live buffer, handed to the line
// observer, and only then fanned out as an Output event.
func (p *Pipeline) tailStdout(ctx context.Context, sessionID string, runID uint64, stdio registry.Stdio) {
	p.tailLines(ctx, stdio.Stdout, stdio.Cancelled, func(line []byte) {
		p.reg.AppendOutput(runID, append(line, '\n'))

		if p.transcript != nil {
			if err := p.transcript.Append(ctx, sessionID, line); err != nil {
				logging.Warn(ctx, "transcript append failed", slog.Any("error", err))
			}
		}
		if p.observer != nil {
			p.observer.ObserveLine(sessionID, line)
		}

		p.broker.Publish(Event{Type: EventOutput, SessionID: sessionID, RunID: runID, Line: string(line)})
	})
}

// tailStderr reads newline-delimited stderr and fans out ErrorLine events.
func (p *Pipeline) tailStderr(ctx context.Context, sessionID string, runID uint64, stdio registry.Stdio) {
	p.tailLines(ctx, stdio.Stderr, stdio.Cancelled, func(line []byte) {
		p.broker.Publish(Event{Type: EventErrorLine, SessionID: sessionID, RunID: runID, Line: string(line)})
	})
}

// tailLines reads r line by line, invoking handle per non-empty line.
// A partial line at EOF is flushed if non-empty. When the cancellation token
// fires, the current buffered read is finished and the rest is discarded.
func (p *Pipeline) tailLines(ctx context.Context, r io.Reader, cancelled <-chan struct{}, handle func(line []byte)) {
	reader := bufio.NewReader(r)
	for {
		select {
		case <-cancelled:
			return
		default:
		}

		lineBytes, err := reader.ReadBytes('\n')
		line := bytes.TrimRight(lineBytes, "\r\n")
		if len(line) > 0 {
			handle(line)
		}

		if err != nil {
			if err != io.EOF {
				logging.Debug(ctx, "stdio read ended", slog.Any("error", err))
			}
			return
		}
	}
}

// emitTerminal publishes the single terminal event for the run. A fired
// cancellation token means a kill was in flight while the child ran, so the
// terminal event is Cancelled even if the registry has not finished marking
// the record yet.
func (p *Pipeline) emitTerminal(ctx context.Context, sessionID string, runID uint64, cancelled <-chan struct{}) {
	state, exitCode := p.runState(runID)

	tokenFired := false
	select {
	case <-cancelled:
		tokenFired = true
	default:
	}

	if state == registry.StateKilled || tokenFired {
		p.broker.Publish(Event{Type: EventCancelled, SessionID: sessionID, RunID: runID})
	} else {
		p.broker.Publish(Event{Type: EventExited, SessionID: sessionID, RunID: runID, Status: exitCode})
	}

	logging.Info(ctx, "session run finished",
		slog.String("state", string(state)),
		slog.Int("exit_code", exitCode),
	)
}

// runState looks up the record's final state; a record purged early reports
// as exited with an unknown code.
func (p *Pipeline) runState(runID uint64) (registry.State, int) {
	for _, info := range p.reg.Snapshot() {
		if info.RunID == runID {
			return info.State, info.ExitCode
		}
	}
	return registry.StateExited, -1
}
