// Package local is the local IPC transport: line-delimited JSON requests on
// stdin, responses and subscribed events on stdout. The desktop shell talks
// to the runtime through this loop. Structural only — every command defers
// to the coordinator.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/maestroio/cli/cmd/maestro/cli/coordinator"
	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/jsonutil"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/cmd/maestro/cli/stream"
	"github.com/maestroio/cli/cmd/maestro/cli/validation"
)

// request is one inbound command frame.
type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is one outbound reply frame.
type response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

// eventFrame wraps a streaming event for a subscription.
type eventFrame struct {
	ID    string       `json:"id"`
	Event stream.Event `json:"event"`
}

// wireError mirrors the remote transport's error document.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Transport runs the stdio command loop.
type Transport struct {
	coord *coordinator.Coordinator
	in    io.Reader
	out   io.Writer

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*stream.Subscription // request id → subscription
}

// New creates a transport over the given streams.
func New(coord *coordinator.Coordinator, in io.Reader, out io.Writer) *Transport {
	return &Transport{
		coord: coord,
		in:    in,
		out:   out,
		subs:  make(map[string]*stream.Subscription),
	}
}

// Run processes requests until stdin closes or ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	defer t.closeSubscriptions()

	reader := bufio.NewReader(t.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		lineBytes, err := reader.ReadBytes('\n')
		if len(lineBytes) > 0 {
			t.dispatch(ctx, lineBytes)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errs.IOFailure("reading command stream", err)
		}
	}
}

// dispatch parses and executes one request line.
func (t *Transport) dispatch(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		t.writeResponse(response{Error: toWireError(errs.InvalidArgument("malformed request frame"))})
		return
	}

	result, err := t.execute(ctx, req)
	if err != nil {
		t.writeResponse(response{ID: req.ID, Error: toWireError(err)})
		return
	}
	t.writeResponse(response{ID: req.ID, Result: result})
}

// params payloads per command.
type startParams struct {
	ProjectPath  string `json:"project_path"`
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id,omitempty"`
}

type checkpointParams struct {
	SessionID   string `json:"session_id"`
	Description string `json:"description,omitempty"`
}

type restoreParams struct {
	SessionID    string `json:"session_id"`
	CheckpointID string `json:"checkpoint_id"`
}

type forkParams struct {
	SessionID    string `json:"session_id"`
	CheckpointID string `json:"checkpoint_id"`
	NewSessionID string `json:"new_session_id,omitempty"`
}

type diffParams struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type settingsParams struct {
	SessionID string `json:"session_id"`
	Strategy  string `json:"strategy"`
}

type cleanupParams struct {
	SessionID string `json:"session_id"`
	KeepCount int    `json:"keep_count"`
}

type listSessionsParams struct {
	ProjectID string `json:"project_id"`
}

// execute routes one command to the coordinator.
func (t *Transport) execute(ctx context.Context, req request) (any, error) {
	switch req.Command {
	case "execute":
		var p startParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := t.coord.Execute(ctx, p.ProjectPath, p.Prompt, p.Model, p.SessionID, p.SystemPrompt)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil

	case "continue":
		var p startParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := t.coord.Continue(ctx, p.ProjectPath, p.Prompt, p.Model)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil

	case "resume":
		var p startParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := t.coord.Resume(ctx, p.ProjectPath, p.Prompt, p.Model, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil

	case "cancel":
		var p sessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		status, err := t.coord.Cancel(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": string(status)}, nil

	case "list_projects":
		return t.coord.ListProjects(ctx)

	case "list_sessions":
		var p listSessionsParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.ListSessions(ctx, p.ProjectID)

	case "load_history":
		var p sessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.LoadHistory(ctx, p.SessionID, p.ProjectID)

	case "checkpoint":
		var p checkpointParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		cp, err := t.coord.Checkpoint(ctx, p.SessionID, p.Description)
		if err != nil {
			return nil, err
		}
		return map[string]string{"checkpoint_id": cp.ID}, nil

	case "list_checkpoints":
		var p sessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.ListCheckpoints(ctx, p.SessionID)

	case "get_timeline":
		var p sessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.GetTimeline(ctx, p.SessionID)

	case "restore_checkpoint":
		var p restoreParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.RestoreCheckpoint(ctx, p.SessionID, p.CheckpointID)

	case "fork_from_checkpoint":
		var p forkParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		id, err := t.coord.ForkFromCheckpoint(ctx, p.SessionID, p.CheckpointID, p.NewSessionID)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": id}, nil

	case "diff_checkpoints":
		var p diffParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.coord.DiffCheckpoints(ctx, p.SessionID, p.From, p.To)

	case "update_checkpoint_settings":
		var p settingsParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := t.coord.UpdateCheckpointSettings(ctx, p.SessionID, p.Strategy); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "cleanup_old_checkpoints":
		var p cleanupParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		reclaimed, err := t.coord.CleanupOldCheckpoints(ctx, p.SessionID, p.KeepCount)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"bytes_reclaimed": reclaimed}, nil

	case "get_agent_version":
		return t.coord.GetAgentVersion(ctx)

	case "subscribe":
		var p sessionParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return t.subscribe(ctx, req.ID, p.SessionID)

	case "unsubscribe":
		t.unsubscribe(req.ID)
		return map[string]bool{"ok": true}, nil

	default:
		return nil, errs.InvalidArgument(fmt.Sprintf("unknown command %q", req.Command))
	}
}

// subscribe registers a session-scoped event stream keyed by the request id.
// Events arrive as {"id": <request id>, "event": {...}} frames interleaved
// with regular responses.
func (t *Transport) subscribe(ctx context.Context, reqID, sessionID string) (any, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, errs.InvalidArgument(err.Error())
	}
	if reqID == "" {
		return nil, errs.InvalidArgument("subscribe requires a request id")
	}

	sub := t.coord.Broker().Subscribe(sessionID)

	t.subMu.Lock()
	if old, exists := t.subs[reqID]; exists {
		old.Close()
	}
	t.subs[reqID] = sub
	t.subMu.Unlock()

	go func() {
		for ev := range sub.C {
			t.writeFrame(eventFrame{ID: reqID, Event: ev})
		}
	}()

	logging.Debug(logging.WithSession(ctx, sessionID), "local subscriber attached",
		slog.String("request_id", reqID))
	return map[string]bool{"subscribed": true}, nil
}

// unsubscribe tears down the stream registered under the request id.
func (t *Transport) unsubscribe(reqID string) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if sub, ok := t.subs[reqID]; ok {
		sub.Close()
		delete(t.subs, reqID)
	}
}

func (t *Transport) closeSubscriptions() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for id, sub := range t.subs {
		sub.Close()
		delete(t.subs, id)
	}
}

// writeResponse emits one response line.
func (t *Transport) writeResponse(resp response) {
	t.writeFrame(resp)
}

// writeFrame serialises any frame onto a single stdout line.
func (t *Transport) writeFrame(v any) {
	data, err := jsonutil.MarshalLine(v)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, _ = t.out.Write(data)
}

// unmarshalParams decodes command params, treating absence as empty.
func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errs.InvalidArgument("missing command params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.InvalidArgument(fmt.Sprintf("malformed command params: %v", err))
	}
	return nil
}

// toWireError maps a tagged error to the wire document.
func toWireError(err error) *wireError {
	doc := &wireError{
		Code:    errs.KindOf(err).String(),
		Message: err.Error(),
	}
	var tagged *errs.Error
	if errors.As(err, &tagged) && tagged.Err != nil {
		doc.Message = tagged.Message
		doc.Details = tagged.Err.Error()
	}
	return doc
}
