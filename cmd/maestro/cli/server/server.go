// Package server is the remote transport: a request/response HTTP API over
// the coordinator's commands plus a WebSocket streaming upgrade per session.
// It is structural only — no policy lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/maestroio/cli/cmd/maestro/cli/coordinator"
	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/logging"
	"github.com/maestroio/cli/redact"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Server hosts the remote transport.
type Server struct {
	coord *coordinator.Coordinator
	http  *http.Server
}

// New creates a server bound to addr:port.
func New(coord *coordinator.Coordinator, bind string, port int) *Server {
	s := &Server{coord: coord}
	s.http = &http.Server{
		Addr:              net.JoinHostPort(bind, strconv.Itoa(port)),
		Handler:           NewRouter(coord),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs until ctx is cancelled. A bind failure surfaces
// immediately so the process can exit non-zero.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return errs.IOFailure("binding "+s.http.Addr, err)
	}
	logging.Info(ctx, "remote transport listening", slog.String("addr", s.http.Addr))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errs.IOFailure("serving", err)
	}
}

// handler carries the coordinator into route methods.
type handler struct {
	coord *coordinator.Coordinator
}

// NewRouter builds the HTTP route table.
// Routes use Go 1.22+ method-specific patterns ("METHOD /path/{param}").
func NewRouter(coord *coordinator.Coordinator) http.Handler {
	h := &handler{coord: coord}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/execute", h.handleExecute)
	mux.HandleFunc("POST /api/continue", h.handleContinue)
	mux.HandleFunc("POST /api/resume", h.handleResume)
	mux.HandleFunc("POST /api/sessions/{session_id}/cancel", h.handleCancel)

	mux.HandleFunc("GET /api/projects", h.handleListProjects)
	mux.HandleFunc("GET /api/projects/{project_id}/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/projects/{project_id}/sessions/{session_id}/history", h.handleLoadHistory)

	mux.HandleFunc("POST /api/sessions/{session_id}/checkpoints", h.handleCheckpoint)
	mux.HandleFunc("GET /api/sessions/{session_id}/checkpoints", h.handleListCheckpoints)
	mux.HandleFunc("GET /api/sessions/{session_id}/timeline", h.handleTimeline)
	mux.HandleFunc("GET /api/sessions/{session_id}/checkpoints/diff", h.handleDiff)
	mux.HandleFunc("POST /api/sessions/{session_id}/checkpoints/cleanup", h.handleCleanup)
	mux.HandleFunc("POST /api/sessions/{session_id}/checkpoints/{checkpoint_id}/restore", h.handleRestore)
	mux.HandleFunc("POST /api/sessions/{session_id}/checkpoints/{checkpoint_id}/fork", h.handleFork)
	mux.HandleFunc("PUT /api/sessions/{session_id}/checkpoint-settings", h.handleUpdateSettings)

	mux.HandleFunc("GET /api/agent/version", h.handleAgentVersion)
	mux.HandleFunc("GET /api/sessions/{session_id}/stream", h.handleStream)

	return mux
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.InvalidArgument(fmt.Sprintf("malformed request body: %v", err))
	}
	return nil
}

type startRequest struct {
	ProjectPath  string `json:"project_path"`
	Prompt       string `json:"prompt"`
	Model        string `json:"model"`
	SessionID    string `json:"session_id,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.coord.Execute(r.Context(), req.ProjectPath, req.Prompt, req.Model, req.SessionID, req.SystemPrompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

func (h *handler) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.coord.Continue(r.Context(), req.ProjectPath, req.Prompt, req.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

func (h *handler) handleResume(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := h.coord.Resume(r.Context(), req.ProjectPath, req.Prompt, req.Model, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

// handleCancel goes through the same registry kill path as the local
// transport, so a remote cancel really terminates the child.
func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	status, err := h.coord.Cancel(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.coord.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.coord.ListSessions(r.Context(), r.PathValue("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handler) handleLoadHistory(w http.ResponseWriter, r *http.Request) {
	lines, err := h.coord.LoadHistory(r.Context(), r.PathValue("session_id"), r.PathValue("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	// Transcript lines leave the machine here; scrub secrets first.
	out := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		redacted, err := redact.JSONLBytes(line)
		if err != nil {
			redacted = line
		}
		out = append(out, json.RawMessage(redacted))
	}
	writeJSON(w, http.StatusOK, out)
}

type checkpointRequest struct {
	Description string `json:"description,omitempty"`
}

func (h *handler) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpointRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	cp, err := h.coord.Checkpoint(r.Context(), r.PathValue("session_id"), req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"checkpoint_id": cp.ID})
}

func (h *handler) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.coord.ListCheckpoints(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkpoints)
}

func (h *handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := h.coord.GetTimeline(r.Context(), r.PathValue("session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (h *handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	diff, err := h.coord.DiffCheckpoints(r.Context(), r.PathValue("session_id"), q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (h *handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	summary, err := h.coord.RestoreCheckpoint(r.Context(), r.PathValue("session_id"), r.PathValue("checkpoint_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type forkRequest struct {
	NewSessionID string `json:"new_session_id,omitempty"`
}

func (h *handler) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	id, err := h.coord.ForkFromCheckpoint(r.Context(), r.PathValue("session_id"), r.PathValue("checkpoint_id"), req.NewSessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

type settingsRequest struct {
	Strategy string `json:"strategy"`
}

func (h *handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.coord.UpdateCheckpointSettings(r.Context(), r.PathValue("session_id"), req.Strategy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type cleanupRequest struct {
	KeepCount int `json:"keep_count"`
}

func (h *handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reclaimed, err := h.coord.CleanupOldCheckpoints(r.Context(), r.PathValue("session_id"), req.KeepCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bytes_reclaimed": reclaimed})
}

func (h *handler) handleAgentVersion(w http.ResponseWriter, r *http.Request) {
	inst, err := h.coord.GetAgentVersion(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
