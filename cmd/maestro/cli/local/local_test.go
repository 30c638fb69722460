//go:build unix

package local

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroio/cli/cmd/maestro/cli/checkpoint"
	"github.com/maestroio/cli/cmd/maestro/cli/coordinator"
	"github.com/maestroio/cli/cmd/maestro/cli/settings"
	"github.com/maestroio/cli/cmd/maestro/cli/testutil"
)

// harness runs a transport over in-process pipes.
type harness struct {
	requests  io.WriteCloser
	responses *bufio.Reader
	done      chan error
}

func newHarness(t *testing.T, coord *coordinator.Coordinator) *harness {
	t.Helper()

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	transport := New(coord, reqR, respW)
	h := &harness{
		requests:  reqW,
		responses: bufio.NewReader(respR),
		done:      make(chan error, 1),
	}
	go func() { h.done <- transport.Run(context.Background()) }()

	t.Cleanup(func() {
		_ = reqW.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("transport did not stop")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, frame string) map[string]json.RawMessage {
	t.Helper()

	_, err := h.requests.Write([]byte(frame + "\n"))
	require.NoError(t, err)

	line, err := h.responses.ReadBytes('\n')
	require.NoError(t, err)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func errorCode(t *testing.T, resp map[string]json.RawMessage) string {
	t.Helper()

	raw, ok := resp["error"]
	require.True(t, ok, "expected error in response: %v", resp)
	var wire struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(raw, &wire))
	return wire.Code
}

func newCoordinator(t *testing.T, stubBody string) *coordinator.Coordinator {
	t.Helper()
	stub := testutil.WriteAgentStub(t, t.TempDir(), stubBody)
	t.Setenv("AGENT_BIN", stub)

	coord := coordinator.New(t.TempDir(), &settings.Settings{CheckpointStrategy: string(checkpoint.StrategyManual)})
	t.Cleanup(coord.Close)
	return coord
}

func TestListProjectsEmpty(t *testing.T) {
	coord := newCoordinator(t, "exit 0\n")
	h := newHarness(t, coord)

	resp := h.send(t, `{"id":"1","command":"list_projects"}`)
	assert.NotContains(t, resp, "error")
	assert.Equal(t, "1", mustString(t, resp["id"]))
}

func TestUnknownCommand(t *testing.T) {
	coord := newCoordinator(t, "exit 0\n")
	h := newHarness(t, coord)

	resp := h.send(t, `{"id":"2","command":"explode"}`)
	assert.Equal(t, "invalid_argument", errorCode(t, resp))
}

func TestMalformedFrame(t *testing.T) {
	coord := newCoordinator(t, "exit 0\n")
	h := newHarness(t, coord)

	resp := h.send(t, `{nope`)
	assert.Equal(t, "invalid_argument", errorCode(t, resp))
}

func TestCancelUnknownSession(t *testing.T) {
	coord := newCoordinator(t, "exit 0\n")
	h := newHarness(t, coord)

	resp := h.send(t, `{"id":"3","command":"cancel","params":{"session_id":"99999999-9999-4999-8999-999999999999"}}`)
	require.NotContains(t, resp, "error")

	var result struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp["result"], &result))
	assert.Equal(t, "unknown_session", result.Status)
}

func TestSubscribeValidation(t *testing.T) {
	coord := newCoordinator(t, "exit 0\n")
	h := newHarness(t, coord)

	resp := h.send(t, `{"id":"4","command":"subscribe","params":{"session_id":"not-a-uuid"}}`)
	assert.Equal(t, "invalid_argument", errorCode(t, resp))
}

func TestExecuteAndSubscribeStreamsEvents(t *testing.T) {
	// The stub waits before emitting so the subscribe lands first.
	coord := newCoordinator(t, "sleep 1\n"+testutil.AgentStubLines(0, `{"type":"text","text":"Hi"}`))
	h := newHarness(t, coord)
	projectRoot := t.TempDir()

	execFrame := `{"id":"10","command":"execute","params":{"project_path":"` + projectRoot + `","prompt":"hi","model":"m-1","session_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}}`
	resp := h.send(t, execFrame)
	require.NotContains(t, resp, "error")

	var result struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(resp["result"], &result))
	require.NotEmpty(t, result.SessionID)

	subFrame := `{"id":"11","command":"subscribe","params":{"session_id":"` + result.SessionID + `"}}`
	resp = h.send(t, subFrame)
	require.NotContains(t, resp, "error")

	// The child exits quickly; its terminal event reaches the subscriber.
	deadline := time.Now().Add(10 * time.Second)
	sawEvent := false
	for time.Now().Before(deadline) {
		line, err := h.responses.ReadBytes('\n')
		require.NoError(t, err)

		var frame struct {
			ID    string          `json:"id"`
			Event json.RawMessage `json:"event"`
		}
		require.NoError(t, json.Unmarshal(line, &frame))
		if frame.ID == "11" && frame.Event != nil {
			sawEvent = true
			break
		}
	}
	assert.True(t, sawEvent, "expected at least one event frame for the subscription")
}

func mustString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}
