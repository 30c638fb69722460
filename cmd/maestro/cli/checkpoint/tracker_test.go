package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroio/cli/cmd/maestro/cli/testutil"
)

func TestObserveClassifiesLines(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(t.TempDir())

	tests := []struct {
		name string
		line string
		want LineKind
	}{
		{name: "user_input", line: `{"type":"user","message":{"role":"user","content":"hi"}}`, want: LineUserInput},
		{name: "top_level_tool_use", line: `{"type":"tool_use","name":"grep","input":{}}`, want: LineToolUse},
		{name: "file_tool", line: `{"type":"tool_use","name":"write","input":{"file_path":"a.txt"}}`, want: LineFileTool},
		{name: "nested_tool_use", line: `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"edit","input":{"path":"b.txt"}}]}}`, want: LineFileTool},
		{name: "plain_text", line: `{"type":"text","text":"hello"}`, want: LineOther},
		{name: "malformed", line: `{not json`, want: LineOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.Observe([]byte(tt.line)))
		})
	}
}

func TestObserveShellToolForcesRescan(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(t.TempDir())
	assert.False(t, tracker.NeedsFullRescan())

	kind := tracker.Observe([]byte(`{"type":"tool_use","name":"bash","input":{"command":"rm -rf build"}}`))
	assert.Equal(t, LineShellTool, kind)
	assert.True(t, tracker.NeedsFullRescan())

	tracker.SnapshotTaken(nil)
	assert.False(t, tracker.NeedsFullRescan())
}

func TestObserveExtractsAffectedPaths(t *testing.T) {
	t.Parallel()

	projectRoot := t.TempDir()
	testutil.WriteFile(t, projectRoot, "a.txt", "1")
	tracker := NewTracker(projectRoot)

	tracker.Observe([]byte(`{"type":"tool_use","name":"write","input":{"file_path":"a.txt"}}`))
	tracker.Observe([]byte(`{"type":"tool_use","name":"multi_edit","input":{"files":["b.txt","c/d.txt"]}}`))

	dirty := tracker.DirtyPaths()
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "c/d.txt"}, dirty)
}

func TestObservePathsOutsideProjectDiscarded(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(t.TempDir())
	tracker.Observe([]byte(`{"type":"tool_use","name":"write","input":{"file_path":"/etc/passwd"}}`))
	assert.Empty(t, tracker.DirtyPaths())
}

func TestUsageAccumulation(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(t.TempDir())
	tracker.Observe([]byte(`{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":100,"output_tokens":20}}}`))
	tracker.Observe([]byte(`{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":50,"output_tokens":5}}}`))

	usage := tracker.TakeUsage()
	assert.Equal(t, 150, usage.InputTokens)
	assert.Equal(t, 25, usage.OutputTokens)

	// Taking resets.
	usage = tracker.TakeUsage()
	assert.Zero(t, usage.InputTokens)
}

func TestResetTo(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(t.TempDir())
	tracker.Touch("old.txt")
	require.NotEmpty(t, tracker.DirtyPaths())

	tracker.ResetTo([]FileRef{
		{Path: "kept.txt", Hash: "abc", Size: 3},
		{Path: "gone.txt", IsDeleted: true},
	})

	assert.Empty(t, tracker.DirtyPaths())
	assert.ElementsMatch(t, []string{"kept.txt"}, tracker.KnownPaths())
}
