package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroio/cli/cmd/maestro/cli/paths"
	"github.com/maestroio/cli/cmd/maestro/cli/testutil"
	"github.com/maestroio/cli/cmd/maestro/cli/transcript"
)

const (
	engineSessionA = "aaaaaaaa-1111-4111-8111-aaaaaaaaaaaa"
	engineSessionB = "bbbbbbbb-2222-4222-8222-bbbbbbbbbbbb"
)

type engineFixture struct {
	engine      *Engine
	store       *transcript.Store
	dataRoot    string
	projectRoot string
	ctx         context.Context
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	dataRoot := t.TempDir()
	store := transcript.NewStore(dataRoot)
	return &engineFixture{
		engine:      NewEngine(dataRoot, store),
		store:       store,
		dataRoot:    dataRoot,
		projectRoot: t.TempDir(),
		ctx:         context.Background(),
	}
}

// appendLine writes a transcript line and feeds it through the observer, the
// same path the streaming pipeline takes.
func (f *engineFixture) appendLine(t *testing.T, sessionID, line string) {
	t.Helper()
	require.NoError(t, f.store.Append(f.ctx, f.projectRoot, sessionID, []byte(line)))
	f.engine.ObserveLine(sessionID, []byte(line))
}

func (f *engineFixture) open(t *testing.T, sessionID string, strategy Strategy) {
	t.Helper()
	require.NoError(t, f.engine.Open(f.ctx, sessionID, f.projectRoot, strategy))
}

func TestCheckpointAndRestore(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategyManual)

	// The Agent edits a.txt and creates b.txt, reporting both as tool uses.
	testutil.WriteFile(t, f.projectRoot, "a.txt", "2")
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"write","input":{"file_path":"a.txt"}}`)
	testutil.WriteFile(t, f.projectRoot, "b.txt", "x")
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"create","input":{"file_path":"b.txt"}}`)

	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "after-edits")
	require.NoError(t, err)
	assert.Equal(t, "after-edits", cp1.Description)
	assert.Equal(t, 2, cp1.MessageIndex)
	assert.Empty(t, cp1.ParentID)

	// Every FileRef's blob exists in the pool immediately after success.
	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	refs, err := readRefs(sessionDir, cp1.ID)
	require.NoError(t, err)
	for _, ref := range refs {
		if !ref.IsDeleted {
			_, err := os.Stat(filepath.Join(poolDir(sessionDir), ref.Hash))
			require.NoError(t, err, "missing pool entry for %s", ref.Path)
		}
	}

	// The caller then mangles the project and appends more transcript.
	require.NoError(t, os.Remove(filepath.Join(f.projectRoot, "b.txt")))
	testutil.WriteFile(t, f.projectRoot, "a.txt", "3")
	testutil.WriteFile(t, f.projectRoot, "untracked.txt", "junk")
	f.appendLine(t, engineSessionA, `{"type":"text","text":"later"}`)

	summary, err := f.engine.Restore(f.ctx, engineSessionA, cp1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FilesRestored)
	assert.Positive(t, summary.BytesWritten)

	assert.Equal(t, "2", testutil.ReadFile(t, f.projectRoot, "a.txt"))
	assert.Equal(t, "x", testutil.ReadFile(t, f.projectRoot, "b.txt"))
	// Untracked files are deleted: restore is a projection onto the
	// checkpointed set.
	assert.False(t, testutil.FileExists(t, f.projectRoot, "untracked.txt"))

	// The transcript is truncated back to the checkpoint's message index.
	lines, _, err := f.store.ReadAll(f.projectRoot, engineSessionA)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestCheckpointWithZeroTranscriptLines(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.open(t, engineSessionA, StrategyManual)

	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)
	assert.Zero(t, cp1.MessageIndex)

	// The message snapshot exists and decompresses to nothing.
	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	data, err := os.ReadFile(messagesPath(sessionDir, cp1.ID))
	require.NoError(t, err)
	tail, err := decompressSnapshot(data)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestCheckpointRestoreRoundTripIsProjection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "keep/nested.txt", "deep")
	testutil.WriteFile(t, f.projectRoot, "top.txt", "t")
	f.open(t, engineSessionA, StrategyManual)

	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	_, err = f.engine.Restore(f.ctx, engineSessionA, cp1.ID)
	require.NoError(t, err)

	assert.Equal(t, "deep", testutil.ReadFile(t, f.projectRoot, "keep/nested.txt"))
	assert.Equal(t, "t", testutil.ReadFile(t, f.projectRoot, "top.txt"))
}

func TestContentPoolDeduplicatesAcrossCheckpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	content := strings.Repeat("x", 1<<20) // 1 MiB
	testutil.WriteFile(t, f.projectRoot, "big.bin", content)
	f.open(t, engineSessionA, StrategyManual)

	_, err := f.engine.Checkpoint(f.ctx, engineSessionA, "first")
	require.NoError(t, err)

	// Touch the file with identical bytes and snapshot again.
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"write","input":{"file_path":"big.bin"}}`)
	_, err = f.engine.Checkpoint(f.ctx, engineSessionA, "second")
	require.NoError(t, err)

	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	entries, err := os.ReadDir(poolDir(sessionDir))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShellSideEffectTriggersFullRescan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategyManual)

	_, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	// A shell command creates a file the tracker never saw named.
	testutil.WriteFile(t, f.projectRoot, "made-by-shell.txt", "surprise")
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"bash","input":{"command":"touch made-by-shell.txt"}}`)

	cp2, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	refs, err := readRefs(sessionDir, cp2.ID)
	require.NoError(t, err)
	assert.Contains(t, refs, "made-by-shell.txt")
}

func TestRestoreRequiresKnownCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.open(t, engineSessionA, StrategyManual)

	_, err := f.engine.Restore(f.ctx, engineSessionA, "99999999-9999-4999-8999-999999999999")
	assert.Error(t, err)
}

func TestForkSharesBlobsAndTruncatesTranscript(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategyManual)

	f.appendLine(t, engineSessionA, `{"type":"user","message":{"role":"user","content":"hi"}}`)
	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)
	f.appendLine(t, engineSessionA, `{"type":"text","text":"after"}`)

	forkedID, err := f.engine.Fork(f.ctx, engineSessionA, cp1.ID, engineSessionB)
	require.NoError(t, err)
	assert.Equal(t, engineSessionB, forkedID)

	// Forked transcript carries only the prefix.
	lines, _, err := f.store.ReadAll(f.projectRoot, engineSessionB)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	// The forked session's pool holds nothing: blobs are referenced across
	// the source session's directory.
	forkDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionB)
	entries, _ := os.ReadDir(poolDir(forkDir))
	assert.Empty(t, entries)

	// Restoring the forked session from the shared checkpoint is a no-op
	// on the project's files.
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	summary, err := f.engine.Restore(f.ctx, engineSessionB, cp1.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", testutil.ReadFile(t, f.projectRoot, "a.txt"))
	assert.Equal(t, 1, summary.FilesRestored)

	tl, err := f.engine.Timeline(engineSessionB)
	require.NoError(t, err)
	assert.Equal(t, cp1.ID, tl.CurrentCheckpointID)
	assert.Equal(t, 1, tl.TotalCheckpoints)
}

func TestGarbageCollectIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategyManual)

	_, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	// Plant an orphan blob, as a failed checkpoint would.
	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	_, err = writeBlob(poolDir(sessionDir), []byte("orphaned content"))
	require.NoError(t, err)

	reclaimed, err := f.engine.GarbageCollect(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.Positive(t, reclaimed)

	// A second immediate sweep reclaims nothing.
	reclaimed, err = f.engine.GarbageCollect(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
}

func TestGarbageCollectKeepsForkReferencedBlobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategyManual)

	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)
	_, err = f.engine.Fork(f.ctx, engineSessionA, cp1.ID, engineSessionB)
	require.NoError(t, err)

	reclaimed, err := f.engine.GarbageCollect(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)

	// The forked session can still restore afterwards.
	_, err = f.engine.Restore(f.ctx, engineSessionB, cp1.ID)
	require.NoError(t, err)
}

func TestCleanupOldKeepsRecentAndCurrent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "v0")
	f.open(t, engineSessionA, StrategyManual)

	var ids []string
	for i := 0; i < 4; i++ {
		testutil.WriteFile(t, f.projectRoot, "a.txt", strings.Repeat("v", i+1))
		f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"write","input":{"file_path":"a.txt"}}`)
		cp, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
		require.NoError(t, err)
		ids = append(ids, cp.ID)
	}

	_, err := f.engine.CleanupOld(f.ctx, engineSessionA, 2)
	require.NoError(t, err)

	remaining, err := f.engine.List(engineSessionA)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// The newest checkpoint (also current) survived and still restores.
	tl, err := f.engine.Timeline(engineSessionA)
	require.NoError(t, err)
	assert.Equal(t, ids[3], tl.CurrentCheckpointID)

	_, err = f.engine.Restore(f.ctx, engineSessionA, ids[3])
	require.NoError(t, err)
	assert.Equal(t, "vvvv", testutil.ReadFile(t, f.projectRoot, "a.txt"))
}

func TestDiffCheckpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "mod.txt", "before")
	testutil.WriteFile(t, f.projectRoot, "gone.txt", "bye")
	f.open(t, engineSessionA, StrategyManual)

	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	testutil.WriteFile(t, f.projectRoot, "mod.txt", "after")
	require.NoError(t, os.Remove(filepath.Join(f.projectRoot, "gone.txt")))
	testutil.WriteFile(t, f.projectRoot, "new.txt", "hello")
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"bash","input":{"command":"make"}}`)

	cp2, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	diff, err := f.engine.Diff(engineSessionA, cp1.ID, cp2.ID)
	require.NoError(t, err)

	require.Len(t, diff.Modified, 1)
	assert.Equal(t, "mod.txt", diff.Modified[0].Path)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "new.txt", diff.Added[0].Path)
	require.Len(t, diff.Deleted, 1)
	assert.Equal(t, "gone.txt", diff.Deleted[0].Path)
}

func TestUsageSummaryCountsChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "code.go", "line one\nline two\n")
	f.open(t, engineSessionA, StrategyManual)

	f.appendLine(t, engineSessionA, `{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":10,"output_tokens":4}}}`)
	cp1, err := f.engine.Checkpoint(f.ctx, engineSessionA, "")
	require.NoError(t, err)

	assert.Equal(t, 1, cp1.Usage.FilesChanged)
	assert.Equal(t, 10, cp1.Usage.InputTokens)
	assert.Equal(t, 4, cp1.Usage.OutputTokens)
	assert.Equal(t, int64(18), cp1.Usage.BytesWritten)
	assert.Equal(t, 2, cp1.Usage.LinesAdded)
}

func TestAutoCheckpointPerStrategy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.WriteFile(t, f.projectRoot, "a.txt", "1")
	f.open(t, engineSessionA, StrategySmart)

	// A plain text line doesn't trigger Smart.
	f.appendLine(t, engineSessionA, `{"type":"text","text":"thinking"}`)
	id, err := f.engine.AutoCheckpoint(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.Empty(t, id)

	// A file-affecting tool does.
	f.appendLine(t, engineSessionA, `{"type":"tool_use","name":"write","input":{"file_path":"a.txt"}}`)
	id, err = f.engine.AutoCheckpoint(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// The pending flag is consumed.
	id, err = f.engine.AutoCheckpoint(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestPerPromptStrategy(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.open(t, engineSessionA, StrategyPerPrompt)

	f.appendLine(t, engineSessionA, `{"type":"user","message":{"role":"user","content":"do it"}}`)
	id, err := f.engine.AutoCheckpoint(f.ctx, engineSessionA)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestCorruptTimelineGoesReadOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sessionDir := paths.CheckpointsDir(f.dataRoot, f.projectRoot, engineSessionA)
	require.NoError(t, os.MkdirAll(sessionDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "timeline.json"), []byte("{broken"), 0o600))

	err := f.engine.Open(f.ctx, engineSessionA, f.projectRoot, StrategyManual)
	require.Error(t, err)

	// Writes are refused; reads still work.
	_, err = f.engine.Checkpoint(f.ctx, engineSessionA, "")
	assert.Error(t, err)
	_, err = f.engine.List(engineSessionA)
	assert.NoError(t, err)
}
