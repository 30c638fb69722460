package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroio/cli/cmd/maestro/cli/paths"
)

const (
	sessionA = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	sessionB = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dataRoot := t.TempDir()
	projectRoot := t.TempDir()
	return NewStore(dataRoot), dataRoot, projectRoot
}

func TestAppendReadAllPreservesOrder(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		line := fmt.Sprintf(`{"n":%d}`, i)
		require.NoError(t, store.Append(ctx, project, sessionA, []byte(line)))
	}

	lines, skipped, err := store.ReadAll(project, sessionA)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, lines, 5)
	for i, raw := range lines {
		var parsed struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(raw, &parsed))
		assert.Equal(t, i, parsed.N)
	}
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	store, dataRoot, project := newTestStore(t)
	path := paths.TranscriptFile(dataRoot, project, sessionA)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	content := `{"ok":1}` + "\n" + `not json` + "\n" + `{"ok":2}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	lines, skipped, err := store.ReadAll(project, sessionA)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Equal(t, 1, skipped)
}

func TestReadAllToleratesTornFinalLine(t *testing.T) {
	t.Parallel()

	store, dataRoot, project := newTestStore(t)
	path := paths.TranscriptFile(dataRoot, project, sessionA)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	content := `{"ok":1}` + "\n" + `{"torn":tru` // no trailing newline
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	lines, skipped, err := store.ReadAll(project, sessionA)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
	assert.Equal(t, 1, skipped)
}

func TestAppendAlwaysTerminatesLines(t *testing.T) {
	t.Parallel()

	store, dataRoot, project := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, project, sessionA, []byte(`{"a":1}`)))
	require.NoError(t, store.Append(ctx, project, sessionA, []byte(`{"b":2}`+"\n")))

	data, err := os.ReadFile(paths.TranscriptFile(dataRoot, project, sessionA))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`+"\n"+`{"b":2}`+"\n", string(data))
}

func TestTruncateTo(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, project, sessionA, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	require.NoError(t, store.TruncateTo(ctx, project, sessionA, 2))

	lines, _, err := store.ReadAll(project, sessionA)
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	// Truncating a missing transcript to zero is a no-op.
	require.NoError(t, store.TruncateTo(ctx, project, sessionB, 0))
}

func TestTailFrom(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, project, sessionA, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	tail, total, err := store.TailFrom(project, sessionA, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, `{"n":2}`+"\n"+`{"n":3}`+"\n", string(tail))

	tail, total, err = store.TailFrom(project, sessionB, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tail)

	count, err := store.LineCount(project, sessionA)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestCopyPrefix(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, project, sessionA, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	require.NoError(t, store.CopyPrefix(project, sessionA, sessionB, 2))

	lines, _, err := store.ReadAll(project, sessionB)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestListSessionsExtractsFirstPrompt(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, project, sessionA,
		[]byte(`{"type":"system","cwd":"`+project+`"}`)))
	require.NoError(t, store.Append(ctx, project, sessionA,
		[]byte(`{"type":"user","message":{"role":"user","content":"fix the login flow"}}`)))
	require.NoError(t, store.Append(ctx, project, sessionA,
		[]byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"On it"}]}}`)))

	summaries, err := store.ListSessions(project)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, sessionA, summaries[0].SessionID)
	assert.Equal(t, "fix the login flow", summaries[0].FirstPrompt)
	assert.Equal(t, 3, summaries[0].LineCount)
}

func TestListSessionsTruncatesLongExcerpt(t *testing.T) {
	t.Parallel()

	store, _, project := newTestStore(t)
	ctx := context.Background()

	long := ""
	for i := 0; i < 30; i++ {
		long += "refactor "
	}
	line := fmt.Sprintf(`{"type":"user","message":{"role":"user","content":"%s"}}`, long)
	require.NoError(t, store.Append(ctx, project, sessionA, []byte(line)))

	summaries, err := store.ListSessions(project)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.LessOrEqual(t, len(summaries[0].FirstPrompt), 100)
}

func TestEnumerateProjectsPrefersCwdField(t *testing.T) {
	t.Parallel()

	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// A project path containing hyphens is exactly the lossy case the cwd
	// field exists to resolve.
	project := filepath.Join(t.TempDir(), "my-app")
	require.NoError(t, os.MkdirAll(project, 0o750))

	require.NoError(t, store.Append(ctx, project, sessionA,
		[]byte(`{"type":"system","cwd":"`+project+`"}`)))

	descriptors, err := store.EnumerateProjects()
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, project, descriptors[0].Path)
	assert.Equal(t, []string{sessionA}, descriptors[0].SessionIDs)
	assert.Equal(t, paths.EncodeProjectPath(project), descriptors[0].ID)
}

func TestEnumerateProjectsFallsBackToMangling(t *testing.T) {
	t.Parallel()

	store, dataRoot, _ := newTestStore(t)

	// A project directory with no readable transcript decodes by reversing
	// the name mangling.
	dir := filepath.Join(dataRoot, paths.ProjectsDirName, "-home-user-proj")
	require.NoError(t, os.MkdirAll(dir, 0o750))

	descriptors, err := store.EnumerateProjects()
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
	assert.Equal(t, "/home/user/proj", descriptors[0].Path)
}
