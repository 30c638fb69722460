package checkpoint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBlobRoundTrip(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	data := []byte("hello checkpoint pool")

	hash, err := writeBlob(pool, data)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	got, err := readBlob(pool, hash, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The stored bytes really are compressed, not plain.
	stored, err := os.ReadFile(filepath.Join(pool, hash))
	require.NoError(t, err)
	assert.NotEqual(t, data, stored)
}

func TestWriteBlobDeduplicates(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	data := bytes.Repeat([]byte("same bytes "), 100_000) // ~1 MiB

	hash1, err := writeBlob(pool, data)
	require.NoError(t, err)
	hash2, err := writeBlob(pool, data)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	entries, err := os.ReadDir(pool)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadBlobSizeMismatchIsError(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	hash, err := writeBlob(pool, []byte("content"))
	require.NoError(t, err)

	_, err = readBlob(pool, hash, 999)
	assert.Error(t, err)
}

func TestReadBlobZeroByteFileIsCorrupt(t *testing.T) {
	t.Parallel()

	pool := t.TempDir()
	hash := hashBytes([]byte("whatever"))
	require.NoError(t, os.WriteFile(filepath.Join(pool, hash), nil, 0o600))

	_, err := readBlob(pool, hash, 8)
	assert.ErrorContains(t, err, "corrupt")
}

func TestReadBlobMissingIsError(t *testing.T) {
	t.Parallel()

	_, err := readBlob(t.TempDir(), hashBytes([]byte("absent")), 6)
	assert.Error(t, err)
}

func TestSnapshotCompressionRoundTrip(t *testing.T) {
	t.Parallel()

	tail := []byte(`{"type":"text"}` + "\n" + `{"type":"end"}` + "\n")
	got, err := decompressSnapshot(compressSnapshot(tail))
	require.NoError(t, err)
	assert.Equal(t, tail, got)

	// An empty snapshot (zero transcript lines) round-trips too.
	got, err = decompressSnapshot(compressSnapshot(nil))
	require.NoError(t, err)
	assert.Empty(t, got)
}
