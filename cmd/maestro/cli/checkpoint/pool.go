package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
)

// Pool writers/readers are stateless and safe for concurrent use; EncodeAll
// and DecodeAll do not share state between calls.
var (
	poolEncoder *zstd.Encoder
	poolDecoder *zstd.Decoder
)

func init() {
	// SpeedDefault is zstd level 3, the engine's configured level.
	poolEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	poolDecoder, _ = zstd.NewReader(nil)
}

// hashBytes returns the SHA-256 hex of data, the content-pool key.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeBlob stores data in the pool if its hash is not already present.
// Writes are idempotent by hash and lock-free: the blob is written to a
// create-exclusive temp file and renamed, so concurrent writers of the same
// hash race harmlessly and the winner is visible atomically.
func writeBlob(poolDir string, data []byte) (string, error) {
	hash := hashBytes(data)
	blobPath := filepath.Join(poolDir, hash)

	if info, err := os.Stat(blobPath); err == nil && info.Size() > 0 {
		return hash, nil
	}

	if err := os.MkdirAll(poolDir, 0o750); err != nil {
		return "", errs.CheckpointIO("creating content pool", err)
	}

	compressed := poolEncoder.EncodeAll(data, nil)

	tmpPath := blobPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // path is hash-derived under the pool
	if err != nil {
		if os.IsExist(err) {
			// Another writer is mid-flight for the same hash; idempotent.
			return hash, nil
		}
		return "", errs.CheckpointIO("creating pool temp file", err)
	}

	_, werr := tmp.Write(compressed)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmpPath)
		return "", errs.CheckpointIO("writing pool blob", werr)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", errs.CheckpointIO("publishing pool blob", err)
	}
	return hash, nil
}

// readBlob loads and decompresses a pool entry, verifying the decompressed
// length against the recorded size. A zero-byte pool file is corrupt.
func readBlob(poolDir, hash string, expectedSize int64) ([]byte, error) {
	blobPath := filepath.Join(poolDir, hash)
	compressed, err := os.ReadFile(blobPath) //nolint:gosec // path is hash-derived under the pool
	if err != nil {
		return nil, fmt.Errorf("reading pool blob %s: %w", hash, err)
	}
	if len(compressed) == 0 {
		return nil, fmt.Errorf("pool blob %s is empty (corrupt)", hash)
	}

	data, err := poolDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing pool blob %s: %w", hash, err)
	}
	if int64(len(data)) != expectedSize {
		return nil, fmt.Errorf("pool blob %s decompressed to %d bytes, expected %d", hash, len(data), expectedSize)
	}
	return data, nil
}

// compressSnapshot zstd-compresses a transcript tail for messages/.
func compressSnapshot(data []byte) []byte {
	return poolEncoder.EncodeAll(data, nil)
}

// decompressSnapshot reverses compressSnapshot.
func decompressSnapshot(data []byte) ([]byte, error) {
	out, err := poolDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing message snapshot: %w", err)
	}
	return out, nil
}
