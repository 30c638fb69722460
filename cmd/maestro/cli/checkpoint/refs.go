package checkpoint

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/jsonutil"
	"github.com/maestroio/cli/cmd/maestro/cli/paths"
)

// Session-relative storage locations.

func poolDir(sessionDir string) string {
	return filepath.Join(sessionDir, paths.ContentPoolDirName)
}

func refsDir(sessionDir, checkpointID string) string {
	return filepath.Join(sessionDir, paths.RefsDirName, checkpointID)
}

func metaPath(sessionDir, checkpointID string) string {
	return filepath.Join(sessionDir, paths.MetaDirName, checkpointID+".json")
}

func messagesPath(sessionDir, checkpointID string) string {
	return filepath.Join(sessionDir, paths.MessagesDirName, checkpointID+".zst")
}

// writeRefs writes the full file-reference set for a checkpoint, staging
// under a temp directory and renaming so the refs directory appears
// atomically or not at all.
func writeRefs(sessionDir, checkpointID string, refs map[string]FileRef) error {
	finalDir := refsDir(sessionDir, checkpointID)
	stagingDir := finalDir + ".tmp"

	if err := os.RemoveAll(stagingDir); err != nil {
		return errs.CheckpointIO("clearing refs staging", err)
	}

	for _, ref := range refs {
		refPath := filepath.Join(stagingDir, filepath.FromSlash(ref.Path)+".json")
		if err := os.MkdirAll(filepath.Dir(refPath), 0o750); err != nil {
			_ = os.RemoveAll(stagingDir)
			return errs.CheckpointIO("creating refs directory", err)
		}
		data, err := jsonutil.MarshalIndentWithNewline(ref, "", "  ")
		if err != nil {
			_ = os.RemoveAll(stagingDir)
			return errs.CheckpointIO("encoding file ref", err)
		}
		if err := os.WriteFile(refPath, data, 0o600); err != nil {
			_ = os.RemoveAll(stagingDir)
			return errs.CheckpointIO("writing file ref", err)
		}
	}

	// An empty ref set still needs its directory.
	if len(refs) == 0 {
		if err := os.MkdirAll(stagingDir, 0o750); err != nil {
			return errs.CheckpointIO("creating empty refs directory", err)
		}
	}

	if err := os.Rename(stagingDir, finalDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return errs.CheckpointIO("publishing refs directory", err)
	}
	return nil
}

// readRefs loads a checkpoint's file-reference set, keyed by relative path.
func readRefs(sessionDir, checkpointID string) (map[string]FileRef, error) {
	dir := refsDir(sessionDir, checkpointID)
	refs := make(map[string]FileRef)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // path enumerated under the refs dir
		if err != nil {
			return err
		}
		var ref FileRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		refs[ref.Path] = ref
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("checkpoint " + checkpointID + " has no refs")
		}
		return nil, errs.CheckpointIO("reading file refs", err)
	}
	return refs, nil
}

// sortedRefs flattens a ref map into path order.
func sortedRefs(refs map[string]FileRef) []FileRef {
	out := make([]FileRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// writeMeta persists checkpoint metadata via temp + rename.
func writeMeta(sessionDir string, cp Checkpoint) error {
	path := metaPath(sessionDir, cp.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errs.CheckpointIO("creating meta directory", err)
	}
	data, err := jsonutil.MarshalIndentWithNewline(cp, "", "  ")
	if err != nil {
		return errs.CheckpointIO("encoding checkpoint metadata", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errs.CheckpointIO("writing checkpoint metadata", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.CheckpointIO("publishing checkpoint metadata", err)
	}
	return nil
}

// writeMessages persists the compressed transcript tail via temp + rename.
func writeMessages(sessionDir, checkpointID string, tail []byte) error {
	path := messagesPath(sessionDir, checkpointID)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return errs.CheckpointIO("creating messages directory", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, compressSnapshot(tail), 0o600); err != nil {
		return errs.CheckpointIO("writing message snapshot", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.CheckpointIO("publishing message snapshot", err)
	}
	return nil
}

// removeCheckpointFiles deletes a checkpoint's refs, meta, and messages.
// Pool blobs are left for garbage collection.
func removeCheckpointFiles(sessionDir, checkpointID string) {
	_ = os.RemoveAll(refsDir(sessionDir, checkpointID))
	_ = os.RemoveAll(refsDir(sessionDir, checkpointID) + ".tmp")
	_ = os.Remove(metaPath(sessionDir, checkpointID))
	_ = os.Remove(messagesPath(sessionDir, checkpointID))
}
