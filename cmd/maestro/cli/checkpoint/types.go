// Package checkpoint captures and restores the joint state of project files
// and session transcripts at chosen moments, maintaining a branching
// per-session timeline backed by a content-addressed file pool.
//
// On-disk layout per session, under the project's checkpoints directory:
//
//	<session-id>/timeline.json                      — serialised timeline tree
//	<session-id>/content_pool/<sha256-hex>          — zstd-compressed blobs
//	<session-id>/refs/<checkpoint-id>/<path>.json   — per-checkpoint file refs
//	<session-id>/meta/<checkpoint-id>.json          — checkpoint metadata
//	<session-id>/messages/<checkpoint-id>.zst       — transcript tail snapshot
package checkpoint

import (
	"time"
)

// Strategy selects when checkpoints are created automatically.
type Strategy string

const (
	// StrategyManual checkpoints only on explicit request.
	StrategyManual Strategy = "manual"
	// StrategyPerPrompt checkpoints after every user-input transcript line.
	StrategyPerPrompt Strategy = "per_prompt"
	// StrategyPerToolUse checkpoints after every tool invocation.
	StrategyPerToolUse Strategy = "per_tool_use"
	// StrategySmart checkpoints after any file-affecting tool
	// (write, edit, multi_edit, shell).
	StrategySmart Strategy = "smart"
)

// ParseStrategy validates a strategy name from the wire.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyManual, StrategyPerPrompt, StrategyPerToolUse, StrategySmart:
		return Strategy(s), true
	default:
		return "", false
	}
}

// UsageSummary aggregates per-checkpoint resource usage.
type UsageSummary struct {
	// Token counts parsed from transcript usage fields since the previous
	// checkpoint.
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`

	// FilesChanged counts files whose content differs from the previous
	// checkpoint.
	FilesChanged int `json:"files_changed"`

	// BytesWritten is the total uncompressed size of changed files.
	BytesWritten int64 `json:"bytes_written"`

	// Line delta across changed files, computed with a line diff against
	// the previous checkpoint's content.
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// Checkpoint is an immutable record joining a transcript position with a
// snapshot of project files.
type Checkpoint struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// ParentID is empty for children of the synthetic session-start root.
	ParentID string `json:"parent_id,omitempty"`

	// MessageIndex is the transcript line count at creation time.
	MessageIndex int `json:"message_index"`

	Timestamp   time.Time    `json:"timestamp"`
	Description string       `json:"description,omitempty"`
	Usage       UsageSummary `json:"usage"`
}

// FileRef references one project file's state within a checkpoint.
// Non-deleted refs point at a content-pool entry by hash.
type FileRef struct {
	// Path is the file's path relative to the project root, slash-separated.
	Path string `json:"path"`

	// Hash is the SHA-256 hex of the uncompressed content; empty for
	// deleted files.
	Hash string `json:"hash,omitempty"`

	// Size is the uncompressed byte size.
	Size int64 `json:"size"`

	// Mode carries the unix permission bits.
	Mode uint32 `json:"mode,omitempty"`

	// IsDeleted marks a file that must not exist after restore.
	IsDeleted bool `json:"is_deleted,omitempty"`
}

// RestoreSummary reports what a restore did.
type RestoreSummary struct {
	FilesRestored int   `json:"files_restored"`
	FilesDeleted  int   `json:"files_deleted"`
	BytesWritten  int64 `json:"bytes_written"`
}

// DiffEntry describes one file's change between two checkpoints.
type DiffEntry struct {
	Path     string `json:"path"`
	FromHash string `json:"from_hash,omitempty"`
	ToHash   string `json:"to_hash,omitempty"`
	FromSize int64  `json:"from_size,omitempty"`
	ToSize   int64  `json:"to_size,omitempty"`
}

// DiffSummary compares two checkpoints' file-reference sets.
type DiffSummary struct {
	FromCheckpointID string      `json:"from_checkpoint_id"`
	ToCheckpointID   string      `json:"to_checkpoint_id"`
	Modified         []DiffEntry `json:"modified_files"`
	Added            []DiffEntry `json:"added_files"`
	Deleted          []DiffEntry `json:"deleted_files"`
}

// TimelineNode is the wire shape of one timeline tree node, listed in
// pre-order in both timeline.json and the get_timeline response.
type TimelineNode struct {
	Checkpoint Checkpoint     `json:"checkpoint"`
	Children   []TimelineNode `json:"children,omitempty"`
}

// TimelineView is the wire shape of a session timeline.
type TimelineView struct {
	SessionID string `json:"session_id"`
	// Roots are the children of the synthetic session-start node.
	Roots []TimelineNode `json:"roots,omitempty"`
	// CurrentCheckpointID is empty when no checkpoints exist yet.
	CurrentCheckpointID string `json:"current_checkpoint_id,omitempty"`
	TotalCheckpoints    int    `json:"total_checkpoints"`
}
