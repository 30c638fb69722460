package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maestroio/cli/cmd/maestro/cli/errs"
	"github.com/maestroio/cli/cmd/maestro/cli/jsonutil"
)

// timeline is the in-memory tree of a session's checkpoints. Nodes live in
// an arena indexed by position, with a secondary index keyed by checkpoint
// id; parent/children relations are arena-index based so there are no
// reference cycles and serialisation stays trivial.
//
// Index 0 is always the synthetic session-start root.
type timeline struct {
	sessionID string
	current   string // current checkpoint id, "" when none
	nodes     []*timelineNode
	index     map[string]int
}

// timelineNode is one arena entry.
type timelineNode struct {
	cp       Checkpoint
	parent   int // arena index, -1 for the synthetic root
	children []int

	// externalSession is set on forked references: the checkpoint's refs
	// and content pool live in that session's directory, not this one's.
	externalSession string
}

// timelineFile is the serialised form: nodes in pre-order, relations by id.
type timelineFile struct {
	SessionID string           `json:"session_id"`
	CurrentID string           `json:"current_checkpoint_id,omitempty"`
	Nodes     []timelineRecord `json:"nodes"`
}

type timelineRecord struct {
	Checkpoint      Checkpoint `json:"checkpoint"`
	ParentID        string     `json:"parent_id,omitempty"`
	ExternalSession string     `json:"external_session,omitempty"`
}

// newTimeline creates an empty timeline with just the synthetic root.
func newTimeline(sessionID string) *timeline {
	return &timeline{
		sessionID: sessionID,
		nodes:     []*timelineNode{{parent: -1}},
		index:     make(map[string]int),
	}
}

// lookup returns the arena index for a checkpoint id.
func (t *timeline) lookup(checkpointID string) (int, bool) {
	idx, ok := t.index[checkpointID]
	return idx, ok
}

// get returns the checkpoint record for an id.
func (t *timeline) get(checkpointID string) (Checkpoint, bool) {
	idx, ok := t.lookup(checkpointID)
	if !ok {
		return Checkpoint{}, false
	}
	return t.nodes[idx].cp, true
}

// insert adds a checkpoint as a child of parentID ("" for the root) and
// returns its arena index.
func (t *timeline) insert(cp Checkpoint, externalSession string) error {
	parentIdx := 0
	if cp.ParentID != "" {
		idx, ok := t.lookup(cp.ParentID)
		if !ok {
			return fmt.Errorf("parent checkpoint %s not in timeline", cp.ParentID)
		}
		parentIdx = idx
	}
	if _, exists := t.index[cp.ID]; exists {
		return fmt.Errorf("checkpoint %s already in timeline", cp.ID)
	}

	t.nodes = append(t.nodes, &timelineNode{
		cp:              cp,
		parent:          parentIdx,
		children:        nil,
		externalSession: externalSession,
	})
	idx := len(t.nodes) - 1
	t.nodes[parentIdx].children = append(t.nodes[parentIdx].children, idx)
	t.index[cp.ID] = idx
	return nil
}

// remove deletes a checkpoint node, reparenting its children to its parent.
// The synthetic root cannot be removed.
func (t *timeline) remove(checkpointID string) bool {
	idx, ok := t.lookup(checkpointID)
	if !ok || idx == 0 {
		return false
	}
	node := t.nodes[idx]
	parent := t.nodes[node.parent]

	// Drop idx from the parent's child list, then adopt the orphans.
	kept := parent.children[:0]
	for _, c := range parent.children {
		if c != idx {
			kept = append(kept, c)
		}
	}
	parent.children = kept
	for _, c := range node.children {
		child := t.nodes[c]
		child.parent = node.parent
		child.cp.ParentID = parent.cp.ID // "" when parent is the root
		parent.children = append(parent.children, c)
	}

	t.nodes[idx] = &timelineNode{parent: -1} // tombstone, unreachable
	delete(t.index, checkpointID)
	if t.current == checkpointID {
		t.current = parent.cp.ID
	}
	return true
}

// checkpoints returns every live checkpoint in pre-order.
func (t *timeline) checkpoints() []Checkpoint {
	var out []Checkpoint
	t.walk(0, func(n *timelineNode) {
		if n.cp.ID != "" {
			out = append(out, n.cp)
		}
	})
	return out
}

// externalSessionOf returns the owning session for a forked reference, or ""
// when the checkpoint's storage is local.
func (t *timeline) externalSessionOf(checkpointID string) string {
	idx, ok := t.lookup(checkpointID)
	if !ok {
		return ""
	}
	return t.nodes[idx].externalSession
}

// walk visits the subtree at idx in pre-order.
func (t *timeline) walk(idx int, visit func(*timelineNode)) {
	node := t.nodes[idx]
	visit(node)
	for _, c := range node.children {
		t.walk(c, visit)
	}
}

// view converts the tree to its wire shape.
func (t *timeline) view() TimelineView {
	var build func(idx int) TimelineNode
	build = func(idx int) TimelineNode {
		node := t.nodes[idx]
		out := TimelineNode{Checkpoint: node.cp}
		for _, c := range node.children {
			out.Children = append(out.Children, build(c))
		}
		return out
	}

	view := TimelineView{
		SessionID:           t.sessionID,
		CurrentCheckpointID: t.current,
		TotalCheckpoints:    len(t.index),
	}
	for _, c := range t.nodes[0].children {
		view.Roots = append(view.Roots, build(c))
	}
	return view
}

// save atomically rewrites timeline.json with the pre-order encoding.
func (t *timeline) save(sessionDir string) error {
	file := timelineFile{
		SessionID: t.sessionID,
		CurrentID: t.current,
	}
	t.walk(0, func(n *timelineNode) {
		if n.cp.ID == "" {
			return // synthetic root is implicit
		}
		file.Nodes = append(file.Nodes, timelineRecord{
			Checkpoint:      n.cp,
			ParentID:        n.cp.ParentID,
			ExternalSession: n.externalSession,
		})
	})

	data, err := jsonutil.MarshalIndentWithNewline(file, "", "  ")
	if err != nil {
		return errs.CheckpointIO("encoding timeline", err)
	}

	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return errs.CheckpointIO("creating session checkpoint directory", err)
	}

	path := filepath.Join(sessionDir, "timeline.json")
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return errs.CheckpointIO("writing timeline", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errs.CheckpointIO("replacing timeline", err)
	}
	return nil
}

// loadTimeline reads and rebuilds a timeline from disk. A missing file
// yields a fresh timeline; a file that fails to parse or references an
// unknown current pointer is corruption.
func loadTimeline(sessionDir, sessionID string) (*timeline, error) {
	path := filepath.Join(sessionDir, "timeline.json")
	data, err := os.ReadFile(path) //nolint:gosec // path is under the data root
	if err != nil {
		if os.IsNotExist(err) {
			return newTimeline(sessionID), nil
		}
		return nil, errs.CheckpointIO("reading timeline", err)
	}

	var file timelineFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errs.TimelineCorruption("timeline failed to parse", err)
	}

	t := newTimeline(sessionID)
	// Nodes were written in pre-order, so parents precede children.
	for _, rec := range file.Nodes {
		cp := rec.Checkpoint
		cp.ParentID = rec.ParentID
		if err := t.insert(cp, rec.ExternalSession); err != nil {
			return nil, errs.TimelineCorruption("timeline tree is inconsistent", err)
		}
	}
	if file.CurrentID != "" {
		if _, ok := t.lookup(file.CurrentID); !ok {
			return nil, errs.TimelineCorruption("current checkpoint pointer dangles", nil)
		}
	}
	t.current = file.CurrentID
	return t, nil
}
