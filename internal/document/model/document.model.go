package model

import "collabspace/internal/crdt"

// DocumentInfo describes one cached document of a workspace.
type DocumentInfo struct {
	Path    string            `json:"path"`
	Length  int               `json:"length"`
	Version map[string]uint64 `json:"version"`
}

type DocumentText struct {
	WorkspaceID string `json:"workspace_id"`
	Path        string `json:"path"`
	Text        string `json:"text"`
}

// State is the full replicated state of one document, enough for a
// client to bootstrap or resync.
type State struct {
	Path    string
	Text    string
	Items   []crdt.Item
	Version map[string]uint64
}

// Position is a caret resolved against the current text. Line and
// Column start at 1.
type Position struct {
	Offset int
	Line   int
	Column int
}
