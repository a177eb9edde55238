package models

import (
	"encoding/json"
	"time"
)

// ActionKind enumerates the closed set of structured actions the system can
// resolve a natural-language command into.
type ActionKind string

const (
	ActionHighlight  ActionKind = "highlight"
	ActionCreateNote ActionKind = "create-note"
	ActionSearch     ActionKind = "search"
	ActionExport     ActionKind = "export"
	ActionSpeak      ActionKind = "speak"
	ActionQuestion   ActionKind = "question"
	ActionNavigate   ActionKind = "navigate"
)

// ActionKinds lists every known action kind.
var ActionKinds = []ActionKind{
	ActionHighlight,
	ActionCreateNote,
	ActionSearch,
	ActionExport,
	ActionSpeak,
	ActionQuestion,
	ActionNavigate,
}

// Action is a tagged union over the known action kinds. Kind selects which
// payload schema Params must satisfy; payloads are validated at the
// cache-write boundary so an unrecognized or malformed action never
// propagates.
type Action struct {
	Kind   ActionKind      `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// ActionCacheEntry maps a command's embedding to a previously resolved
// action plus its usage metadata.
type ActionCacheEntry struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Command   string    `json:"command"`
	Action    Action    `json:"action"`
	Embedding []float32 `json:"-"`
	HitCount  int       `json:"hit_count"`
	LastUsed  time.Time `json:"last_used"`
	CreatedAt time.Time `json:"created_at"`
}
