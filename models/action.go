package models

import (
	"strings"
	"time"
)

// ActionKind is the type of work an action requests from a client.
type ActionKind string

const (
	ActionUpload   ActionKind = "UPLOAD"
	ActionDownload ActionKind = "DOWNLOAD"
)

// ParseActionKind normalizes a kind string, returning false when unknown.
func ParseActionKind(raw string) (ActionKind, bool) {
	switch kind := ActionKind(strings.ToUpper(strings.TrimSpace(raw))); kind {
	case ActionUpload, ActionDownload:
		return kind, true
	default:
		return "", false
	}
}

// ActionStatus is the lifecycle status of an action.
type ActionStatus string

const (
	ActionPending     ActionStatus = "PENDING"
	ActionRunning     ActionStatus = "RUNNING"
	ActionDone        ActionStatus = "DONE"
	ActionCanceled    ActionStatus = "CANCELED"
	ActionInterrupted ActionStatus = "INTERRUPTED"
)

// Valid reports whether s is a known action status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionRunning, ActionDone, ActionCanceled, ActionInterrupted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are expected.
func (s ActionStatus) Terminal() bool {
	return s == ActionDone || s == ActionCanceled
}

// Action is one unit of dispatched work: a single upload or download.
//
// FileID is nil for a fresh upload until the file row is created.
type Action struct {
	ActionID  int64        `json:"action_id"`
	ClientID  string       `json:"client_id"`
	FileID    *int64       `json:"file_id,omitempty"`
	Kind      ActionKind   `json:"kind"`
	Status    ActionStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
