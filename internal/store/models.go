package store

import (
	"fmt"
	"time"
)

type Actor struct {
	ID          string
	DisplayName string
	Color       string
	Email       string
	CreatedAt   time.Time
}

type Team struct {
	ID   string
	Name string
}

// Document is the authoritative backend row. Version is an opaque
// token advanced on every accepted save; StructuredContent is the
// replica snapshot, RenderedContent the flattened form for readers
// outside a realtime session.
type Document struct {
	ID                string
	Title             string
	RenderedContent   string
	StructuredContent []byte
	OwnerID           string
	Locked            bool
	SignedLock        bool
	Private           bool
	LinkID            string
	Version           string
	UpdatedAt         time.Time
}

// Resource is a generic shareable file or folder. Only the grant
// machinery touches these rows; file content lives elsewhere.
type Resource struct {
	ID       string
	Kind     string // "file" or "folder"
	Name     string
	OwnerID  string
	ParentID string
}

// GrantRecord is one share row. Exactly one of SubjectActor and
// SubjectTeam is set. The same shape serves both the document grant
// list and the generic resource grant table.
type GrantRecord struct {
	ResourceID   string
	SubjectActor string
	SubjectTeam  string
	Level        string
	CreatedAt    time.Time
}

// VersionConflictError reports an optimistic save that lost the race.
// Current carries the authoritative row so the caller can rebase
// instead of guessing.
type VersionConflictError struct {
	Current Document
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %s", e.Current.Version)
}
