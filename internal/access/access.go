// Package access computes the effective permission level an actor holds
// over a resource, combining direct grants, team grants, and resource
// flags (lock, visibility).
package access

import (
	"context"
	"fmt"
)

// Level is the access lattice. The ordering of the constants is the
// ordering of the lattice; comparisons use < and >= directly.
type Level int

const (
	None Level = iota
	Viewer
	Editor
	Owner
)

func (l Level) String() string {
	switch l {
	case Viewer:
		return "viewer"
	case Editor:
		return "editor"
	case Owner:
		return "owner"
	default:
		return "none"
	}
}

// ParseLevel accepts both the document vocabulary (viewer/editor/owner)
// and the generic-resource vocabulary (read/write/full).
func ParseLevel(s string) (Level, error) {
	switch s {
	case "viewer", "read":
		return Viewer, nil
	case "editor", "write":
		return Editor, nil
	case "owner", "full":
		return Owner, nil
	case "none", "":
		return None, nil
	default:
		return None, fmt.Errorf("unknown access level %q", s)
	}
}

// Subject is the holder of a grant: an individual actor or a team,
// never both.
type Subject struct {
	ActorID string
	TeamID  string
}

func (s Subject) IsTeam() bool { return s.TeamID != "" }

type Grant struct {
	Subject Subject
	Level   Level
}

// Resource is the view of a shared thing the resolver needs. Both
// documents and generic files/folders reduce to this.
type Resource struct {
	ID         string
	OwnerID    string
	Private    bool
	Locked     bool
	SignedLock bool
}

// GrantSource lists the grants attached to one resource. Documents and
// generic resources each provide an adapter.
type GrantSource interface {
	GrantsFor(ctx context.Context, resourceID string) ([]Grant, error)
}

// TeamSource reports the teams an actor belongs to.
type TeamSource interface {
	TeamsOf(ctx context.Context, actorID string) ([]string, error)
}

type Resolver struct {
	grants GrantSource
	teams  TeamSource
}

func NewResolver(grants GrantSource, teams TeamSource) *Resolver {
	return &Resolver{grants: grants, teams: teams}
}

// Resolve returns the single effective level for actorID on res. The
// owner always resolves to Owner. Otherwise the highest of the actor's
// direct and team grants wins; when the resource is not private and no
// grant exists, link holders are treated as Viewer.
func (r *Resolver) Resolve(ctx context.Context, res Resource, actorID string) (Level, error) {
	if actorID != "" && actorID == res.OwnerID {
		return Owner, nil
	}

	grants, err := r.grants.GrantsFor(ctx, res.ID)
	if err != nil {
		return None, fmt.Errorf("load grants: %w", err)
	}

	var teamIDs []string
	if actorID != "" {
		teamIDs, err = r.teams.TeamsOf(ctx, actorID)
		if err != nil {
			return None, fmt.Errorf("load teams: %w", err)
		}
	}
	memberOf := make(map[string]bool, len(teamIDs))
	for _, id := range teamIDs {
		memberOf[id] = true
	}

	level := None
	for _, grant := range grants {
		holds := grant.Subject.ActorID == actorID && actorID != ""
		if !holds && grant.Subject.IsTeam() {
			holds = memberOf[grant.Subject.TeamID]
		}
		if holds && grant.Level > level {
			level = grant.Level
		}
	}

	if level == None && !res.Private {
		return Viewer, nil
	}
	return level, nil
}

// CanEdit reports whether an actor at level may mutate content. A
// temporary lock blocks editors; only the signed lock blocks the owner.
func CanEdit(level Level, res Resource) bool {
	if res.SignedLock {
		return false
	}
	switch level {
	case Owner:
		return true
	case Editor:
		return !res.Locked
	default:
		return false
	}
}

// CanUnlock reports whether an actor at level may clear a temporary
// lock. Editors may set a lock but not clear one.
func CanUnlock(level Level) bool {
	return level == Owner
}
