package access

import (
	"context"
	"testing"
)

type fakeGrants struct {
	grants map[string][]Grant
}

func (f *fakeGrants) GrantsFor(_ context.Context, resourceID string) ([]Grant, error) {
	return f.grants[resourceID], nil
}

type fakeTeams struct {
	teams map[string][]string
}

func (f *fakeTeams) TeamsOf(_ context.Context, actorID string) ([]string, error) {
	return f.teams[actorID], nil
}

func newResolver(grants map[string][]Grant, teams map[string][]string) *Resolver {
	return NewResolver(&fakeGrants{grants: grants}, &fakeTeams{teams: teams})
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
		err  bool
	}{
		{in: "viewer", want: Viewer},
		{in: "read", want: Viewer},
		{in: "editor", want: Editor},
		{in: "write", want: Editor},
		{in: "owner", want: Owner},
		{in: "full", want: Owner},
		{in: "none", want: None},
		{in: "", want: None},
		{in: "delete", err: true},
		{in: "admin", err: true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestLatticeOrdering(t *testing.T) {
	if !(None < Viewer && Viewer < Editor && Editor < Owner) {
		t.Fatal("lattice order broken")
	}
}

func TestResolveOwnerShortCircuit(t *testing.T) {
	// No grants at all: ownership alone resolves to Owner.
	r := newResolver(nil, nil)
	res := Resource{ID: "doc1", OwnerID: "alice", Private: true}

	level, err := r.Resolve(context.Background(), res, "alice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Owner {
		t.Fatalf("owner resolved to %v", level)
	}
}

func TestResolveDirectGrant(t *testing.T) {
	r := newResolver(map[string][]Grant{
		"doc1": {{Subject: Subject{ActorID: "bob"}, Level: Editor}},
	}, nil)
	res := Resource{ID: "doc1", OwnerID: "alice", Private: true}

	level, err := r.Resolve(context.Background(), res, "bob")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Editor {
		t.Fatalf("got %v, want Editor", level)
	}
}

func TestResolveNoGrantPrivate(t *testing.T) {
	r := newResolver(nil, nil)
	res := Resource{ID: "doc1", OwnerID: "alice", Private: true}

	level, err := r.Resolve(context.Background(), res, "mallory")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != None {
		t.Fatalf("got %v, want None", level)
	}
}

func TestResolveLinkViewer(t *testing.T) {
	// private=false: any link holder reads, even with no grant.
	r := newResolver(nil, nil)
	res := Resource{ID: "doc1", OwnerID: "alice", Private: false}

	level, err := r.Resolve(context.Background(), res, "anyone")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Viewer {
		t.Fatalf("got %v, want Viewer", level)
	}
}

func TestResolveTeamGrant(t *testing.T) {
	r := newResolver(map[string][]Grant{
		"f1": {{Subject: Subject{TeamID: "team-legal"}, Level: Editor}},
	}, map[string][]string{
		"carol": {"team-legal"},
	})
	res := Resource{ID: "f1", OwnerID: "alice", Private: true}

	level, err := r.Resolve(context.Background(), res, "carol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Editor {
		t.Fatalf("got %v, want Editor", level)
	}
}

func TestResolveDirectAndTeamHigherWins(t *testing.T) {
	// Carol holds a stale direct read grant and a team write grant. The
	// higher of the two wins, regardless of which is more specific.
	r := newResolver(map[string][]Grant{
		"f1": {
			{Subject: Subject{ActorID: "carol"}, Level: Viewer},
			{Subject: Subject{TeamID: "team-legal"}, Level: Editor},
		},
	}, map[string][]string{
		"carol": {"team-legal"},
	})
	res := Resource{ID: "f1", OwnerID: "alice", Private: true}

	level, err := r.Resolve(context.Background(), res, "carol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Editor {
		t.Fatalf("got %v, want Editor", level)
	}

	// And symmetrically when the direct grant is the higher one.
	r = newResolver(map[string][]Grant{
		"f1": {
			{Subject: Subject{ActorID: "carol"}, Level: Editor},
			{Subject: Subject{TeamID: "team-legal"}, Level: Viewer},
		},
	}, map[string][]string{
		"carol": {"team-legal"},
	})
	level, err = r.Resolve(context.Background(), res, "carol")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if level != Editor {
		t.Fatalf("got %v, want Editor", level)
	}
}

func TestCanEdit(t *testing.T) {
	cases := []struct {
		name  string
		level Level
		res   Resource
		want  bool
	}{
		{name: "editor unlocked", level: Editor, res: Resource{}, want: true},
		{name: "editor locked", level: Editor, res: Resource{Locked: true}, want: false},
		{name: "owner locked", level: Owner, res: Resource{Locked: true}, want: true},
		{name: "owner signed lock", level: Owner, res: Resource{Locked: true, SignedLock: true}, want: false},
		{name: "viewer unlocked", level: Viewer, res: Resource{}, want: false},
		{name: "none unlocked", level: None, res: Resource{}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanEdit(tc.level, tc.res); got != tc.want {
				t.Fatalf("CanEdit(%v, %+v) = %v, want %v", tc.level, tc.res, got, tc.want)
			}
		})
	}
}

func TestCanUnlock(t *testing.T) {
	if CanUnlock(Editor) {
		t.Fatal("editor must not unlock")
	}
	if !CanUnlock(Owner) {
		t.Fatal("owner must unlock")
	}
}
