package app

import (
	"context"
	"errors"
	"fmt"

	"inkwell/core/internal/access"
	"inkwell/core/internal/notify"
	"inkwell/core/internal/store"
)

// ResourceRef names a shareable thing for the sharing gateway. Kind is
// "document" for documents and "file" or "folder" for generic
// resources; both kinds flow through the same code path below.
type ResourceRef struct {
	Kind string
	ID   string
}

func (r ResourceRef) isDocument() bool { return r.Kind == "document" }

// SubjectInput is a grant holder: an individual actor or a team.
type SubjectInput struct {
	ActorID string `json:"actorId,omitempty"`
	TeamID  string `json:"teamId,omitempty"`
}

func (s SubjectInput) validate() error {
	if (s.ActorID == "") == (s.TeamID == "") {
		return errInvalid("exactly one of actorId and teamId must be set")
	}
	return nil
}

// grantOps abstracts over the two grant shapes so the gateway and the
// resolver share one implementation.
type grantOps struct {
	list      func(context.Context) ([]store.GrantRecord, error)
	insert    func(context.Context, store.GrantRecord) error
	update    func(ctx context.Context, subjectActor, subjectTeam, level string) error
	delete    func(ctx context.Context, subjectActor, subjectTeam string) error
	levelName func(access.Level) string
}

type gateway struct {
	res  access.Resource
	name string
	ops  grantOps
}

func (s *Service) gatewayFor(ctx context.Context, ref ResourceRef) (gateway, error) {
	if ref.isDocument() {
		doc, err := s.store.GetDocument(ctx, ref.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return gateway{}, errNotFound("document not found")
			}
			return gateway{}, err
		}
		return gateway{
			res:  documentResource(doc),
			name: doc.Title,
			ops: grantOps{
				list: func(ctx context.Context) ([]store.GrantRecord, error) {
					return s.store.ListDocumentGrants(ctx, doc.ID)
				},
				insert: func(ctx context.Context, grant store.GrantRecord) error {
					grant.ResourceID = doc.ID
					return s.store.InsertDocumentGrant(ctx, grant)
				},
				update: func(ctx context.Context, subjectActor, subjectTeam, level string) error {
					return s.store.UpdateDocumentGrant(ctx, doc.ID, subjectActor, subjectTeam, level)
				},
				delete: func(ctx context.Context, subjectActor, subjectTeam string) error {
					return s.store.DeleteDocumentGrant(ctx, doc.ID, subjectActor, subjectTeam)
				},
				levelName: access.Level.String,
			},
		}, nil
	}

	item, err := s.store.GetResource(ctx, ref.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return gateway{}, errNotFound("resource not found")
		}
		return gateway{}, err
	}
	return gateway{
		res:  access.Resource{ID: item.ID, OwnerID: item.OwnerID, Private: true},
		name: item.Name,
		ops: grantOps{
			list: func(ctx context.Context) ([]store.GrantRecord, error) {
				return s.store.ListResourceGrants(ctx, item.ID)
			},
			insert: func(ctx context.Context, grant store.GrantRecord) error {
				grant.ResourceID = item.ID
				return s.store.InsertResourceGrant(ctx, grant)
			},
			update: func(ctx context.Context, subjectActor, subjectTeam, level string) error {
				return s.store.UpdateResourceGrant(ctx, item.ID, subjectActor, subjectTeam, level)
			},
			delete: func(ctx context.Context, subjectActor, subjectTeam string) error {
				return s.store.DeleteResourceGrant(ctx, item.ID, subjectActor, subjectTeam)
			},
			levelName: resourceLevelName,
		},
	}, nil
}

// resourceLevelName maps the lattice back onto the generic-resource
// vocabulary (read/write/full).
func resourceLevelName(level access.Level) string {
	switch level {
	case access.Viewer:
		return "read"
	case access.Editor:
		return "write"
	case access.Owner:
		return "owner"
	default:
		return "none"
	}
}

func (s *Service) resolverFor(ref ResourceRef) *access.Resolver {
	if ref.isDocument() {
		return s.docResolver
	}
	return s.resResolver
}

// requireSharingOwner loads the gateway and checks that the sharing
// mutation is allowed at all: the resource exists, is not permanently
// frozen, and the acting user owns it.
func (s *Service) requireSharingOwner(ctx context.Context, actorID string, ref ResourceRef) (gateway, error) {
	gw, err := s.gatewayFor(ctx, ref)
	if err != nil {
		return gateway{}, err
	}
	if gw.res.SignedLock {
		return gateway{}, errLocked("resource is signed and permanently locked")
	}
	level, err := s.resolverFor(ref).Resolve(ctx, gw.res, actorID)
	if err != nil {
		return gateway{}, err
	}
	if level < access.Owner {
		return gateway{}, errForbidden("changing shares requires owner access")
	}
	return gw, nil
}

func subjectKey(actorID, teamID string) string {
	return actorID + "\x00" + teamID
}

// Share grants level to each subject. Subjects already holding an
// equal-or-higher grant reject the call, so a careless re-share can
// never downgrade anyone; a strictly lower existing grant is upgraded
// in place. Team subjects are expanded to their current members for
// the notification fan-out only; later membership changes do not
// retroactively renotify.
func (s *Service) Share(ctx context.Context, actorID string, ref ResourceRef, subjects []SubjectInput, levelStr string) (int, error) {
	level, err := access.ParseLevel(levelStr)
	if err != nil {
		return 0, errInvalid(err.Error())
	}
	if level != access.Viewer && level != access.Editor {
		return 0, errInvalid("only viewer and editor access can be granted")
	}
	if len(subjects) == 0 {
		return 0, errInvalid("at least one subject is required")
	}

	gw, err := s.requireSharingOwner(ctx, actorID, ref)
	if err != nil {
		return 0, err
	}

	existing, err := gw.ops.list(ctx)
	if err != nil {
		return 0, err
	}
	held := make(map[string]access.Level, len(existing))
	for _, record := range existing {
		recordLevel, err := access.ParseLevel(record.Level)
		if err != nil {
			return 0, err
		}
		held[subjectKey(record.SubjectActor, record.SubjectTeam)] = recordLevel
	}

	// Validate every subject before touching any grant so a bad entry
	// cannot leave the call half-applied.
	requested := make(map[string]bool, len(subjects))
	for _, subject := range subjects {
		if err := subject.validate(); err != nil {
			return 0, err
		}
		if subject.ActorID == gw.res.OwnerID && subject.ActorID != "" {
			return 0, errInvalid("the owner already holds full access")
		}
		key := subjectKey(subject.ActorID, subject.TeamID)
		if requested[key] {
			return 0, errInvalid("subject listed more than once")
		}
		requested[key] = true
		if current, exists := held[key]; exists && current >= level {
			return 0, errInvalid(fmt.Sprintf("subject already holds %s access", gw.ops.levelName(current)))
		}
	}

	var newlyReachable []string
	for _, subject := range subjects {
		if _, exists := held[subjectKey(subject.ActorID, subject.TeamID)]; exists {
			if err := gw.ops.update(ctx, subject.ActorID, subject.TeamID, gw.ops.levelName(level)); err != nil {
				return 0, err
			}
			// An upgraded subject was already reachable; no renotify.
			continue
		}

		if err := gw.ops.insert(ctx, store.GrantRecord{
			SubjectActor: subject.ActorID,
			SubjectTeam:  subject.TeamID,
			Level:        gw.ops.levelName(level),
		}); err != nil {
			return 0, err
		}

		if subject.TeamID != "" {
			members, err := s.store.TeamMembers(ctx, subject.TeamID)
			if err != nil {
				return 0, err
			}
			newlyReachable = append(newlyReachable, members...)
		} else {
			newlyReachable = append(newlyReachable, subject.ActorID)
		}
	}

	return s.fanOutShareNotifications(ctx, actorID, gw.name, gw.ops.levelName(level), newlyReachable), nil
}

func (s *Service) fanOutShareNotifications(ctx context.Context, grantedBy, resourceName, levelName string, recipients []string) int {
	if len(recipients) == 0 {
		return 0
	}
	granter, err := s.store.GetActor(ctx, grantedBy)
	if err != nil {
		granter = store.Actor{DisplayName: "Someone"}
	}

	seen := make(map[string]bool, len(recipients))
	notifications := make([]notify.ShareNotification, 0, len(recipients))
	for _, recipientID := range recipients {
		if recipientID == grantedBy || seen[recipientID] {
			continue
		}
		seen[recipientID] = true
		recipient, err := s.store.GetActor(ctx, recipientID)
		if err != nil {
			continue
		}
		notifications = append(notifications, notify.ShareNotification{
			RecipientEmail: recipient.Email,
			RecipientName:  recipient.DisplayName,
			GrantedByName:  granter.DisplayName,
			ResourceName:   resourceName,
			Level:          levelName,
		})
	}
	return s.notify.SendShareNotifications(notifications)
}

// UpdateGrant changes an existing grant's level. The owner's grant is
// immutable through this path.
func (s *Service) UpdateGrant(ctx context.Context, actorID string, ref ResourceRef, subject SubjectInput, levelStr string) error {
	if err := subject.validate(); err != nil {
		return err
	}
	level, err := access.ParseLevel(levelStr)
	if err != nil {
		return errInvalid(err.Error())
	}
	if level != access.Viewer && level != access.Editor {
		return errInvalid("grants can only be set to viewer or editor")
	}

	gw, err := s.requireSharingOwner(ctx, actorID, ref)
	if err != nil {
		return err
	}
	if subject.ActorID != "" && subject.ActorID == gw.res.OwnerID {
		return errForbidden("the owner's grant cannot be changed")
	}

	if err := gw.ops.update(ctx, subject.ActorID, subject.TeamID, gw.ops.levelName(level)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("grant not found")
		}
		return err
	}
	return nil
}

// RevokeGrant removes a subject's grant. The owner's grant survives
// every revoke; only cascading resource deletion removes it.
func (s *Service) RevokeGrant(ctx context.Context, actorID string, ref ResourceRef, subject SubjectInput) error {
	if err := subject.validate(); err != nil {
		return err
	}

	gw, err := s.requireSharingOwner(ctx, actorID, ref)
	if err != nil {
		return err
	}
	if subject.ActorID != "" && subject.ActorID == gw.res.OwnerID {
		return errForbidden("the owner's grant cannot be revoked")
	}

	if err := gw.ops.delete(ctx, subject.ActorID, subject.TeamID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound("grant not found")
		}
		return err
	}
	return nil
}

// ListGrants returns the share list for anyone with at least viewer
// access.
func (s *Service) ListGrants(ctx context.Context, actorID string, ref ResourceRef) ([]store.GrantRecord, error) {
	gw, err := s.gatewayFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	level, err := s.resolverFor(ref).Resolve(ctx, gw.res, actorID)
	if err != nil {
		return nil, err
	}
	if level < access.Viewer {
		return nil, errForbidden("no access to this resource")
	}
	return gw.ops.list(ctx)
}
