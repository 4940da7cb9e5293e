package app

import (
	"context"
	"errors"
	"time"

	"inkwell/core/internal/access"
	"inkwell/core/internal/auth"
	"inkwell/core/internal/config"
	"inkwell/core/internal/notify"
	"inkwell/core/internal/store"
	"inkwell/core/internal/util"
)

type Session struct {
	Token     string
	ActorID   string
	ActorName string
	Color     string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureActorByName(context.Context, string) (store.Actor, error)
	GetActor(context.Context, string) (store.Actor, error)
	TeamsOf(context.Context, string) ([]string, error)
	TeamMembers(context.Context, string) ([]string, error)

	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	GetDocumentByLink(context.Context, string) (store.Document, error)
	ListDocumentsByOwner(context.Context, string) ([]store.Document, error)
	ListAccessibleDocuments(context.Context, string) ([]store.Document, error)
	SaveDocument(ctx context.Context, documentID, rendered string, structured []byte, expectedVersion, newVersion string) (store.Document, error)
	SetDocumentTitle(context.Context, string, string) error
	SetDocumentLocked(context.Context, string, bool) error
	SetSignedLock(context.Context, string) error
	SetDocumentPrivate(context.Context, string, bool) error
	DeleteDocument(context.Context, string) error

	ListDocumentGrants(context.Context, string) ([]store.GrantRecord, error)
	InsertDocumentGrant(context.Context, store.GrantRecord) error
	UpdateDocumentGrant(ctx context.Context, documentID, subjectActor, subjectTeam, level string) error
	DeleteDocumentGrant(ctx context.Context, documentID, subjectActor, subjectTeam string) error

	GetResource(context.Context, string) (store.Resource, error)
	InsertResource(context.Context, store.Resource) error
	ListResourceGrants(context.Context, string) ([]store.GrantRecord, error)
	InsertResourceGrant(context.Context, store.GrantRecord) error
	UpdateResourceGrant(ctx context.Context, resourceID, subjectActor, subjectTeam, level string) error
	DeleteResourceGrant(ctx context.Context, resourceID, subjectActor, subjectTeam string) error

	Ping(ctx context.Context) error
}

type notifier interface {
	SendShareNotifications([]notify.ShareNotification) int
}

type Service struct {
	cfg         config.Config
	store       dataStore
	notify      notifier
	docResolver *access.Resolver
	resResolver *access.Resolver
}

func New(cfg config.Config, dataStore dataStore, notifyService notifier) *Service {
	teams := teamSource{store: dataStore}
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		notify:      notifyService,
		docResolver: access.NewResolver(documentGrantSource{store: dataStore}, teams),
		resResolver: access.NewResolver(resourceGrantSource{store: dataStore}, teams),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login resolves (or lazily creates) an actor and issues a session
// token good for both the HTTP surface and sync-transport connects.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	actor, err := s.store.EnsureActorByName(ctx, name)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), actor.ID, actor.DisplayName, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		ActorID:   actor.ID,
		ActorName: actor.DisplayName,
		Color:     actor.Color,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		ActorID:   claims.Sub,
		ActorName: claims.Name,
		JTI:       claims.JTI,
	}, nil
}

// --- access plumbing: both grant shapes behind one resolver ---

type documentGrantSource struct{ store dataStore }

func (g documentGrantSource) GrantsFor(ctx context.Context, resourceID string) ([]access.Grant, error) {
	records, err := g.store.ListDocumentGrants(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return grantsFromRecords(records)
}

type resourceGrantSource struct{ store dataStore }

func (g resourceGrantSource) GrantsFor(ctx context.Context, resourceID string) ([]access.Grant, error) {
	records, err := g.store.ListResourceGrants(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	return grantsFromRecords(records)
}

func grantsFromRecords(records []store.GrantRecord) ([]access.Grant, error) {
	grants := make([]access.Grant, 0, len(records))
	for _, record := range records {
		level, err := access.ParseLevel(record.Level)
		if err != nil {
			return nil, err
		}
		grants = append(grants, access.Grant{
			Subject: access.Subject{ActorID: record.SubjectActor, TeamID: record.SubjectTeam},
			Level:   level,
		})
	}
	return grants, nil
}

type teamSource struct{ store dataStore }

func (t teamSource) TeamsOf(ctx context.Context, actorID string) ([]string, error) {
	return t.store.TeamsOf(ctx, actorID)
}

func documentResource(doc store.Document) access.Resource {
	return access.Resource{
		ID:         doc.ID,
		OwnerID:    doc.OwnerID,
		Private:    doc.Private,
		Locked:     doc.Locked,
		SignedLock: doc.SignedLock,
	}
}

// ResolveDocumentAccess is the single read-side gate: the editor
// binding layer calls it once per render to pick read-only vs editable.
func (s *Service) ResolveDocumentAccess(ctx context.Context, actorID, documentID string) (access.Level, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return access.None, errNotFound("document not found")
		}
		return access.None, err
	}
	return s.docResolver.Resolve(ctx, documentResource(doc), actorID)
}

// --- document lifecycle ---

func (s *Service) CreateDocument(ctx context.Context, actorID, title string, private bool) (store.Document, error) {
	if title == "" {
		return store.Document{}, errInvalid("title is required")
	}
	if _, err := s.store.GetActor(ctx, actorID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, errNotFound("actor not found")
		}
		return store.Document{}, err
	}

	doc := store.Document{
		ID:      util.NewID("doc"),
		Title:   title,
		OwnerID: actorID,
		Private: private,
		LinkID:  util.NewID("lnk"),
		Version: util.NewVersion(),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	// The creator's owner grant: exactly one per document, created here
	// and removed only by cascading document deletion.
	if err := s.store.InsertDocumentGrant(ctx, store.GrantRecord{
		ResourceID:   doc.ID,
		SubjectActor: actorID,
		Level:        access.Owner.String(),
	}); err != nil {
		return store.Document{}, err
	}
	return doc, nil
}

// GetDocument returns the document when actorID holds at least viewer
// access. idOrLink accepts either the document id or, for documents
// that are not private, the stable link id.
func (s *Service) GetDocument(ctx context.Context, actorID, idOrLink string) (store.Document, access.Level, error) {
	doc, err := s.store.GetDocument(ctx, idOrLink)
	if errors.Is(err, store.ErrNotFound) {
		doc, err = s.store.GetDocumentByLink(ctx, idOrLink)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, access.None, errNotFound("document not found")
		}
		return store.Document{}, access.None, err
	}

	level, err := s.docResolver.Resolve(ctx, documentResource(doc), actorID)
	if err != nil {
		return store.Document{}, access.None, err
	}
	if level < access.Viewer {
		return store.Document{}, access.None, errForbidden("no access to this document")
	}
	return doc, level, nil
}

func (s *Service) ListOwnedDocuments(ctx context.Context, actorID string) ([]store.Document, error) {
	return s.store.ListDocumentsByOwner(ctx, actorID)
}

// ListAccessibleDocuments covers owned plus shared documents, via
// direct or team grants. Public-link documents are reachable by link
// but never listed.
func (s *Service) ListAccessibleDocuments(ctx context.Context, actorID string) ([]store.Document, error) {
	return s.store.ListAccessibleDocuments(ctx, actorID)
}

// SaveDocument is the gated, versioned checkpoint. The signed lock
// fails fast before any storage round trip; the access check requires
// editor or better; a temporary lock blocks editors but not the owner.
func (s *Service) SaveDocument(ctx context.Context, actorID, documentID, rendered string, structured []byte, expectedVersion string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, errNotFound("document not found")
		}
		return store.Document{}, err
	}
	if doc.SignedLock {
		return store.Document{}, errLocked("document is signed and permanently locked")
	}

	res := documentResource(doc)
	level, err := s.docResolver.Resolve(ctx, res, actorID)
	if err != nil {
		return store.Document{}, err
	}
	if level < access.Editor {
		return store.Document{}, errForbidden("saving requires editor access")
	}
	if !access.CanEdit(level, res) {
		return store.Document{}, errLocked("document is locked")
	}

	saved, err := s.store.SaveDocument(ctx, documentID, rendered, structured, expectedVersion, util.NewVersion())
	if err != nil {
		var conflict *store.VersionConflictError
		if errors.As(err, &conflict) {
			return store.Document{}, errVersionConflict(conflict.Current.Version, conflict.Current.StructuredContent, conflict.Current.RenderedContent)
		}
		return store.Document{}, err
	}
	return saved, nil
}

func (s *Service) RenameDocument(ctx context.Context, actorID, documentID, title string) error {
	if title == "" {
		return errInvalid("title is required")
	}
	doc, level, err := s.requireDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if doc.SignedLock {
		return errLocked("document is signed and permanently locked")
	}
	if !access.CanEdit(level, documentResource(doc)) {
		return errForbidden("renaming requires editor access")
	}
	return s.store.SetDocumentTitle(ctx, documentID, title)
}

// SetLocked toggles the temporary lock. Editors may lock; only the
// owner may unlock.
func (s *Service) SetLocked(ctx context.Context, actorID, documentID string, locked bool) error {
	doc, level, err := s.requireDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if doc.SignedLock {
		return errLocked("document is signed and permanently locked")
	}
	if locked {
		if level < access.Editor {
			return errForbidden("locking requires editor access")
		}
	} else if !access.CanUnlock(level) {
		return errForbidden("only the owner may unlock")
	}
	return s.store.SetDocumentLocked(ctx, documentID, locked)
}

// CompleteSignature applies the permanent signed lock. There is no
// inverse operation anywhere in the service.
func (s *Service) CompleteSignature(ctx context.Context, actorID, documentID string) error {
	doc, level, err := s.requireDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if doc.SignedLock {
		return errLocked("document is already signed")
	}
	if level < access.Owner {
		return errForbidden("completing a signature requires owner access")
	}
	return s.store.SetSignedLock(ctx, documentID)
}

func (s *Service) SetPrivate(ctx context.Context, actorID, documentID string, private bool) error {
	doc, level, err := s.requireDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if doc.SignedLock {
		return errLocked("document is signed and permanently locked")
	}
	if level < access.Owner {
		return errForbidden("changing visibility requires owner access")
	}
	return s.store.SetDocumentPrivate(ctx, documentID, private)
}

func (s *Service) DeleteDocument(ctx context.Context, actorID, documentID string) error {
	doc, level, err := s.requireDocument(ctx, actorID, documentID)
	if err != nil {
		return err
	}
	if level < access.Owner {
		return errForbidden("only the owner may delete a document")
	}
	if doc.Locked {
		return errLocked("unlock the document before deleting it")
	}
	return s.store.DeleteDocument(ctx, documentID)
}

func (s *Service) requireDocument(ctx context.Context, actorID, documentID string) (store.Document, access.Level, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, access.None, errNotFound("document not found")
		}
		return store.Document{}, access.None, err
	}
	level, err := s.docResolver.Resolve(ctx, documentResource(doc), actorID)
	if err != nil {
		return store.Document{}, access.None, err
	}
	return doc, level, nil
}

// StructuredSnapshot feeds the sync hub's resync handshake with the
// authoritative structured content. Access was checked at connect.
func (s *Service) StructuredSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return doc.StructuredContent, nil
}

// CreateResource registers a generic file or folder so it can carry
// grants. Content storage for these is outside this subsystem.
func (s *Service) CreateResource(ctx context.Context, actorID, kind, name, parentID string) (store.Resource, error) {
	if kind != "file" && kind != "folder" {
		return store.Resource{}, errInvalid("kind must be file or folder")
	}
	if name == "" {
		return store.Resource{}, errInvalid("name is required")
	}
	item := store.Resource{
		ID:       util.NewID(kind),
		Kind:     kind,
		Name:     name,
		OwnerID:  actorID,
		ParentID: parentID,
	}
	if err := s.store.InsertResource(ctx, item); err != nil {
		return store.Resource{}, err
	}
	if err := s.store.InsertResourceGrant(ctx, store.GrantRecord{
		ResourceID:   item.ID,
		SubjectActor: actorID,
		Level:        "owner",
	}); err != nil {
		return store.Resource{}, err
	}
	return item, nil
}

// ResolveResourceAccess returns the effective level for a generic
// file/folder resource.
func (s *Service) ResolveResourceAccess(ctx context.Context, actorID, resourceID string) (access.Level, error) {
	item, err := s.store.GetResource(ctx, resourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return access.None, errNotFound("resource not found")
		}
		return access.None, err
	}
	return s.resResolver.Resolve(ctx, access.Resource{
		ID:      item.ID,
		OwnerID: item.OwnerID,
		Private: true,
	}, actorID)
}
