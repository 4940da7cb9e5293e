package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
)

var ErrNotFound = errors.New("not found")

// actorColors is the palette presence entries draw from; assignment is
// a stable hash of the display name.
var actorColors = []string{"#e8590c", "#2d7ff9", "#0ca678", "#9c36b5", "#f08c00", "#c2255c"}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureActorByName(ctx context.Context, name string) (Actor, error) {
	h := fnv.New32a()
	h.Write([]byte(name))
	color := actorColors[int(h.Sum32())%len(actorColors)]

	// Concurrent first logins for the same name race the display_name
	// uniqueness; the no-op conflict update makes both callers land on
	// the same row.
	ensureActor := `
		INSERT INTO actors (display_name, color, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.inkwell.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, color, email
	`
	var actor Actor
	if err := s.db.QueryRowContext(ctx, ensureActor, name, color).Scan(&actor.ID, &actor.DisplayName, &actor.Color, &actor.Email); err != nil {
		return Actor{}, fmt.Errorf("ensure actor: %w", err)
	}
	return actor, nil
}

func (s *PostgresStore) GetActor(ctx context.Context, actorID string) (Actor, error) {
	var actor Actor
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, color, email FROM actors WHERE id=$1`, actorID).
		Scan(&actor.ID, &actor.DisplayName, &actor.Color, &actor.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, ErrNotFound
	}
	if err != nil {
		return Actor{}, fmt.Errorf("get actor: %w", err)
	}
	return actor, nil
}

func (s *PostgresStore) TeamsOf(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT team_id FROM team_members WHERE actor_id=$1`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list teams of actor: %w", err)
	}
	defer rows.Close()

	teams := make([]string, 0)
	for rows.Next() {
		var teamID string
		if err := rows.Scan(&teamID); err != nil {
			return nil, fmt.Errorf("scan team id: %w", err)
		}
		teams = append(teams, teamID)
	}
	return teams, rows.Err()
}

func (s *PostgresStore) TeamMembers(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM team_members WHERE team_id=$1`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var actorID string
		if err := rows.Scan(&actorID); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		members = append(members, actorID)
	}
	return members, rows.Err()
}

const documentColumns = `id, title, rendered_content, structured_content, owner_id, locked, signed_lock, private, link_id, version, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	err := row.Scan(&item.ID, &item.Title, &item.RenderedContent, &item.StructuredContent,
		&item.OwnerID, &item.Locked, &item.SignedLock, &item.Private, &item.LinkID,
		&item.Version, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, rendered_content, structured_content, owner_id, locked, signed_lock, private, link_id, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.Title, item.RenderedContent, item.StructuredContent, item.OwnerID,
		item.Locked, item.SignedLock, item.Private, item.LinkID, item.Version)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetDocumentByLink(ctx context.Context, linkID string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE link_id=$1`, linkID))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document by link: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE owner_id=$1 ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListAccessibleDocuments returns every document the actor can reach
// through ownership, a direct grant, or a team grant. The public-link
// rule is deliberately excluded; link documents are reachable, not
// listable.
func (s *PostgresStore) ListAccessibleDocuments(ctx context.Context, actorID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.id, d.title, d.rendered_content, d.structured_content, d.owner_id,
			d.locked, d.signed_lock, d.private, d.link_id, d.version, d.updated_at
		FROM documents d
		LEFT JOIN document_grants g ON g.document_id = d.id
		WHERE d.owner_id = $1
		   OR g.subject_actor = $1
		   OR g.subject_team IN (SELECT team_id FROM team_members WHERE actor_id = $1)
		ORDER BY d.updated_at DESC
	`, actorID)
	if err != nil {
		return nil, fmt.Errorf("list accessible documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SaveDocument is the optimistic-concurrency checkpoint: the UPDATE
// only lands when expectedVersion still matches the row. On a miss the
// authoritative row comes back inside a VersionConflictError so the
// caller can rebase; it must never be silently overwritten.
func (s *PostgresStore) SaveDocument(ctx context.Context, documentID, rendered string, structured []byte, expectedVersion, newVersion string) (Document, error) {
	item, err := scanDocument(s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET rendered_content=$3, structured_content=$4, version=$5, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+documentColumns,
		documentID, expectedVersion, rendered, structured, newVersion))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("save document: %w", err)
	}

	current, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return Document{}, err
	}
	return Document{}, &VersionConflictError{Current: current}
}

func (s *PostgresStore) SetDocumentTitle(ctx context.Context, documentID, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET title=$2, updated_at=NOW() WHERE id=$1`, documentID, title)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) SetDocumentLocked(ctx context.Context, documentID string, locked bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET locked=$2, updated_at=NOW() WHERE id=$1`, documentID, locked)
	if err != nil {
		return fmt.Errorf("set locked: %w", err)
	}
	return requireRow(result)
}

// SetSignedLock freezes the document permanently. There is no
// corresponding clear operation anywhere in the store.
func (s *PostgresStore) SetSignedLock(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET signed_lock=TRUE, locked=TRUE, updated_at=NOW() WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("set signed lock: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) SetDocumentPrivate(ctx context.Context, documentID string, private bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET private=$2, updated_at=NOW() WHERE id=$1`, documentID, private)
	if err != nil {
		return fmt.Errorf("set private: %w", err)
	}
	return requireRow(result)
}

// DeleteDocument removes the row and, through ON DELETE CASCADE, its
// grants. This is the only path that ever removes an owner grant.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- document grants (the embedded-list shape, normalized) ---

func (s *PostgresStore) ListDocumentGrants(ctx context.Context, documentID string) ([]GrantRecord, error) {
	return s.listGrants(ctx, `
		SELECT document_id, COALESCE(subject_actor, ''), COALESCE(subject_team, ''), level, created_at
		FROM document_grants WHERE document_id=$1
	`, documentID)
}

func (s *PostgresStore) InsertDocumentGrant(ctx context.Context, grant GrantRecord) error {
	return s.insertGrant(ctx, `
		INSERT INTO document_grants (document_id, subject_actor, subject_team, level)
		VALUES ($1, $2, $3, $4)
	`, grant)
}

func (s *PostgresStore) UpdateDocumentGrant(ctx context.Context, documentID string, subjectActor, subjectTeam, level string) error {
	return s.updateGrant(ctx, "document_grants", "document_id", documentID, subjectActor, subjectTeam, level)
}

func (s *PostgresStore) DeleteDocumentGrant(ctx context.Context, documentID string, subjectActor, subjectTeam string) error {
	return s.deleteGrant(ctx, "document_grants", "document_id", documentID, subjectActor, subjectTeam)
}

// --- generic resource grants (the normalized table shape) ---

func (s *PostgresStore) GetResource(ctx context.Context, resourceID string) (Resource, error) {
	var item Resource
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, owner_id, COALESCE(parent_id, '') FROM resources WHERE id=$1
	`, resourceID).Scan(&item.ID, &item.Kind, &item.Name, &item.OwnerID, &item.ParentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertResource(ctx context.Context, item Resource) error {
	var parent any
	if item.ParentID != "" {
		parent = item.ParentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (id, kind, name, owner_id, parent_id)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Kind, item.Name, item.OwnerID, parent)
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResourceGrants(ctx context.Context, resourceID string) ([]GrantRecord, error) {
	return s.listGrants(ctx, `
		SELECT resource_id, COALESCE(subject_actor, ''), COALESCE(subject_team, ''), level, created_at
		FROM resource_grants WHERE resource_id=$1
	`, resourceID)
}

func (s *PostgresStore) InsertResourceGrant(ctx context.Context, grant GrantRecord) error {
	return s.insertGrant(ctx, `
		INSERT INTO resource_grants (resource_id, subject_actor, subject_team, level)
		VALUES ($1, $2, $3, $4)
	`, grant)
}

func (s *PostgresStore) UpdateResourceGrant(ctx context.Context, resourceID string, subjectActor, subjectTeam, level string) error {
	return s.updateGrant(ctx, "resource_grants", "resource_id", resourceID, subjectActor, subjectTeam, level)
}

func (s *PostgresStore) DeleteResourceGrant(ctx context.Context, resourceID string, subjectActor, subjectTeam string) error {
	return s.deleteGrant(ctx, "resource_grants", "resource_id", resourceID, subjectActor, subjectTeam)
}

// --- shared grant helpers ---

func (s *PostgresStore) listGrants(ctx context.Context, query, resourceID string) ([]GrantRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	grants := make([]GrantRecord, 0)
	for rows.Next() {
		var grant GrantRecord
		if err := rows.Scan(&grant.ResourceID, &grant.SubjectActor, &grant.SubjectTeam, &grant.Level, &grant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) insertGrant(ctx context.Context, query string, grant GrantRecord) error {
	var actor, team any
	if grant.SubjectActor != "" {
		actor = grant.SubjectActor
	}
	if grant.SubjectTeam != "" {
		team = grant.SubjectTeam
	}
	if _, err := s.db.ExecContext(ctx, query, grant.ResourceID, actor, team, grant.Level); err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) updateGrant(ctx context.Context, table, keyColumn, resourceID, subjectActor, subjectTeam, level string) error {
	query := `UPDATE ` + table + ` SET level=$4 WHERE ` + keyColumn + `=$1 AND subject_actor IS NOT DISTINCT FROM $2 AND subject_team IS NOT DISTINCT FROM $3`
	result, err := s.db.ExecContext(ctx, query, resourceID, nullable(subjectActor), nullable(subjectTeam), level)
	if err != nil {
		return fmt.Errorf("update grant: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) deleteGrant(ctx context.Context, table, keyColumn, resourceID, subjectActor, subjectTeam string) error {
	query := `DELETE FROM ` + table + ` WHERE ` + keyColumn + `=$1 AND subject_actor IS NOT DISTINCT FROM $2 AND subject_team IS NOT DISTINCT FROM $3`
	result, err := s.db.ExecContext(ctx, query, resourceID, nullable(subjectActor), nullable(subjectTeam))
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	return requireRow(result)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
