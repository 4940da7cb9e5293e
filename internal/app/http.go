package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"inkwell/core/internal/access"
	"inkwell/core/internal/auth"
	"inkwell/core/internal/hub"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/store"
)

type HTTPServer struct {
	service    *Service
	hub        *hub.Hub
	presence   *presence.Store
	corsOrigin string
}

func NewHTTPServer(service *Service, syncHub *hub.Hub, presenceStore *presence.Store, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, hub: syncHub, presence: presenceStore, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/api/documents", s.withSession(s.handleListDocuments)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents", s.withSession(s.handleCreateDocument)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}", s.withSession(s.handleGetDocument)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}", s.withSession(s.handleRenameDocument)).Methods(http.MethodPut)
	r.HandleFunc("/api/documents/{id}", s.withSession(s.handleDeleteDocument)).Methods(http.MethodDelete)
	r.HandleFunc("/api/documents/{id}/save", s.withSession(s.handleSaveDocument)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/lock", s.withSession(s.handleLockDocument)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/sign", s.withSession(s.handleSignDocument)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/visibility", s.withSession(s.handleVisibility)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/access", s.withSession(s.handleDocumentAccess)).Methods(http.MethodGet)

	r.HandleFunc("/api/documents/{id}/presence", s.withSession(s.handleListPresence)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}/presence", s.withSession(s.handlePublishPresence)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/presence", s.withSession(s.handleRemovePresence)).Methods(http.MethodDelete)

	r.HandleFunc("/api/resources", s.withSession(s.handleCreateResource)).Methods(http.MethodPost)

	// Sharing works identically for documents and generic resources.
	r.HandleFunc("/api/{kind:documents|resources}/{id}/grants", s.withSession(s.handleListGrants)).Methods(http.MethodGet)
	r.HandleFunc("/api/{kind:documents|resources}/{id}/grants", s.withSession(s.handleShare)).Methods(http.MethodPost)
	r.HandleFunc("/api/{kind:documents|resources}/{id}/grants", s.withSession(s.handleUpdateGrant)).Methods(http.MethodPut)
	r.HandleFunc("/api/{kind:documents|resources}/{id}/grants/revoke", s.withSession(s.handleRevokeGrant)).Methods(http.MethodPost)

	r.HandleFunc("/ws/{id}", s.handleSync).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			writeJSON(w, http.StatusNoContent, map[string]any{})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"presence": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.presence.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["presence"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		return
	}
	session, err := s.service.Login(r.Context(), strings.TrimSpace(body.Name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"actorId":   session.ActorID,
		"actorName": session.ActorName,
		"color":     session.Color,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"actorId":       session.ActorID,
		"actorName":     session.ActorName,
	})
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	var items []store.Document
	var err error
	if r.URL.Query().Get("scope") == "owned" {
		items, err = s.service.ListOwnedDocuments(r.Context(), session.ActorID)
	} else {
		items, err = s.service.ListAccessibleDocuments(r.Context(), session.ActorID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title   string `json:"title"`
		Private bool   `json:"private"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), session.ActorID, body.Title, body.Private)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request, session Session) {
	doc, level, err := s.service.GetDocument(r.Context(), session.ActorID, mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc, "access": level.String()})
}

func (s *HTTPServer) handleRenameDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.RenameDocument(r.Context(), session.ActorID, mux.Vars(r)["id"], body.Title); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteDocument(r.Context(), session.ActorID, mux.Vars(r)["id"]); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSaveDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		RenderedContent   string `json:"renderedContent"`
		StructuredContent []byte `json:"structuredContent"`
		Version           string `json:"version"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Version == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "version is required", nil)
		return
	}
	doc, err := s.service.SaveDocument(r.Context(), session.ActorID, mux.Vars(r)["id"], body.RenderedContent, body.StructuredContent, body.Version)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document": doc})
}

func (s *HTTPServer) handleLockDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Locked bool `json:"locked"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetLocked(r.Context(), session.ActorID, mux.Vars(r)["id"], body.Locked); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSignDocument(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.CompleteSignature(r.Context(), session.ActorID, mux.Vars(r)["id"]); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleVisibility(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Private bool `json:"private"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetPrivate(r.Context(), session.ActorID, mux.Vars(r)["id"], body.Private); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDocumentAccess(w http.ResponseWriter, r *http.Request, session Session) {
	level, err := s.service.ResolveDocumentAccess(r.Context(), session.ActorID, mux.Vars(r)["id"])
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"level": level.String(), "canEdit": level >= access.Editor})
}

// --- presence ---

func (s *HTTPServer) handleListPresence(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	if err := s.requireViewer(r.Context(), session, documentID); err != nil {
		s.writeMapped(w, err)
		return
	}
	entries, err := s.presence.List(r.Context(), documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list presence", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": entries})
}

func (s *HTTPServer) handlePublishPresence(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	if err := s.requireViewer(r.Context(), session, documentID); err != nil {
		s.writeMapped(w, err)
		return
	}
	var body struct {
		Color  string          `json:"color"`
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entry := presence.Entry{
		ActorID:     session.ActorID,
		DisplayName: session.ActorName,
		Color:       body.Color,
		Cursor:      body.Cursor,
	}
	if err := s.presence.Publish(r.Context(), documentID, entry); err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not publish presence", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ttlSeconds": int(3 * s.presence.Heartbeat() / time.Second)})
}

func (s *HTTPServer) handleRemovePresence(w http.ResponseWriter, r *http.Request, session Session) {
	documentID := mux.Vars(r)["id"]
	if err := s.presence.Remove(r.Context(), documentID, session.ActorID); err != nil {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not remove presence", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- resources and sharing ---

func (s *HTTPServer) handleCreateResource(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Kind     string `json:"kind"`
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateResource(r.Context(), session.ActorID, body.Kind, body.Name, body.ParentID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"resource": item})
}

func refFromRequest(r *http.Request) ResourceRef {
	vars := mux.Vars(r)
	kind := "resource"
	if vars["kind"] == "documents" {
		kind = "document"
	}
	return ResourceRef{Kind: kind, ID: vars["id"]}
}

func (s *HTTPServer) handleListGrants(w http.ResponseWriter, r *http.Request, session Session) {
	grants, err := s.service.ListGrants(r.Context(), session.ActorID, refFromRequest(r))
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Subjects []SubjectInput `json:"subjects"`
		Level    string         `json:"level"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	notified, err := s.service.Share(r.Context(), session.ActorID, refFromRequest(r), body.Subjects, body.Level)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "notified": notified})
}

func (s *HTTPServer) handleUpdateGrant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Subject SubjectInput `json:"subject"`
		Level   string       `json:"level"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.UpdateGrant(r.Context(), session.ActorID, refFromRequest(r), body.Subject, body.Level); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRevokeGrant(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Subject SubjectInput `json:"subject"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.RevokeGrant(r.Context(), session.ActorID, refFromRequest(r), body.Subject); err != nil {
		s.writeMapped(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- sync transport ---

// handleSync upgrades the connection to the realtime sync channel.
// Browsers cannot set Authorization on websocket dials, so the token
// also rides a query parameter.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	documentID := mux.Vars(r)["id"]
	level, err := s.service.ResolveDocumentAccess(r.Context(), session.ActorID, documentID)
	if err != nil {
		s.writeMapped(w, err)
		return
	}
	if level < access.Viewer {
		s.writeMapped(w, errForbidden("no access to this document"))
		return
	}
	s.hub.ServeWS(w, r, documentID, session.ActorID, level >= access.Editor)
}

func (s *HTTPServer) requireViewer(ctx context.Context, session Session, documentID string) error {
	level, err := s.service.ResolveDocumentAccess(ctx, session.ActorID, documentID)
	if err != nil {
		return err
	}
	if level < access.Viewer {
		return errForbidden("no access to this document")
	}
	return nil
}

// --- session plumbing and middleware ---

type sessionHandler func(http.ResponseWriter, *http.Request, Session)

func (s *HTTPServer) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) writeMapped(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			setCORSHeaders(writer.Header(), s.corsOrigin)
			writer.Header().Set("X-Request-ID", requestID)
		}

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade pass through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
