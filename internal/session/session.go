// Package session runs the client side of a live document: one replica
// per open document, mirrored to the local cache on every change,
// streamed over the sync transport when it is up, and checkpointed to
// the backend on a debounced schedule. Sessions are reference counted
// so two views of the same document share one replica.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"inkwell/core/internal/cache"
	"inkwell/core/internal/presence"
	"inkwell/core/internal/replica"
	"inkwell/core/internal/transport"
	"inkwell/core/internal/wire"
)

// ErrReadOnly means the actor's access level or a lock forbids edits.
// The document still renders and still receives remote changes.
var ErrReadOnly = errors.New("document is read-only for this session")

// Backend is the authoritative store for checkpoints. LoadDocument
// reports whether the current actor may edit; SaveDocument returns
// ConflictError when expectedVersion is stale.
type Backend interface {
	LoadDocument(ctx context.Context, documentID string) (structured []byte, version string, editable bool, err error)
	SaveDocument(ctx context.Context, documentID, rendered string, structured []byte, expectedVersion string) (newVersion string, err error)
}

// ConflictError carries the authoritative state so the session can
// rebase by merging instead of failing the save.
type ConflictError struct {
	Version    string
	Structured []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("checkpoint conflict: current version is %s", e.Version)
}

type Options struct {
	// BaseURL of the sync relay. Empty disables the transport; the
	// session still works against cache and backend.
	BaseURL string
	Token   string

	Backend  Backend
	Cache    *cache.Cache
	Presence *presence.Store

	// Actor identifies this site in replica element ids and in presence
	// announcements.
	Actor presence.Entry

	SaveDebounce time.Duration

	// OnPresence receives presence frames relayed by peers.
	OnPresence func(documentID string, entry presence.Entry)
}

type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options) *Manager {
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = time.Second
	}
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

// Open returns the live session for documentID, creating it on first
// use. Every Open must be paired with one Release.
func (m *Manager) Open(ctx context.Context, documentID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[documentID]; ok {
		s.refs++
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	s, err := m.start(ctx, documentID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[documentID]; ok {
		// Lost a race with a concurrent Open; keep the first one.
		existing.refs++
		m.mu.Unlock()
		s.teardown()
		return existing, nil
	}
	m.sessions[documentID] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) start(ctx context.Context, documentID string) (*Session, error) {
	s := &Session{
		manager:    m,
		documentID: documentID,
		rep:        replica.New(m.opts.Actor.ActorID),
		refs:       1,
		editable:   true,
	}

	// Cached snapshot first, so the document opens instantly and works
	// offline.
	if m.opts.Cache != nil {
		if raw, ok, err := m.opts.Cache.Load(ctx, documentID); err == nil && ok {
			if snap, err := replica.DecodeSnapshot(raw); err == nil {
				if err := s.rep.Load(snap); err != nil {
					log.Printf("session: cached snapshot for %s: %v", documentID, err)
				}
			}
		}
	}

	// Authoritative state layered on top when the backend answers.
	if m.opts.Backend != nil {
		structured, version, editable, err := m.opts.Backend.LoadDocument(ctx, documentID)
		if err != nil {
			log.Printf("session: backend load %s: %v (continuing from cache)", documentID, err)
		} else {
			s.version = version
			s.editable = editable
			if len(structured) > 0 {
				if snap, err := replica.DecodeSnapshot(structured); err == nil {
					if err := s.rep.Merge(snap); err != nil {
						log.Printf("session: merge backend state for %s: %v", documentID, err)
					}
				}
			}
		}
	}

	s.saver = NewSaver(m.opts.SaveDebounce, s.checkpoint)
	s.rep.Subscribe(s.onUpdate)

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if m.opts.BaseURL != "" {
		conn, err := transport.Dial(runCtx, m.opts.BaseURL, documentID, m.opts.Token, nil)
		if err != nil {
			cancel()
			return nil, err
		}
		s.conn = conn
		go s.receiveLoop()
	}
	if m.opts.Presence != nil {
		go s.heartbeatLoop(runCtx)
	}
	return s, nil
}

// Session is one open document. Safe for concurrent use.
type Session struct {
	manager    *Manager
	documentID string
	rep        *replica.Replica
	conn       *transport.Conn
	saver      *Saver
	cancel     context.CancelFunc

	mu       sync.Mutex
	refs     int
	version  string
	editable bool
}

func (s *Session) DocumentID() string { return s.documentID }

func (s *Session) Text() string { return s.rep.Render() }

func (s *Session) Len() int { return s.rep.Len() }

func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) Editable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editable
}

// Connected reports whether the sync channel is up. Edits succeed
// either way.
func (s *Session) Connected() bool {
	return s.conn != nil && s.conn.Connected()
}

func (s *Session) Insert(index int, text string) error {
	if !s.Editable() {
		return ErrReadOnly
	}
	_, err := s.rep.InsertAt(index, text)
	return err
}

func (s *Session) Delete(index, n int) error {
	if !s.Editable() {
		return ErrReadOnly
	}
	_, err := s.rep.DeleteAt(index, n)
	return err
}

// AnnounceCursor shares this actor's cursor with connected peers.
// Dropped silently while the transport is down; cursors are ephemeral.
func (s *Session) AnnounceCursor(cursor json.RawMessage) {
	if s.conn == nil {
		return
	}
	entry := s.manager.opts.Actor
	entry.Cursor = cursor
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.conn.Send(wire.Frame{Kind: wire.KindPresence, Payload: payload}); err != nil &&
		!errors.Is(err, transport.ErrTransportUnavailable) && !errors.Is(err, transport.ErrClosed) {
		log.Printf("session: announce cursor for %s: %v", s.documentID, err)
	}
}

// onUpdate runs after every replica change, local or remote: forward
// local deltas to peers, mirror the snapshot to the cache, and arm the
// debounced checkpoint.
func (s *Session) onUpdate(u replica.Update) {
	if !u.Remote && s.conn != nil {
		payload, err := replica.EncodeDelta(u.Delta)
		if err != nil {
			log.Printf("session: encode delta for %s: %v", s.documentID, err)
		} else if err := s.conn.Send(wire.Frame{Kind: wire.KindDelta, Payload: payload}); err != nil &&
			!errors.Is(err, transport.ErrTransportUnavailable) && !errors.Is(err, transport.ErrClosed) {
			log.Printf("session: send delta for %s: %v", s.documentID, err)
		}
	}
	s.persist()
	s.saver.Notify()
}

func (s *Session) persist() {
	if s.manager.opts.Cache == nil {
		return
	}
	raw, err := replica.EncodeSnapshot(s.rep.Snapshot())
	if err != nil {
		log.Printf("session: encode snapshot for %s: %v", s.documentID, err)
		return
	}
	if err := s.manager.opts.Cache.Put(s.documentID, raw); err != nil && !errors.Is(err, cache.ErrClosed) {
		log.Printf("session: cache %s: %v", s.documentID, err)
	}
}

func (s *Session) receiveLoop() {
	for frame := range s.conn.Frames() {
		switch frame.Kind {
		case wire.KindDelta:
			delta, err := replica.DecodeDelta(frame.Payload)
			if err != nil {
				log.Printf("session: dropping delta for %s: %v", s.documentID, err)
				continue
			}
			if err := s.rep.ApplyRemote(delta); err != nil {
				log.Printf("session: apply delta for %s: %v", s.documentID, err)
			}
		case wire.KindSyncState:
			if len(frame.Payload) == 0 {
				continue
			}
			snap, err := replica.DecodeSnapshot(frame.Payload)
			if err != nil {
				log.Printf("session: dropping sync state for %s: %v", s.documentID, err)
				continue
			}
			if err := s.rep.Merge(snap); err != nil {
				log.Printf("session: merge sync state for %s: %v", s.documentID, err)
				continue
			}
			s.persist()
		case wire.KindPresence:
			fn := s.manager.opts.OnPresence
			if fn == nil {
				continue
			}
			var entry presence.Entry
			if err := json.Unmarshal(frame.Payload, &entry); err == nil {
				fn(s.documentID, entry)
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	store := s.manager.opts.Presence
	publish := func() {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Publish(hctx, s.documentID, s.manager.opts.Actor); err != nil {
			log.Printf("session: presence heartbeat for %s: %v", s.documentID, err)
		}
	}
	publish()

	ticker := time.NewTicker(store.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// checkpoint saves the current state to the backend. A stale version
// token triggers a rebase: merge the authoritative snapshot, adopt its
// version, and save once more. CRDT merge makes the retry safe; no
// edits are discarded on either side.
func (s *Session) checkpoint() {
	backend := s.manager.opts.Backend
	if backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for attempt := 0; attempt < 3; attempt++ {
		raw, err := replica.EncodeSnapshot(s.rep.Snapshot())
		if err != nil {
			log.Printf("session: encode checkpoint for %s: %v", s.documentID, err)
			return
		}

		s.mu.Lock()
		expected := s.version
		s.mu.Unlock()

		newVersion, err := backend.SaveDocument(ctx, s.documentID, s.rep.Render(), raw, expected)
		if err == nil {
			s.mu.Lock()
			s.version = newVersion
			s.mu.Unlock()
			return
		}

		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if len(conflict.Structured) > 0 {
				if snap, derr := replica.DecodeSnapshot(conflict.Structured); derr == nil {
					if merr := s.rep.Merge(snap); merr != nil {
						log.Printf("session: rebase %s: %v", s.documentID, merr)
						return
					}
				}
			}
			s.mu.Lock()
			s.version = conflict.Version
			s.mu.Unlock()
			continue
		}

		log.Printf("session: checkpoint %s: %v", s.documentID, err)
		return
	}
	log.Printf("session: checkpoint %s: still conflicting after rebase, will retry on next change", s.documentID)
}

// Release drops one reference. The last release flushes any pending
// checkpoint, drains the cache queue, closes the transport, and clears
// this actor's presence.
func (s *Session) Release() {
	m := s.manager
	m.mu.Lock()
	s.refs--
	if s.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.documentID)
	m.mu.Unlock()

	s.teardown()
}

func (s *Session) teardown() {
	m := s.manager

	s.saver.Close()

	if s.conn != nil {
		s.conn.Close()
	}
	s.cancel()

	if m.opts.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.opts.Presence.Remove(ctx, s.documentID, m.opts.Actor.ActorID); err != nil {
			log.Printf("session: clear presence for %s: %v", s.documentID, err)
		}
		cancel()
	}
	if m.opts.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.opts.Cache.Flush(ctx); err != nil && !errors.Is(err, cache.ErrClosed) {
			log.Printf("session: flush cache for %s: %v", s.documentID, err)
		}
		cancel()
	}
}
