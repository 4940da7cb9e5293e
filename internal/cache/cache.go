// Package cache persists replica snapshots on the local device so a
// reopened session restores without waiting on the network. The cache
// is advisory: the backend store stays the source of truth for
// cross-device state.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var ErrClosed = errors.New("cache closed")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	document_id TEXT PRIMARY KEY,
	snapshot    BLOB NOT NULL,
	saved_at    INTEGER NOT NULL
);
`

type write struct {
	documentID string
	snapshot   []byte
}

// Cache is a per-device snapshot store backed by a single SQLite file.
// Snapshots are opaque bytes; the cache never interprets content.
//
// Put enqueues asynchronously so the replica never blocks on disk;
// Close drains the queue before releasing the database.
type Cache struct {
	pool *sqlitex.Pool
	path string

	mu      sync.Mutex
	closed  bool
	queue   chan write
	flushCh chan chan struct{}
	done    chan struct{}
}

// Open creates or opens the cache database at path.
func Open(path string) (*Cache, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: 2,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}

	c := &Cache{
		pool:    pool,
		path:    path,
		queue:   make(chan write, 64),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go c.writer()
	return c, nil
}

func (c *Cache) writer() {
	defer close(c.done)
	for {
		select {
		case w, ok := <-c.queue:
			if !ok {
				return
			}
			c.write(w)
		case ack := <-c.flushCh:
			c.drain()
			close(ack)
		}
	}
}

func (c *Cache) drain() {
	for {
		select {
		case w, ok := <-c.queue:
			if !ok {
				return
			}
			c.write(w)
		default:
			return
		}
	}
}

func (c *Cache) write(w write) {
	if err := c.store(context.Background(), w.documentID, w.snapshot); err != nil {
		// A failed advisory write loses nothing the backend does not
		// already guarantee; log and keep going.
		log.Printf("cache: write %s: %v", w.documentID, err)
	}
}

func (c *Cache) store(ctx context.Context, documentID string, snapshot []byte) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO snapshots (document_id, snapshot, saved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET snapshot=excluded.snapshot, saved_at=excluded.saved_at
	`, &sqlitex.ExecOptions{
		Args: []any{documentID, snapshot, time.Now().UnixMilli()},
	})
}

// Load returns the last persisted snapshot for documentID, or ok=false
// when none exists.
func (c *Cache) Load(ctx context.Context, documentID string) ([]byte, bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer c.pool.Put(conn)

	var snapshot []byte
	found := false
	err = sqlitex.Execute(conn, `SELECT snapshot FROM snapshots WHERE document_id = ?`, &sqlitex.ExecOptions{
		Args: []any{documentID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			snapshot = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, snapshot)
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return snapshot, found, nil
}

// Put enqueues a snapshot write. It never blocks the caller on disk;
// when the queue is full the write happens inline instead of being
// dropped.
func (c *Cache) Put(documentID string, snapshot []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	w := write{documentID: documentID, snapshot: snapshot}
	select {
	case c.queue <- w:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()
	return c.store(context.Background(), documentID, snapshot)
}

// Flush blocks until every write enqueued before the call has reached
// the database.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ack := make(chan struct{})
	c.flushCh <- ack
	c.mu.Unlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete removes the snapshot for documentID, for when a document is
// deleted on the backend.
func (c *Cache) Delete(ctx context.Context, documentID string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)
	return sqlitex.Execute(conn, `DELETE FROM snapshots WHERE document_id = ?`, &sqlitex.ExecOptions{
		Args: []any{documentID},
	})
}

// Close drains pending writes and releases the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done
	return c.pool.Close()
}
