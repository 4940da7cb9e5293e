// Package presence shares ephemeral "who's here" state among peers
// viewing the same document. Entries live in Redis under a TTL keyed to
// the heartbeat interval, so a disconnected peer silently ages out of
// everyone's view. Nothing here is durable or merged with content.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is one peer's advisory record. Cursor is an opaque marker the
// editor surface interprets; this subsystem never reads it. Two peers
// claiming the same actor id are permitted and not reconciled.
type Entry struct {
	ActorID     string          `json:"actorId"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color"`
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// Store keeps presence records in Redis with a TTL of three heartbeat
// intervals: one missed beat is jitter, three is a gone peer.
type Store struct {
	client    *redis.Client
	prefix    string
	heartbeat time.Duration
}

func NewStore(redisURL string, heartbeat time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, heartbeat), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, heartbeat time.Duration) *Store {
	if heartbeat <= 0 {
		heartbeat = 2 * time.Second
	}
	return &Store{
		client:    client,
		prefix:    "presence:",
		heartbeat: heartbeat,
	}
}

func (s *Store) key(documentID, actorID string) string {
	return s.prefix + documentID + ":" + actorID
}

// Heartbeat is the interval at which publishers should refresh their
// record and watchers poll.
func (s *Store) Heartbeat() time.Duration { return s.heartbeat }

// Publish sets or refreshes this device's record for documentID. The
// record becomes visible to peers within one heartbeat.
func (s *Store) Publish(ctx context.Context, documentID string, entry Entry) error {
	if entry.ActorID == "" {
		return fmt.Errorf("presence entry missing actor id")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	ttl := 3 * s.heartbeat
	if err := s.client.Set(ctx, s.key(documentID, entry.ActorID), data, ttl).Err(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Remove drops the record immediately instead of waiting for the TTL.
func (s *Store) Remove(ctx context.Context, documentID, actorID string) error {
	if err := s.client.Del(ctx, s.key(documentID, actorID)).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// List returns the live entries for documentID, sorted by actor id.
func (s *Store) List(ctx context.Context, documentID string) ([]Entry, error) {
	pattern := s.prefix + documentID + ":*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("presence: dropping unreadable entry: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ActorID < entries[j].ActorID })
	return entries, nil
}

// Watch polls documentID at the heartbeat interval and calls fn with
// the full entry set whenever any record is added, updated, or ages
// out. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, documentID string, fn func([]Entry)) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		entries, err := s.List(ctx, documentID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("presence: watch %s: %v", documentID, err)
			continue
		}
		fingerprint, err := json.Marshal(entries)
		if err != nil {
			continue
		}
		if string(fingerprint) != last {
			last = string(fingerprint)
			fn(entries)
		}
	}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
