// Package journal records bridge traffic in a SQLite database so the
// daemon can answer history queries after the in-memory queue is drained.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/proto"
)

// Direction tells inbound events from outbound actions.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Entry is one journaled message.
type Entry struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	Kind      string          `json:"kind"`
	PeerID    string          `json:"peerId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// Query filters Recent.
type Query struct {
	// Kind restricts results to one event kind or action.
	Kind string
	// Since excludes entries older than this Unix millisecond timestamp.
	Since int64
	// Limit caps the result; 0 means 50.
	Limit int
}

// Store owns the SQLite database for a profile.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			direction TEXT NOT NULL CHECK (direction IN ('in','out')),
			kind TEXT NOT NULL,
			peer_id TEXT,
			payload TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_kind_created ON entries(kind, created_at);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// RecordEvent journals an event read from the bridge.
func (s *Store) RecordEvent(ctx context.Context, ev proto.Event) (Entry, error) {
	return s.Append(ctx, Entry{Direction: Inbound, Kind: string(ev.Kind), PeerID: ev.PeerID, Payload: ev.Payload})
}

// RecordSend journals an action this client sent.
func (s *Store) RecordSend(ctx context.Context, send proto.Send) (Entry, error) {
	return s.Append(ctx, Entry{Direction: Outbound, Kind: send.Action, PeerID: send.PeerID, Payload: send.Payload})
}

// Append stores e, assigning an ID and timestamp when missing.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.Kind == "" {
		return Entry{}, errors.New("entry kind required")
	}
	if e.Direction != Inbound && e.Direction != Outbound {
		return Entry{}, fmt.Errorf("invalid direction %q", e.Direction)
	}
	if e.ID == "" {
		e.ID = core.NewID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	var payload, peer *string
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		p := string(e.Payload)
		payload = &p
	}
	if e.PeerID != "" {
		peer = &e.PeerID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO entries(id, direction, kind, peer_id, payload, created_at) VALUES(?,?,?,?,?,?)`,
		e.ID, string(e.Direction), e.Kind, peer, payload, e.CreatedAt)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Recent returns matching entries, oldest first, ending with the newest.
func (s *Store) Recent(ctx context.Context, q Query) ([]Entry, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	if q.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since)
	}
	stmt := "SELECT id, direction, kind, peer_id, payload, created_at FROM entries"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	// ULIDs sort by creation time, breaking ties within a millisecond.
	stmt += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			direction string
			peer      *string
			payload   *string
		)
		if err := rows.Scan(&e.ID, &direction, &e.Kind, &peer, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Direction = Direction(direction)
		if peer != nil {
			e.PeerID = *peer
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
