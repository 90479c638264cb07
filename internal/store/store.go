// Package store persists session records and chat history in sqlite.
package store

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

	"github.com/buildkite/coderoom/internal/paths"
	"github.com/buildkite/coderoom/internal/protocol"
	"github.com/buildkite/coderoom/internal/session"
	_ "modernc.org/sqlite"
)

type Options struct {
	// Path is the database file. Empty selects the default data directory.
	Path string
}

// Store implements session.Store.
type Store struct {
	path string
	db   *sql.DB
}

var _ session.Store = (*Store)(nil)

func Open(ctx context.Context, opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		var err error
		path, err = paths.StoreDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve store database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory for %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store database %q: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{path: path, db: db}
	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			language TEXT NOT NULL,
			code TEXT NOT NULL,
			version INTEGER NOT NULL,
			public INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			body TEXT NOT NULL,
			kind TEXT NOT NULL,
			metadata_json TEXT NOT NULL,
			sent_at_unix_nano INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("initialise store schema: %w", err)
	}
	return nil
}

func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("missing session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, owner_id, language, code, version, public, created_at_unix, updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			owner_id = excluded.owner_id,
			language = excluded.language,
			code = excluded.code,
			version = excluded.version,
			public = excluded.public,
			updated_at_unix = excluded.updated_at_unix
	`,
		rec.ID,
		rec.Name,
		rec.OwnerID,
		rec.Language,
		rec.Code,
		rec.Version,
		boolToInt(rec.Public),
		rec.CreatedAt.Unix(),
		rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (session.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_id, language, code, version, public, created_at_unix, updated_at_unix
		FROM sessions
		WHERE id = ?
	`, id)

	var (
		rec           session.Record
		public        int
		createdAtUnix int64
		updatedAtUnix int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.Language, &rec.Code, &rec.Version, &public, &createdAtUnix, &updatedAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, false, nil
	}
	if err != nil {
		return session.Record{}, false, fmt.Errorf("load session %s: %w", id, err)
	}
	rec.Public = public != 0
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
	return rec, true, nil
}

// ListSessions returns every persisted session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, language, code, version, public, created_at_unix, updated_at_unix
		FROM sessions
		ORDER BY updated_at_unix DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var (
			rec           session.Record
			public        int
			createdAtUnix int64
			updatedAtUnix int64
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.Language, &rec.Code, &rec.Version, &public, &createdAtUnix, &updatedAtUnix); err != nil {
			return nil, err
		}
		rec.Public = public != 0
		rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		rec.UpdatedAt = time.Unix(updatedAtUnix, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendMessage(ctx context.Context, msg protocol.ChatMessage) error {
	metadataJSON, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, user_id, username, body, kind, metadata_json, sent_at_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		msg.ID,
		msg.SessionID,
		msg.UserID,
		msg.Username,
		msg.Message,
		string(msg.Type),
		metadataJSON,
		msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", msg.SessionID, err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, username, body, kind, metadata_json, sent_at_unix_nano
		FROM (
			SELECT * FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []protocol.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (protocol.ChatMessage, error) {
	var (
		msg          protocol.ChatMessage
		kind         string
		metadataJSON string
		sentAtNano   int64
	)
	if err := s.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Username, &msg.Message, &kind, &metadataJSON, &sentAtNano); err != nil {
		return protocol.ChatMessage{}, err
	}
	metadata, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	msg.Type = protocol.ChatKind(kind)
	msg.Metadata = metadata
	msg.Timestamp = time.Unix(0, sentAtNano).UTC()
	return msg, nil
}

func marshalMetadata(values map[string]string) (string, error) {
	if len(values) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal chat metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("parse chat metadata: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
