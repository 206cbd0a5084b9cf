// Package sqlstore implements convcache.Store on a relational database through
// database/sql. PostgreSQL (lib/pq) and SQLite (go-sqlite3) are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"github.com/creastat/convcache"
)

// Dialect names the SQL flavour spoken by the database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const recordColumns = "id, user_id, location_id, metadata, is_active, created_at, updated_at"

// Store implements convcache.Store using database/sql.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens a database with the driver registered for dialect.
func Open(dialect Dialect, dsn string) (*Store, error) {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: unknown sql dialect %q", convcache.ErrInvalidConfig, dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	return NewStore(db, dialect), nil
}

// NewStore wraps an open database. The tables must exist; see Migrate.
func NewStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates the conversation and message tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *Store) schema() []string {
	if s.dialect == DialectPostgres {
		return []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				user_id TEXT NOT NULL,
				location_id TEXT NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS conversations_active_idx
				ON conversations (location_id, user_id) WHERE is_active`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGSERIAL PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id),
				user_id TEXT NOT NULL,
				message_type TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS messages_conversation_idx
				ON messages (conversation_id, user_id, message_type, id)`,
		}
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			location_id TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_active_idx
			ON conversations (location_id, user_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON messages (conversation_id, user_id, message_type, id)`,
	}
}

// FindActive implements convcache.Store.
// Returns nil if no active conversation exists (not an error).
func (s *Store) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("find_active", err)
	}
	defer tx.Rollback()

	var seq int64
	row := tx.QueryRowContext(ctx, s.rebind(
		"SELECT seq, "+recordColumns+" FROM conversations WHERE location_id = ? AND user_id = ? AND is_active = ? ORDER BY seq DESC LIMIT 1"),
		locationID, userID, true)
	rec, err := scanRecord(row, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("find_active", err)
	}

	// Older duplicates are retired so only one active record remains.
	_, err = tx.ExecContext(ctx, s.rebind(
		"UPDATE conversations SET is_active = ?, updated_at = ? WHERE location_id = ? AND user_id = ? AND is_active = ? AND seq < ?"),
		false, time.Now().UTC(), locationID, userID, true, seq)
	if err != nil {
		return nil, classify("find_active", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("find_active", err)
	}
	return rec, nil
}

// Create implements convcache.Store.
func (s *Store) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	now := time.Now().UTC()
	rec := &convcache.Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		LocationID: locationID,
		Metadata:   convcache.CloneMetadata(metadata),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO conversations ("+recordColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)"),
		rec.ID, rec.UserID, rec.LocationID, string(meta), rec.IsActive, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return nil, classify("create", err)
	}
	return rec, nil
}

// Get implements convcache.RecordGetter.
func (s *Store) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+recordColumns+" FROM conversations WHERE id = ?"), conversationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, convcache.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return rec, nil
}

// ListActive implements convcache.Lister.
func (s *Store) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+recordColumns+" FROM conversations WHERE user_id = ? AND is_active = ? ORDER BY seq DESC"),
		userID, true)
	if err != nil {
		return nil, classify("list_active", err)
	}
	defer rows.Close()

	var out []convcache.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("list_active", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_active", err)
	}
	return out, nil
}

// Retire implements convcache.Store.
func (s *Store) Retire(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE conversations SET is_active = ?, updated_at = ? WHERE id = ?"),
		false, time.Now().UTC(), conversationID)
	if err != nil {
		return classify("retire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("retire", err)
	}
	if n == 0 {
		return convcache.ErrNotFound
	}
	return nil
}

// UpdateMetadata implements convcache.Store.
// The merge runs inside a transaction; on PostgreSQL the row is locked.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("update_metadata", err)
	}
	defer tx.Rollback()

	query := "SELECT " + recordColumns + " FROM conversations WHERE id = ?"
	if s.dialect == DialectPostgres {
		query += " FOR UPDATE"
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx, s.rebind(query), conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, convcache.ErrNotFound
	}
	if err != nil {
		return nil, classify("update_metadata", err)
	}

	rec.Metadata = convcache.MergeMetadata(rec.Metadata, patch)
	rec.UpdatedAt = time.Now().UTC()
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		"UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?"),
		string(meta), rec.UpdatedAt, conversationID)
	if err != nil {
		return nil, classify("update_metadata", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("update_metadata", err)
	}
	return rec, nil
}

// AppendMessage implements convcache.Store.
// Returns ErrNotFound if the conversation does not exist or has been retired.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("append_message", err)
	}
	defer tx.Rollback()

	query := "SELECT is_active FROM conversations WHERE id = ?"
	if s.dialect == DialectPostgres {
		query += " FOR SHARE"
	}
	var active bool
	err = tx.QueryRowContext(ctx, s.rebind(query), conversationID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return convcache.ErrNotFound
	}
	if err != nil {
		return classify("append_message", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		"INSERT INTO messages (conversation_id, user_id, message_type, content, created_at) VALUES (?, ?, ?, ?, ?)"),
		conversationID, userID, messageType, content, time.Now().UTC())
	if err != nil {
		return classify("append_message", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("append_message", err)
	}
	return nil
}

// ListMessages implements convcache.Store.
// The newest limit rows are selected in descending order and reversed.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	if err := s.ensureExists(ctx, conversationID); err != nil {
		return nil, err
	}

	query := "SELECT id, conversation_id, user_id, message_type, content, created_at FROM messages " +
		"WHERE conversation_id = ? AND user_id = ? AND message_type = ? ORDER BY id DESC"
	args := []any{conversationID, userID, messageType}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify("list_messages", err)
	}
	defer rows.Close()

	var msgs []convcache.Message
	for rows.Next() {
		var m convcache.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Type, &m.Content, &m.CreatedAt); err != nil {
			return nil, classify("list_messages", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_messages", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Close implements convcache.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureExists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT 1 FROM conversations WHERE id = ?"), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return convcache.ErrNotFound
	}
	if err != nil {
		return classify("exists", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads recordColumns, preceded by any extra destinations.
func scanRecord(row rowScanner, extra ...any) (*convcache.Record, error) {
	var rec convcache.Record
	var meta []byte
	dest := append(extra, &rec.ID, &rec.UserID, &rec.LocationID, &meta, &rec.IsActive, &rec.CreatedAt, &rec.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of conversation %s: %w", rec.ID, err)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	return &rec, nil
}

// Compile-time checks that Store implements the store interfaces.
var (
	_ convcache.Store        = (*Store)(nil)
	_ convcache.RecordGetter = (*Store)(nil)
	_ convcache.Lister       = (*Store)(nil)
)
