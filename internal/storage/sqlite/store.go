// Package sqlite provides a SQLite implementation of the storage interfaces.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/recallhq/recall/internal/storage"
	"github.com/recallhq/recall/pkg/types"
)

// Store implements storage.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens a SQLite database, configures WAL mode, and creates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load.
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s failed: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert persists a new memory entry.
func (s *Store) Insert(ctx context.Context, entry *types.MemoryEntry) error {
	if entry == nil {
		return fmt.Errorf("%w: nil entry", types.ErrInvalidInput)
	}
	if entry.ID == "" {
		return fmt.Errorf("%w: entry ID is required", types.ErrInvalidInput)
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	keywordsJSON, err := marshalKeywords(entry.Keywords)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO memories (id, user_id, content, category, importance, keywords, embedding, created_at, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID, entry.UserID, entry.Content, string(entry.Category),
		entry.Importance, keywordsJSON, encodeEmbedding(entry.Embedding),
		entry.CreatedAt.UTC(), nullableTime(entry.LastAccessedAt), entry.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to insert entry: %w", err)
	}
	return nil
}

// LoadAll returns every memory entry for a user, oldest first.
func (s *Store) LoadAll(ctx context.Context, userID string) ([]types.MemoryEntry, error) {
	query := `
		SELECT id, user_id, content, category, importance, keywords, embedding, created_at, last_accessed_at, access_count
		FROM memories
		WHERE user_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load entries: %w", err)
	}
	defer rows.Close()

	entries := []types.MemoryEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: row iteration failed: %w", err)
	}
	return entries, nil
}

// UpdateEmbedding attaches a computed embedding to an existing entry.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("%w: embedding cannot be empty", types.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ? WHERE id = ?`,
		encodeEmbedding(embedding), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update embedding: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpdateAccessStats bumps access stats for the given entry IDs.
// Missing IDs are skipped without error.
func (s *Store) UpdateAccessStats(ctx context.Context, ids []string, accessedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, accessedAt.UTC())
	for _, id := range ids {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE memories
		SET last_accessed_at = ?, access_count = access_count + 1
		WHERE id IN (%s)
	`, placeholders)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: failed to update access stats: %w", err)
	}
	return nil
}

// Delete removes an entry owned by the given user.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountByCategory returns per-category entry counts for a user.
func (s *Store) CountByCategory(ctx context.Context, userID string) (map[types.Category]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM memories WHERE user_id = ? GROUP BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Category]int)
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan count: %w", err)
		}
		counts[types.Category(category)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: row iteration failed: %w", err)
	}
	return counts, nil
}

// AppendMessage appends one conversation message to the log.
func (s *Store) AppendMessage(ctx context.Context, msg *types.ConversationMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", types.ErrInvalidInput)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, conversation_id, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.UserID, msg.ConversationID, msg.Role, msg.Text, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append message: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanEntry reads one memories row.
func scanEntry(rows *sql.Rows) (types.MemoryEntry, error) {
	var (
		entry        types.MemoryEntry
		category     string
		keywordsJSON sql.NullString
		embedding    []byte
		lastAccessed sql.NullTime
	)

	err := rows.Scan(&entry.ID, &entry.UserID, &entry.Content, &category,
		&entry.Importance, &keywordsJSON, &embedding,
		&entry.CreatedAt, &lastAccessed, &entry.AccessCount)
	if err != nil {
		return types.MemoryEntry{}, fmt.Errorf("sqlite: failed to scan entry: %w", err)
	}

	entry.Category = types.Category(category)
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &entry.Keywords); err != nil {
			return types.MemoryEntry{}, fmt.Errorf("sqlite: failed to unmarshal keywords: %w", err)
		}
	}
	entry.Embedding = decodeEmbedding(embedding)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		entry.LastAccessedAt = &t
	}
	return entry, nil
}

func marshalKeywords(keywords []string) (sql.NullString, error) {
	if len(keywords) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(keywords)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlite: failed to marshal keywords: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// encodeEmbedding serialises a vector as little-endian float32 bytes.
// A nil or empty vector maps to a NULL column.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding is the inverse of encodeEmbedding. Truncated or empty
// blobs decode to nil.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(buf)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding
}
