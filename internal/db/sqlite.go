package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/RichardoC/pana-chat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    image_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS turns_session_idx ON turns(session_id, id);`

var ErrSessionNotFound = errors.New("session not found")

// Database keeps transcripts of live sessions. Rows are removed when a
// session ends.
type Database struct {
	db *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// a shared in-memory database lives as long as one connection does
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{ID: id, CreatedAt: time.Now().UTC()}
	if _, err := db.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?)`, sess.ID, sess.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func (db *Database) SaveTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO turns (session_id, role, content, image_count, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id`

	err := db.db.QueryRowContext(ctx, query, sessionID, turn.Role, turn.Content, len(turn.Images), turn.CreatedAt).
		Scan(&turn.ID)
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	turn.SessionID = sessionID
	return nil
}

// GetTranscript returns up to limit most recent turns of a session in
// conversation order. A limit of zero or less returns every turn.
func (db *Database) GetTranscript(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	var exists int
	err := db.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = -1
	}
	query := `
        SELECT id, session_id, role, content, created_at
        FROM turns
        WHERE session_id = ?
        ORDER BY id DESC
        LIMIT ?`

	rows, err := db.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]models.Turn, 0)
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest first from the query, oldest first for callers
	slices.Reverse(turns)
	return turns, nil
}

func (db *Database) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// EndSession drops a session and its turns.
func (db *Database) EndSession(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM turns WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return err
	}

	return tx.Commit()
}
