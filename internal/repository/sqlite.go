// Package repository persists the control-plane registry of rooms, memberships and
// run-requests.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/coderoom/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the control-plane persistence API.
type Store interface {
	CreateRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	AddMember(ctx context.Context, m *domain.Membership) error
	GetMembership(ctx context.Context, roomID, userID string) (*domain.Membership, error)
	ListMembers(ctx context.Context, roomID string) ([]domain.Membership, error)
	CreateExecution(ctx context.Context, e *domain.Execution) error
	CompleteExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, output string) error
	ListExecutions(ctx context.Context, roomID string, limit int) ([]domain.Execution, error)
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			room_id TEXT PRIMARY KEY,
			title TEXT,
			creator_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, user_id),
			FOREIGN KEY (room_id) REFERENCES rooms(room_id)
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			language TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (room_id) REFERENCES rooms(room_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_room ON executions(room_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRoom registers a room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, room *domain.Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, title, creator_id, created_at) VALUES (?, ?, ?, ?)`,
		room.RoomID, nullString(room.Title), room.CreatorID, room.CreatedAt)
	return err
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	var room domain.Room
	var title sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, title, creator_id, created_at FROM rooms WHERE room_id = ?`,
		roomID).Scan(&room.RoomID, &title, &room.CreatorID, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	room.Title = title.String
	return &room, nil
}

// AddMember records a membership. Adding an existing member keeps the original row.
func (s *SQLiteStore) AddMember(ctx context.Context, m *domain.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (room_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
		m.RoomID, m.UserID, string(m.Role), m.JoinedAt)
	return err
}

// GetMembership retrieves the membership of userID in roomID.
func (s *SQLiteStore) GetMembership(ctx context.Context, roomID, userID string) (*domain.Membership, error) {
	var m domain.Membership
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&m.RoomID, &m.UserID, &role, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	return &m, nil
}

// ListMembers returns the members of a room in join order.
func (s *SQLiteStore) ListMembers(ctx context.Context, roomID string) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, role, joined_at FROM memberships WHERE room_id = ? ORDER BY joined_at ASC, user_id ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.Membership
	for rows.Next() {
		var m domain.Membership
		var role string
		if err := rows.Scan(&m.RoomID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// CreateExecution records a new run-request.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (execution_id, room_id, user_id, language, status, output, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.RoomID, e.UserID, e.Language, string(e.Status), nullString(e.Output), e.CreatedAt)
	return err
}

// CompleteExecution stores the outcome of a run-request.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, output string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, completed_at = ? WHERE execution_id = ?`,
		string(status), output, time.Now(), executionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExecutions returns the most recent run-requests of a room, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, roomID string, limit int) ([]domain.Execution, error) {
	query := `SELECT execution_id, room_id, user_id, language, status, output, created_at, completed_at
		FROM executions WHERE room_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var status string
		var output sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ExecutionID, &e.RoomID, &e.UserID, &e.Language, &status, &output, &e.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		e.Output = output.String
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
