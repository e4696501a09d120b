package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/webpush-libs/webpush-go"
)

const recordColumns = "id, user_id, endpoint, p256dh, auth, vapid_key, created_at, updated_at"

// SQLite implements storage using SQLite.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// dsn is the data source name, e.g., "webpush.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			endpoint TEXT NOT NULL UNIQUE,
			p256dh TEXT NOT NULL,
			auth TEXT NOT NULL,
			vapid_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_user_id ON subscriptions(user_id);
		CREATE INDEX IF NOT EXISTS idx_vapid_key ON subscriptions(vapid_key);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Save stores or updates a subscription. A record without an ID is given
// one.
func (s *SQLite) Save(ctx context.Context, record *Record) error {
	if err := validate(record); err != nil {
		return err
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM subscriptions WHERE endpoint = ? AND id != ?",
		record.Subscription.Endpoint, record.ID); err != nil {
		return fmt.Errorf("replacing subscription: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			vapid_key = excluded.vapid_key,
			updated_at = excluded.updated_at
	`,
		record.ID,
		record.UserID,
		record.Subscription.Endpoint,
		record.Subscription.Keys.P256dh,
		record.Subscription.Keys.Auth,
		record.VAPIDKey,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving subscription: %w", err)
	}
	return tx.Commit()
}

// Get retrieves a subscription by ID.
func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM subscriptions WHERE id = ?", id)
	return scanRecord(row)
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (s *SQLite) GetByEndpoint(ctx context.Context, endpoint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM subscriptions WHERE endpoint = ?", endpoint)
	return scanRecord(row)
}

// GetByUserID retrieves all subscriptions for a user.
func (s *SQLite) GetByUserID(ctx context.Context, userID string) ([]*Record, error) {
	return s.query(ctx, "WHERE user_id = ? ORDER BY created_at DESC, id", userID)
}

// GetByVAPIDKey retrieves all subscriptions for a specific VAPID key.
func (s *SQLite) GetByVAPIDKey(ctx context.Context, vapidKey string) ([]*Record, error) {
	return s.query(ctx, "WHERE vapid_key = ? ORDER BY created_at DESC, id", vapidKey)
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (s *SQLite) CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subscriptions WHERE vapid_key = ?", vapidKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting subscriptions: %w", err)
	}
	return n, nil
}

// Delete removes a subscription by ID.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	return s.deleteWhere(ctx, "DELETE FROM subscriptions WHERE id = ?", id)
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (s *SQLite) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	return s.deleteWhere(ctx, "DELETE FROM subscriptions WHERE endpoint = ?", endpoint)
}

// List returns subscriptions newest first, with pagination.
func (s *SQLite) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	return s.query(ctx, "ORDER BY created_at DESC, id LIMIT ? OFFSET ?", limit, offset)
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) query(ctx context.Context, clause string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM subscriptions "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *SQLite) deleteWhere(ctx context.Context, query string, arg string) error {
	result, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r      Record
		sub    webpush.Subscription
		userID sql.NullString
	)
	err := row.Scan(&r.ID, &userID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &r.VAPIDKey, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	r.UserID = userID.String
	r.Subscription = &sub
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}
