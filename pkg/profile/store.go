package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/streamrelay/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by Get for an unknown user
var ErrNotFound = errors.New("profile not found")

// Profile is a user's stored configuration
type Profile struct {
	UserID        string    `json:"user_id"`
	Credential    *string   `json:"-"`
	Notifications bool      `json:"notifications"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasCredential reports whether a non-empty credential is stored
func (p Profile) HasCredential() bool {
	return p.Credential != nil && *p.Credential != ""
}

// Store is the durable profile record used by the supervisor and front-end
type Store interface {
	Save(ctx context.Context, userID string, credential *string, notifications bool) error
	Get(ctx context.Context, userID string) (Profile, error)
	List(ctx context.Context) ([]Profile, error)
}

// Config holds SQLite store configuration
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore implements Store on SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the profile database
func Open(cfg Config) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "profile_store").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Profile store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			credential TEXT,
			notifications INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts a profile
func (s *SQLiteStore) Save(ctx context.Context, userID string, credential *string, notifications bool) error {
	if userID == "" {
		return errors.New("user ID is required")
	}

	start := time.Now()
	var cred sql.NullString
	if credential != nil {
		cred = sql.NullString{String: *credential, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, credential, notifications, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			credential = excluded.credential,
			notifications = excluded.notifications,
			updated_at = excluded.updated_at
	`, userID, cred, notifications, time.Now().UnixNano())
	observability.RecordStoreOp("save", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	s.logger.Debug().Str("user_id", userID).Bool("notifications", notifications).Msg("Profile saved")
	return nil
}

// Get returns the profile for userID or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, userID string) (Profile, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, credential, notifications, updated_at FROM profiles WHERE user_id = ?`, userID)

	p, err := scanProfile(row)
	observability.RecordStoreOp("get", time.Since(start), err == nil || errors.Is(err, sql.ErrNoRows))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// List returns every stored profile ordered by user ID
func (s *SQLiteStore) List(ctx context.Context) ([]Profile, error) {
	start := time.Now()
	profiles, err := s.list(ctx)
	observability.RecordStoreOp("list", time.Since(start), err == nil)
	return profiles, err
}

func (s *SQLiteStore) list(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, credential, notifications, updated_at FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

// Count returns the number of stored profiles
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(sc scanner) (Profile, error) {
	var (
		p       Profile
		cred    sql.NullString
		updated int64
	)
	if err := sc.Scan(&p.UserID, &cred, &p.Notifications, &updated); err != nil {
		return Profile{}, err
	}
	if cred.Valid {
		v := cred.String
		p.Credential = &v
	}
	p.UpdatedAt = time.Unix(0, updated)
	return p, nil
}
