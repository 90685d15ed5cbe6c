// Package devstore is the bundled local control plane (§10.2): a
// sqlite-backed identity store plus an HTTP server answering the same
// three RPCs and policy stream a real control plane would, for local
// iteration and integration tests without standing up the production
// service.
package devstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexedwards/argon2id"
	_ "modernc.org/sqlite"
)

// ErrInvalidCredentials is returned by Authenticate when the user is
// unknown or the password does not match its stored hash.
var ErrInvalidCredentials = errors.New("devstore: invalid credentials")

var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Store is a sqlite-backed identity and policy store. Unlike the
// production control plane it holds its own WASM policy bytes directly —
// an operator seeds or replaces them with SeedPolicy, and Server's
// /api/v1/policy stream pushes them to subscribers exactly as the real
// control plane's stream would after an operator publishes a new bundle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, under
// dir's permissions, and ensures its schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("devstore: create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devstore: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("devstore: set journal mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS identities (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			groups_json TEXT NOT NULL DEFAULT '[]',
			expires_at INTEGER NOT NULL DEFAULT 0,
			passthrough INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			wasm_bytecode BLOB NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("devstore: init schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying sqlite connection.
func (s *Store) Close() error { return s.db.Close() }

// CreateIdentity seeds or overwrites one identity, hashing password with
// Argon2id exactly as the teacher's internal/domain/auth.HashKeyArgon2id does
// for long-lived secrets.
func (s *Store) CreateIdentity(ctx context.Context, username, password string, groups []string, expiresAt int64, passthrough bool) error {
	hash, err := argon2id.CreateHash(password, argon2idParams)
	if err != nil {
		return fmt.Errorf("devstore: hash password: %w", err)
	}
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("devstore: marshal groups: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities(username, password_hash, groups_json, expires_at, passthrough)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			groups_json = excluded.groups_json,
			expires_at = excluded.expires_at,
			passthrough = excluded.passthrough`,
		username, hash, string(groupsJSON), expiresAt, boolToInt(passthrough))
	if err != nil {
		return fmt.Errorf("devstore: upsert identity %q: %w", username, err)
	}
	return nil
}

// AuthResult is the outcome of a successful Authenticate call.
type AuthResult struct {
	Groups      []string
	ExpiresAt   int64
	Passthrough bool
}

// Authenticate verifies username/password against the stored Argon2id
// hash, using the teacher's own constant-time comparison idiom via
// argon2id.ComparePasswordAndHash.
func (s *Store) Authenticate(ctx context.Context, username, password string) (AuthResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT password_hash, groups_json, expires_at, passthrough FROM identities WHERE username = ?`, username)

	var hash, groupsJSON string
	var expiresAt int64
	var passthroughInt int
	if err := row.Scan(&hash, &groupsJSON, &expiresAt, &passthroughInt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AuthResult{}, ErrInvalidCredentials
		}
		return AuthResult{}, fmt.Errorf("devstore: lookup identity %q: %w", username, err)
	}

	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return AuthResult{}, fmt.Errorf("devstore: compare password: %w", err)
	}
	if !match {
		return AuthResult{}, ErrInvalidCredentials
	}

	var groups []string
	if err := json.Unmarshal([]byte(groupsJSON), &groups); err != nil {
		return AuthResult{}, fmt.Errorf("devstore: unmarshal groups for %q: %w", username, err)
	}
	return AuthResult{Groups: groups, ExpiresAt: expiresAt, Passthrough: passthroughInt != 0}, nil
}

// SetDataSourceName records the single data source name this dev control
// plane answers GetDataSource with.
func (s *Store) SetDataSourceName(ctx context.Context, name string) error {
	return s.setSetting(ctx, "data_source_name", name)
}

// DataSourceName returns the configured data source name, or "" if unset.
func (s *Store) DataSourceName(ctx context.Context) (string, error) {
	return s.getSetting(ctx, "data_source_name")
}

// SetIntegrationConfigName records the integration name GetIntegrationConfig
// answers with.
func (s *Store) SetIntegrationConfigName(ctx context.Context, name string) error {
	return s.setSetting(ctx, "integration_config_name", name)
}

// IntegrationConfigName returns the configured integration name, or "" if
// unset.
func (s *Store) IntegrationConfigName(ctx context.Context) (string, error) {
	return s.getSetting(ctx, "integration_config_name")
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("devstore: set %q: %w", key, err)
	}
	return nil
}

func (s *Store) getSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("devstore: get %q: %w", key, err)
	}
	return value, nil
}

// SeedPolicy replaces the stored WASM policy module.
func (s *Store) SeedPolicy(ctx context.Context, wasmBytecode []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy(id, wasm_bytecode) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET wasm_bytecode = excluded.wasm_bytecode`, wasmBytecode)
	if err != nil {
		return fmt.Errorf("devstore: seed policy: %w", err)
	}
	return nil
}

// PolicyBytes returns the currently stored WASM policy module, or nil if
// none has been seeded yet.
func (s *Store) PolicyBytes(ctx context.Context) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT wasm_bytecode FROM policy WHERE id = 1`)
	var bytecode []byte
	if err := row.Scan(&bytecode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("devstore: read policy: %w", err)
	}
	return bytecode, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
