package tokenstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcp-funnel/core/internal/secrets"
)

// SQLiteStore persists token material across restarts, encrypted at
// rest with an AgeEncryptor. Grounded on the connection setup (WAL mode,
// single writer) in store/sqlite/sqlite.go and the
// encrypt-before-write / decrypt-after-read pattern in oauth/crypto.go,
// narrowed from that package's full entity store down to one table.
type SQLiteStore struct {
	db        *sql.DB
	encryptor *secrets.AgeEncryptor
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path
// and ensures its schema exists.
func NewSQLiteStore(ctx context.Context, path string, enc *secrets.AgeEncryptor) (*SQLiteStore, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tokens (
			key           TEXT PRIMARY KEY,
			encrypted     BLOB NOT NULL,
			updated_at    TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tokens table: %w", err)
	}

	return &SQLiteStore{db: db, encryptor: enc}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type tokenRecord struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

func (s *SQLiteStore) Store(ctx context.Context, key string, tok TokenData) error {
	rec := tokenRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scopes:       tok.Scopes,
		ExpiresAt:    tok.ExpiresAt,
	}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}
	encrypted, err := s.encryptor.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt token data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (key, encrypted, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
		key, encrypted, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Retrieve(ctx context.Context, key string) (TokenData, error) {
	var encrypted []byte
	err := s.db.QueryRowContext(ctx, `SELECT encrypted FROM tokens WHERE key = ?`, key).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenData{}, ErrNotFound
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("query token: %w", err)
	}

	plaintext, err := s.encryptor.Decrypt(encrypted)
	if err != nil {
		return TokenData{}, fmt.Errorf("decrypt token data: %w", err)
	}
	var rec tokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return TokenData{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		TokenType:    rec.TokenType,
		Scopes:       rec.Scopes,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	tok, err := s.Retrieve(ctx, key)
	if err != nil {
		return false, err
	}
	return tok.IsExpired(now), nil
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM tokens`)
	if err != nil {
		return nil, fmt.Errorf("list token keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
