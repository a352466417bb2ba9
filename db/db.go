// Package db provides the Postgres connection, schema migration, the image
// record store, and the encrypted OAuth token store.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/codetalk/imgrelay/crypto"
)

var (
	encryptor     crypto.Encryptor
	encryptorOnce sync.Once
	encryptorErr  error
)

// initEncryptor initializes the token encryptor from ENCRYPTION_KEY. When the
// key is unset, tokens are stored in plaintext (encryption_version = 0).
func initEncryptor() {
	encryptorOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, imgur tokens will be stored in plaintext", slog.String("component", "db_encryption"))
			return
		}
		enc, err := crypto.NewAESEncryptor(key)
		if err != nil {
			encryptorErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("error", encryptorErr), slog.String("component", "db_encryption"))
			return
		}
		encryptor = enc
		slog.Info("imgur token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
}

func getEncryptor() (crypto.Encryptor, error) {
	initEncryptor()
	if encryptorErr != nil {
		return nil, encryptorErr
	}
	return encryptor, nil
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS images (
			file_id TEXT PRIMARY KEY,
			received_at TIMESTAMPTZ,
			username TEXT,
			chat_id BIGINT,
			message_id BIGINT,
			caption TEXT,
			ext TEXT,
			remote_path TEXT,
			local_path TEXT,
			hosted_url TEXT,
			finished BOOLEAN DEFAULT FALSE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_finished ON images(finished)`,
		`CREATE INDEX IF NOT EXISTS idx_images_received_at ON images(received_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertOAuthToken stores or updates the OAuth token row for a provider
// (here: imgur). Tokens are encrypted when ENCRYPTION_KEY is configured;
// encryption_version=1 marks encrypted rows, 0 plaintext.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	encKeyID := ""
	accessToStore := access
	refreshToStore := refresh
	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		if access != "" {
			if accessToStore, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refreshToStore, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, provider, accessToStore, refreshToStore, expiry, scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken retrieves the stored token row for a provider; zero values if
// absent. Encrypted rows (version=1) are decrypted transparently; plaintext
// rows (version=0) are returned as stored.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	var encKeyID sql.NullString
	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access != "" {
			if access, err = crypto.DecryptString(enc, access); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.DecryptString(enc, refresh); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return access, refresh, expiry, scope, nil
}

// TokenStoreAdapter implements imgur.TokenStore on top of the oauth_tokens table.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, accessToken, refreshToken, expiry, scope)
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	return GetOAuthToken(ctx, t.DB, provider)
}
