package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// encryptionVersion marks rows whose tokens are sealed with the keyring.
const encryptionVersion = 1

// UpsertOAuthToken stores or updates an OAuth token for a provider (twitch, youtube). With a
// keyring the tokens are sealed under its primary key, bound to the provider name.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	version, keyID := 0, ""
	if s.keys != nil {
		var err error
		if access, keyID, err = s.keys.SealString(access, provider); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, _, err = s.keys.SealString(refresh, provider); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		version = encryptionVersion
	}
	var exp sql.NullTime
	if !expiry.IsZero() {
		exp = sql.NullTime{Time: expiry, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		provider, access, refresh, exp, strings.TrimSpace(scope), version, keyID)
	return err
}

// GetOAuthToken returns the stored token of a provider, or zero values when none is stored.
// Plaintext rows written before encryption was enabled are returned as is.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var version int
	var keyID string
	var exp sql.NullTime
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id
		 FROM oauth_tokens WHERE provider=$1`, provider).Scan(&access, &refresh, &exp, &scope, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	if version == encryptionVersion {
		if s.keys == nil {
			return "", "", time.Time{}, "", fmt.Errorf("%s token is encrypted but ENCRYPTION_KEY is not configured", provider)
		}
		if access, err = s.keys.OpenString(access, keyID, provider); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = s.keys.OpenString(refresh, keyID, provider); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	if exp.Valid {
		expiry = exp.Time
	}
	return access, refresh, expiry, scope, nil
}

// StaleTokenProviders lists providers whose token row is not sealed with the keyring's primary
// key. Without a keyring it returns an error.
func (s *Store) StaleTokenProviders(ctx context.Context) ([]string, error) {
	if s.keys == nil {
		return nil, errors.New("re-encryption requires ENCRYPTION_KEY")
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT provider FROM oauth_tokens
		 WHERE encryption_version <> $1 OR encryption_key_id IS NULL OR encryption_key_id <> $2
		 ORDER BY provider`,
		encryptionVersion, s.keys.PrimaryID())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// ReencryptTokens rewrites every token row under the keyring's primary key. Rows already on
// that key are skipped. It returns the number of rows rewritten.
func (s *Store) ReencryptTokens(ctx context.Context) (int, error) {
	providers, err := s.StaleTokenProviders(ctx)
	if err != nil {
		return 0, err
	}
	for i, p := range providers {
		access, refresh, expiry, scope, err := s.GetOAuthToken(ctx, p)
		if err != nil {
			return i, fmt.Errorf("read %s: %w", p, err)
		}
		if err := s.UpsertOAuthToken(ctx, p, access, refresh, expiry, scope); err != nil {
			return i, fmt.Errorf("write %s: %w", p, err)
		}
	}
	return len(providers), nil
}

// GetKV returns the value stored under key, or "" when absent.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// SetKV stores value under key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	return err
}
