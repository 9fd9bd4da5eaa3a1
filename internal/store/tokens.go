package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// ErrTokenInvalid is returned when a presented secret does not match or the
// token is no longer usable.
var ErrTokenInvalid = errors.New("token is invalid")

// CreatedToken is the result of CreateToken. Secret is the only copy of the
// bearer material; it is never persisted.
type CreatedToken struct {
	Token  Token
	Secret string
}

// TokenParams configures token creation.
type TokenParams struct {
	AccountID         *uuid.UUID
	Type              string
	ExpiresAt         *time.Time
	RemainingAttempts *int
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashSecret(nonce, fragment, salt string) string {
	sum := sha3.Sum256([]byte(nonce + fragment + salt))
	return hex.EncodeToString(sum[:])
}

// CreateToken mints a token. Only secret_hash = SHA3-256(nonce || fragment
// || salt) and the salt are stored; the nonce and fragment leave through the
// returned Secret and are gone after that.
func (s *Store) CreateToken(ctx context.Context, params TokenParams) (*CreatedToken, error) {
	nonce, err := randomURLSafe(16)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	fragment, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("generate fragment: %w", err)
	}
	salt, err := randomURLSafe(16)
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	token := Token{
		ID:                uuid.New(),
		AccountID:         params.AccountID,
		Type:              params.Type,
		SecretSalt:        salt,
		SecretHash:        hashSecret(nonce, fragment, salt),
		ExpiresAt:         params.ExpiresAt,
		RemainingAttempts: params.RemainingAttempts,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens
			(id, account_id, type, secret_salt, secret_hash, expires_at, remaining_attempts, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		token.ID, token.AccountID, token.Type, token.SecretSalt, token.SecretHash,
		token.ExpiresAt, token.RemainingAttempts)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}

	return &CreatedToken{Token: token, Secret: nonce + fragment}, nil
}

// UseToken verifies the presented secret against a token and records the
// use. A token is usable iff it is not deleted, not expired, and has
// remaining attempts (when attempts are limited). Each failed attempt
// decrements remaining_attempts.
func (s *Store) UseToken(ctx context.Context, id uuid.UUID, secret, remoteIP, userAgent string) (*Token, error) {
	var t Token
	err := s.db.GetContext(ctx, &t, `
		SELECT id, account_id, type, secret_salt, secret_hash, expires_at,
		       remaining_attempts, last_seen_at, last_seen_remote_ip,
		       last_seen_user_agent, deleted_at, inserted_at
		FROM tokens
		WHERE id = $1
		  AND deleted_at IS NULL
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (remaining_attempts IS NULL OR remaining_attempts > 0)`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	if len(secret) < 2 {
		return nil, ErrTokenInvalid
	}
	// The secret is nonce || fragment; the hash binds both with the salt so
	// the split point does not need to be recoverable here.
	presented := hashSecret(secret, "", t.SecretSalt)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(t.SecretHash)) != 1 {
		if t.RemainingAttempts != nil {
			_, _ = s.db.ExecContext(ctx, `
				UPDATE tokens SET remaining_attempts = remaining_attempts - 1
				WHERE id = $1 AND remaining_attempts > 0`, id)
		}
		return nil, ErrTokenInvalid
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE tokens
		SET last_seen_at = now(), last_seen_remote_ip = $2, last_seen_user_agent = $3
		WHERE id = $1`, id, remoteIP, userAgent)
	if err != nil {
		return nil, fmt.Errorf("record token use: %w", err)
	}
	return &t, nil
}

// DeleteToken soft-deletes a token, invalidating sessions built on it.
func (s *Store) DeleteToken(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
