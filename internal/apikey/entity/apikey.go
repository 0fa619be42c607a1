package entity

import (
	"errors"
	"time"
)

// SecretPrefix starts every API key secret; the auth layer uses it to tell
// API keys apart from session tokens.
const SecretPrefix = "exa_"

// ErrInvalidKey is returned when a presented secret matches no live key.
var ErrInvalidKey = errors.New("invalid api key")

// APIKey represents a row in the `api_keys` table. The secret itself is never
// stored: only its bcrypt hash and the public prefix used for lookup.
type APIKey struct {
	ID           string     `db:"id" json:"id"`
	BusinessID   string     `db:"business_id" json:"businessId"`
	CreatedBy    string     `db:"created_by" json:"createdBy"`
	Name         string     `db:"name" json:"name"`
	Prefix       string     `db:"prefix" json:"prefix"`
	HashedSecret string     `db:"hashed_secret" json:"-"`
	LastUsedAt   *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`
	RevokedAt    *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}

func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Created is returned once, right after creation; it is the only response
// that ever carries the plaintext secret.
type Created struct {
	APIKey
	Secret string `json:"secret"`
}
