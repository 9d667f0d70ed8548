// Package admin implements the /internal/** management surface: API-key
// lifecycle and cache invalidation behind a bearer token, plus the HTTP
// client the CLI uses to drive those endpoints.
package admin

import (
	"time"

	"github.com/arvago/api-proxy/internal/apikey"
)

// Key is the sanitized key record exposed by the admin API. It never carries
// the raw credential or its hash.
type Key struct {
	KeyID     string     `json:"keyId"`
	Owner     string     `json:"owner"`
	Label     string     `json:"label,omitempty"`
	Contact   string     `json:"contact,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"createdBy,omitempty"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CreatedKey is Key plus the raw credential. It appears exactly once, in the
// create response.
type CreatedKey struct {
	Key
	APIKey string `json:"apiKey"`
}

// CreateKeyParams is the create-key request body.
type CreateKeyParams struct {
	Owner     string     `json:"owner" binding:"required"`
	Label     string     `json:"label,omitempty"`
	Contact   string     `json:"contact,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// InvalidateParams is the cache-invalidation request body.
type InvalidateParams struct {
	Scope      string             `json:"scope"`
	Path       string             `json:"path,omitempty"`
	PathPrefix string             `json:"pathPrefix,omitempty"`
	Strict     bool               `json:"strict,omitempty"`
	Headers    *InvalidateHeaders `json:"headers,omitempty"`
	DryRun     bool               `json:"dryRun,omitempty"`
}

// InvalidateHeaders are the key components for strict exact invalidation.
type InvalidateHeaders struct {
	Accept         string `json:"accept,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
	APIKey         string `json:"apiKey,omitempty"`
}

// InvalidateResult is the cache-invalidation response body.
type InvalidateResult struct {
	OK      bool   `json:"ok"`
	Scope   string `json:"scope"`
	DryRun  bool   `json:"dryRun"`
	Matched int    `json:"matched"`
	Deleted int    `json:"deleted"`
}

type keyListResponse struct {
	Items []Key `json:"items"`
}

func keyOf(record apikey.Record) Key {
	return Key{
		KeyID:     record.KeyID,
		Owner:     record.Owner,
		Label:     record.Label,
		Contact:   record.Contact,
		CreatedAt: record.CreatedAt,
		CreatedBy: record.CreatedBy,
		Revoked:   record.Revoked,
		RevokedAt: record.RevokedAt,
		ExpiresAt: record.ExpiresAt,
	}
}
