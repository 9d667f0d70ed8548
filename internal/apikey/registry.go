// Package apikey manages client API keys: hashed records in the state store,
// lifecycle transitions, and validation of raw keys presented by callers.
// Raw keys are never persisted; only their SHA-256 hash is.
package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arvago/api-proxy/internal/statestore"
	"github.com/arvago/api-proxy/internal/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Errors callers branch on during key validation and lifecycle operations.
var (
	ErrKeyNotFound      = errors.New("api key not found")
	ErrKeyRevoked       = errors.New("api key is revoked")
	ErrKeyExpired       = errors.New("api key has expired")
	ErrStoreUnavailable = errors.New("api key store unavailable")
)

// Record is the persisted form of one client API key. Hash is the 64-hex
// SHA-256 of the raw key; the raw key itself is handed out exactly once at
// creation and never stored.
type Record struct {
	KeyID     string     `json:"keyId"`
	Hash      string     `json:"hash"`
	Owner     string     `json:"owner"`
	Label     string     `json:"label,omitempty"`
	Contact   string     `json:"contact,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	CreatedBy string     `json:"createdBy,omitempty"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the record's expiry, if any, has passed.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Valid reports whether the key may authenticate requests at the given time.
func (r *Record) Valid(now time.Time) bool {
	return !r.Revoked && !r.Expired(now)
}

// Consumer is the per-request identity derived from a validated key.
type Consumer struct {
	KeyID string `json:"keyId"`
	Owner string `json:"owner"`
}

// CreateParams carries the operator-supplied fields for a new key.
type CreateParams struct {
	Owner     string
	Label     string
	Contact   string
	CreatedBy string
	ExpiresAt *time.Time
}

// Registry stores key records under {prefix}:key:{keyId}, the hash lookup
// under {prefix}:hash:{sha256hex}, and the id index under {prefix}:index.
type Registry struct {
	state  statestore.Store
	prefix string
	logger *zap.Logger

	now func() time.Time
}

// NewRegistry creates a key registry over the given state store namespace.
func NewRegistry(state statestore.Store, prefix string, logger *zap.Logger) *Registry {
	if prefix == "" {
		prefix = "apikeys"
	}
	return &Registry{
		state:  state,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Registry) recordKey(keyID string) string { return r.prefix + ":key:" + keyID }
func (r *Registry) hashKey(hash string) string    { return r.prefix + ":hash:" + hash }
func (r *Registry) indexKey() string              { return r.prefix + ":index" }

// Validate resolves a raw client key to its consumer. It fails closed: any
// state-store error surfaces as ErrStoreUnavailable rather than letting an
// unverified caller through.
func (r *Registry) Validate(ctx context.Context, rawKey string) (Consumer, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return Consumer{}, ErrKeyNotFound
	}

	keyID, err := r.state.Get(ctx, r.hashKey(utils.SHA256Hex(rawKey)))
	if err != nil {
		return Consumer{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if keyID == "" {
		return Consumer{}, ErrKeyNotFound
	}

	record, err := r.Get(ctx, keyID)
	if err != nil {
		return Consumer{}, err
	}
	if record.Revoked {
		return Consumer{}, ErrKeyRevoked
	}
	if record.Expired(r.now()) {
		return Consumer{}, ErrKeyExpired
	}
	return Consumer{KeyID: record.KeyID, Owner: record.Owner}, nil
}

// Create mints a new key: fresh uuid keyId, random raw key, hashed record
// persisted along with the hash lookup and index membership. The raw key is
// returned to the caller exactly once and exists nowhere else.
func (r *Registry) Create(ctx context.Context, params CreateParams) (string, Record, error) {
	if strings.TrimSpace(params.Owner) == "" {
		return "", Record{}, errors.New("owner is required")
	}

	rawKey, err := utils.GenerateAPIKey()
	if err != nil {
		return "", Record{}, err
	}

	record := Record{
		KeyID:     uuid.NewString(),
		Hash:      utils.SHA256Hex(rawKey),
		Owner:     strings.TrimSpace(params.Owner),
		Label:     strings.TrimSpace(params.Label),
		Contact:   strings.TrimSpace(params.Contact),
		CreatedAt: r.now().UTC(),
		CreatedBy: strings.TrimSpace(params.CreatedBy),
		ExpiresAt: params.ExpiresAt,
	}

	if err := r.save(ctx, record); err != nil {
		return "", Record{}, err
	}
	if err := r.state.Set(ctx, r.hashKey(record.Hash), record.KeyID, 0); err != nil {
		return "", Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := r.state.SAdd(ctx, r.indexKey(), record.KeyID); err != nil {
		return "", Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	r.logger.Info("api key created",
		zap.String("key_id", record.KeyID),
		zap.String("owner", record.Owner),
		zap.String("key_hash", utils.Fingerprint(rawKey)))
	return rawKey, record, nil
}

// Get loads one record by keyId.
func (r *Registry) Get(ctx context.Context, keyID string) (Record, error) {
	raw, err := r.state.Get(ctx, r.recordKey(keyID))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if raw == "" {
		return Record{}, ErrKeyNotFound
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("corrupt api key record %s: %w", keyID, err)
	}
	return record, nil
}

// List returns every known record, newest first. Index entries whose record
// has vanished are pruned on the way through so the index heals itself.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	ids, err := r.state.SMembers(ctx, r.indexKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		record, err := r.Get(ctx, id)
		if errors.Is(err, ErrKeyNotFound) {
			if remErr := r.state.SRem(ctx, r.indexKey(), id); remErr != nil {
				r.logger.Warn("failed to prune stale index entry", zap.String("key_id", id), zap.Error(remErr))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Revoke marks a key as revoked. Revoking an already revoked key is a no-op.
func (r *Registry) Revoke(ctx context.Context, keyID string) (Record, error) {
	record, err := r.Get(ctx, keyID)
	if err != nil {
		return Record{}, err
	}
	if !record.Revoked {
		now := r.now().UTC()
		record.Revoked = true
		record.RevokedAt = &now
		if err := r.save(ctx, record); err != nil {
			return Record{}, err
		}
	}
	r.logger.Info("api key revoked", zap.String("key_id", keyID))
	return record, nil
}

// Activate clears the revoked state so the key authenticates again.
func (r *Registry) Activate(ctx context.Context, keyID string) (Record, error) {
	record, err := r.Get(ctx, keyID)
	if err != nil {
		return Record{}, err
	}
	if record.Revoked {
		record.Revoked = false
		record.RevokedAt = nil
		if err := r.save(ctx, record); err != nil {
			return Record{}, err
		}
	}
	r.logger.Info("api key activated", zap.String("key_id", keyID))
	return record, nil
}

// Delete removes the record, its hash lookup, and its index membership.
func (r *Registry) Delete(ctx context.Context, keyID string) error {
	record, err := r.Get(ctx, keyID)
	if err != nil {
		return err
	}

	if _, err := r.state.Del(ctx, r.recordKey(keyID), r.hashKey(record.Hash)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := r.state.SRem(ctx, r.indexKey(), keyID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	r.logger.Info("api key deleted", zap.String("key_id", keyID))
	return nil
}

func (r *Registry) save(ctx context.Context, record Record) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode api key record: %w", err)
	}
	if err := r.state.Set(ctx, r.recordKey(record.KeyID), string(encoded), 0); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
