package audit

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventDefaults(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(ActionKeyCreate, "token:abc123")

	assert.Equal(t, EventName, event.Event)
	assert.Equal(t, ActionKeyCreate, event.Action)
	assert.Equal(t, ResultOK, event.Result)
	assert.Equal(t, "token:abc123", event.AdminIdentity)
	assert.False(t, event.Timestamp.Before(before))
}

func TestEventBuilders(t *testing.T) {
	event := NewEvent(ActionCacheInvalidate, "token:abc123").
		WithIP("203.0.113.9").
		WithRequestID("req-42").
		WithDetail("scope", "prefix").
		WithDetail("matched", 12)

	assert.Equal(t, "203.0.113.9", event.IP)
	assert.Equal(t, "req-42", event.RequestID)
	assert.Equal(t, "prefix", event.Details["scope"])
	assert.Equal(t, 12, event.Details["matched"])
	assert.Equal(t, ResultOK, event.Result)
}

func TestWithErrorFlipsResult(t *testing.T) {
	event := NewEvent(ActionKeyRevoke, "token:abc123").WithError(errors.New("store down"))

	assert.Equal(t, ResultError, event.Result)
	assert.Equal(t, "store down", event.Details["error"])

	ok := NewEvent(ActionKeyRevoke, "token:abc123").WithError(nil)
	assert.Equal(t, ResultOK, ok.Result, "nil errors leave the record successful")
}

func TestIdentityNeverContainsToken(t *testing.T) {
	const token = "super-secret-admin-token"
	identity := Identity(token)

	assert.Len(t, identity, len("token:")+32, "identity is a fixed-width fingerprint")
	assert.NotContains(t, identity, token)
	assert.Equal(t, identity, Identity(token), "identity is stable for the same token")
	assert.NotEqual(t, identity, Identity("another-token"))
}

func TestEventJSONShape(t *testing.T) {
	event := NewEvent(ActionKeyDelete, "token:abc123").
		WithIP("203.0.113.9").
		WithRequestID("req-42").
		WithDetail("keyId", "k-1")

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "admin_audit", decoded["event"])
	assert.Equal(t, "apikey.delete", decoded["action"])
	assert.Equal(t, "ok", decoded["result"])
	assert.Equal(t, "token:abc123", decoded["adminIdentity"])
	assert.Equal(t, "203.0.113.9", decoded["ip"])
	assert.Equal(t, "req-42", decoded["requestId"])
	assert.Contains(t, decoded, "timestamp")
}
