package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewLogger(path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	require.NoError(t, logger.Log(NewEvent(ActionKeyCreate, "token:abc").WithDetail("keyId", "k-1")))
	require.NoError(t, logger.Log(NewEvent(ActionKeyRevoke, "token:abc").WithError(errors.New("nope"))))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventName, first.Event)
	assert.Equal(t, ActionKeyCreate, first.Action)
	assert.Equal(t, ResultOK, first.Result)
	assert.Equal(t, "k-1", first.Details["keyId"])

	var second Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, ResultError, second.Result)
}

func TestLoggerCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.log")
	logger, err := NewLogger(path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	require.NoError(t, logger.Log(NewEvent(ActionKeyList, "token:abc")))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestLoggerMirrorsToApplicationLog(t *testing.T) {
	core, observed := observer.New(zap.InfoLevel)
	logger, err := NewLogger("", zap.New(core))
	require.NoError(t, err)

	require.NoError(t, logger.Log(NewEvent(ActionKeyCreate, "token:abc").WithIP("203.0.113.9")))
	require.NoError(t, logger.Log(NewEvent(ActionKeyDelete, "token:abc").WithError(errors.New("boom"))))

	entries := observed.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level, "failed actions are mirrored at warn")

	fields := entries[0].ContextMap()
	assert.Equal(t, "apikey.create", fields["action"])
	assert.Equal(t, "203.0.113.9", fields["ip"])
}

func TestLoggerWithoutFileOnlyMirrors(t *testing.T) {
	logger, err := NewLogger("", zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, logger.Log(NewEvent(ActionKeyList, "token:abc")))
	assert.NoError(t, logger.Close())
}

func TestLoggerRejectsNilEvent(t *testing.T) {
	logger := NewNullLogger()
	assert.Error(t, logger.Log(nil))
}

func TestNullLoggerDiscards(t *testing.T) {
	logger := NewNullLogger()
	assert.NoError(t, logger.Log(NewEvent(ActionKeyList, "token:abc")))
	assert.NoError(t, logger.Close())
}
