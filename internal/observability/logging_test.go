package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/worldlink/internal/config"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: format}, "worldlink")
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}
}

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"}, "")
	assert.Error(t, err)
	_, err = NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}, "")
	assert.Error(t, err)
}

func TestJSONEntriesCarryServiceAndFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.json")
	logger, err := build(config.LoggingConfig{Level: "info", Format: "json"}, "worldlink-test", []string{path})
	require.NoError(t, err)

	id := uuid.New()
	logger.Debug("dropped by level")
	logger.Info("session connected", Account(id), Conn("c1"), Command("account.connect"))
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "worldlink-test", entry["service"])
	assert.Equal(t, "session connected", entry["msg"])
	assert.Equal(t, id.String(), entry["account_id"])
	assert.Equal(t, "c1", entry["conn_id"])
	assert.Equal(t, "account.connect", entry["command"])
	assert.Contains(t, entry, "time")
}
