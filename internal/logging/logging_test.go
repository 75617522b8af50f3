package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLoggerEmitsJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New("sm", slog.LevelInfo, &buf)
	log.Info("enclave created", "eid", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sm", rec["component"])
	assert.Equal(t, "enclave created", rec["msg"])
	assert.Equal(t, float64(3), rec["eid"])
}

func TestAuditorEmit(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditor(New("sm", slog.LevelInfo, &buf))
	a.Success(AuditEnclaveCreated, 2, "create")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, string(AuditEnclaveCreated), rec["event_type"])
	assert.Equal(t, float64(2), rec["enclave_id"])
	assert.Equal(t, "success", rec["result"])
}

func TestNilAuditorIsSafe(t *testing.T) {
	var a *Auditor
	a.Success(AuditEnclaveRun, 0, "run")
	a.Failure(AuditError, 0, "x", nil)
}
