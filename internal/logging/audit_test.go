package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestAuditLogger(t *testing.T) (*AuditLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := DefaultAuditConfig()
	cfg.FilePath = path
	logger, err := NewAuditLogger(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func readAuditEvents(t *testing.T, path string) []AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestAuditLoggerLogFillsDefaults(t *testing.T) {
	logger, path := newTestAuditLogger(t)
	logger.SetSessionID("sess-1")

	require.NoError(t, logger.Log(context.Background(), AuditEvent{
		EventType: AuditEventCheckpoint,
		Action:    "checkpoint_committed",
		Result:    "success",
	}))

	events := readAuditEvents(t, path)
	require.Len(t, events, 1)
	require.Equal(t, "sess-1", events[0].SessionID)
	require.Equal(t, "captureproof", events[0].Component)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestAuditLoggerLogCheckpointAndVerification(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	require.NoError(t, logger.LogCheckpoint(context.Background(), "ckpt-42", true))
	require.NoError(t, logger.LogVerification(context.Background(), "leaf-9", false, map[string]interface{}{"reason": "disagreement"}))

	events := readAuditEvents(t, path)
	require.Len(t, events, 2)
	require.Equal(t, AuditEventCheckpoint, events[0].EventType)
	require.Equal(t, "success", events[0].Result)
	require.Equal(t, AuditEventVerification, events[1].EventType)
	require.Equal(t, "failure", events[1].Result)
}

func TestAuditLoggerLogBootGateFailureAndTamperDetected(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	require.NoError(t, logger.LogBootGateFailure(context.Background(), "debugger attached"))
	require.NoError(t, logger.LogTamperDetected(context.Background(), "/var/lib/captureproof/ledger.db"))

	events := readAuditEvents(t, path)
	require.Len(t, events, 2)
	require.Equal(t, "denied", events[0].Result)
	require.Equal(t, AuditEventTamperDetected, events[1].EventType)
}

func TestAuditLoggerSessionStartClearsOnEnd(t *testing.T) {
	logger, path := newTestAuditLogger(t)

	require.NoError(t, logger.LogSessionStart(context.Background(), "sess-9", nil))
	require.Equal(t, "sess-9", logger.sessionID)

	require.NoError(t, logger.LogSessionEnd(context.Background(), nil))
	require.Equal(t, "", logger.sessionID)

	events := readAuditEvents(t, path)
	require.Len(t, events, 2)
	require.Equal(t, "sess-9", events[0].SessionID)
}
