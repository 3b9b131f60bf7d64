//go:build integration

// Package integration exercises the six end-to-end scenarios named by
// the pipeline's testable properties: every test here drives two or
// more components together the way a real capture session would,
// rather than one package in isolation.
//
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/config"
	"github.com/capturemesh/captureproof/pkg/provenance"
	"github.com/stretchr/testify/require"
)

// fixedAnchorClient always reports verified evidence at a fixed time.
// The fuser only ever sees the final Request outcome, so a fuser-level
// fake models that outcome and nothing of the transport beneath it.
type fixedAnchorClient struct {
	source anchors.Source
	timeNS uint64
	uncNS  uint64
}

func (f fixedAnchorClient) Request(ctx context.Context, hash [32]byte) (anchors.TimeEvidence, error) {
	u := f.uncNS
	return anchors.TimeEvidence{
		Source:        f.source,
		TimeNS:        f.timeNS,
		UncertaintyNS: &u,
		Status:        anchors.StatusVerified,
	}, nil
}

// failingAnchorClient always returns the given error, simulating a
// source that never recovers within the fuser's single attempt.
type failingAnchorClient struct {
	err error
}

func (f failingAnchorClient) Request(ctx context.Context, hash [32]byte) (anchors.TimeEvidence, error) {
	return anchors.TimeEvidence{}, f.err
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	keyPath := filepath.Join(dir, "signing_key")
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, priv, 0600))

	cfg := config.DefaultConfig()
	cfg.Profile = config.ProfileStandard
	cfg.Paths.SigningKeyPath = keyPath
	cfg.Paths.LedgerDBPath = filepath.Join(dir, "ledger.db")
	cfg.Paths.WALPath = filepath.Join(dir, "ledger.wal")
	cfg.Paths.UploadStorePath = filepath.Join(dir, "uploads.db")
	cfg.Paths.LogPath = filepath.Join(dir, "captureproof.log")
	cfg.Paths.AuditLogPath = filepath.Join(dir, "audit.log")
	cfg.Paths.BinaryBaselinePath = filepath.Join(dir, "binary-baseline")
	cfg.VerificationIntervalSeconds = 60
	return cfg
}

func openTestPipeline(t *testing.T, clk clock.Source, anchorClients map[anchors.Source]anchors.Client) *provenance.Pipeline {
	t.Helper()
	cfg := newTestConfig(t)

	var sessionID [32]byte
	sessionID[0] = 0x42

	p, err := provenance.Open(cfg, sessionID, provenance.Options{
		Clock:           clk,
		AnchorClients:   anchorClients,
		ExporterVersion: "integration-test/0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func epoch() time.Time {
	return time.Unix(0, 1_700_000_000_000_000_000)
}
