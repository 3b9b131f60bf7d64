package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/capturemesh/captureproof/internal/logging"
	"github.com/stretchr/testify/require"
)

func TestParseProfileAcceptsAllFourProfiles(t *testing.T) {
	for _, name := range []string{"conservative", "standard", "extreme", "lab"} {
		p, err := ParseProfile(name)
		require.NoError(t, err)
		require.Equal(t, Profile(name), p)
	}
}

func TestParseProfileRejectsUnknown(t *testing.T) {
	_, err := ParseProfile("aggressive")
	require.ErrorIs(t, err, ErrUnknownProfile)
}

func TestResolveOrdersGatesFromLooseToStrict(t *testing.T) {
	conservative, err := Resolve(ProfileConservative)
	require.NoError(t, err)
	standard, err := Resolve(ProfileStandard)
	require.NoError(t, err)
	extreme, err := Resolve(ProfileExtreme)
	require.NoError(t, err)
	lab, err := Resolve(ProfileLab)
	require.NoError(t, err)

	require.Less(t, conservative.Quality.EnterThreshold, standard.Quality.EnterThreshold)
	require.Less(t, standard.Quality.EnterThreshold, extreme.Quality.EnterThreshold)
	require.Less(t, extreme.Quality.EnterThreshold, lab.Quality.EnterThreshold)

	require.Greater(t, conservative.Gate.PatchTimeoutNS, extreme.Gate.PatchTimeoutNS)
	require.Zero(t, standard.FuzzIterations)
	require.Positive(t, lab.FuzzIterations)
}

func TestResolveRejectsUnknownProfile(t *testing.T) {
	_, err := Resolve(Profile("bogus"))
	require.ErrorIs(t, err, ErrUnknownProfile)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadReturnsDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, ProfileStandard, cfg.Profile)
}

func TestLoadDecodesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
profile = "extreme"
require_hardware_attestation = true
verification_interval_seconds = 30

[paths]
signing_key_path = "/tmp/key"
ledger_db_path = "/tmp/ledger.db"
wal_path = "/tmp/ledger.wal"
upload_store_path = "/tmp/uploads.db"
log_path = "/tmp/cp.log"
audit_log_path = "/tmp/audit.log"
binary_baseline_path = "/tmp/baseline"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ProfileExtreme, cfg.Profile)
	require.True(t, cfg.RequireHardwareAttestation)
	require.Equal(t, 30, cfg.VerificationIntervalSeconds)
	require.Equal(t, "/tmp/key", cfg.Paths.SigningKeyPath)

	tunables, err := cfg.Resolve()
	require.NoError(t, err)
	require.Equal(t, 2, tunables.RetryBudgetAttempts)
}

func TestResolvedLogLevelParsesConfiguredValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	require.Equal(t, logging.LevelWarn, cfg.ResolvedLogLevel())
}

func TestResolvedLogLevelFallsBackToInfoOnBogusValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "shout"
	require.Equal(t, logging.LevelInfo, cfg.ResolvedLogLevel())
}

func TestValidateRejectsUnknownProfile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profile = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingSigningKeyPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.SigningKeyPath = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveVerificationInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerificationIntervalSeconds = 0
	require.Error(t, cfg.Validate())
}

func TestEnsureDirectoriesCreatesEveryConfiguredPath(t *testing.T) {
	tmp := t.TempDir()
	cfg := DefaultConfig()
	cfg.Paths = Paths{
		SigningKeyPath:     filepath.Join(tmp, "keys", "signing"),
		LedgerDBPath:       filepath.Join(tmp, "ledger", "ledger.db"),
		WALPath:            filepath.Join(tmp, "ledger", "ledger.wal"),
		UploadStorePath:    filepath.Join(tmp, "uploads", "uploads.db"),
		LogPath:            filepath.Join(tmp, "logs", "cp.log"),
		AuditLogPath:       filepath.Join(tmp, "logs", "audit.log"),
		BinaryBaselinePath: filepath.Join(tmp, "state", "baseline"),
	}

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{"keys", "ledger", "uploads", "logs", "state"} {
		info, err := os.Stat(filepath.Join(tmp, dir))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
