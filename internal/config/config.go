// Package config resolves the operating profile and on-disk layout for
// captureproof. A Profile is a sealed enum, not a free-form string: every
// tunable a component needs is produced by Resolve, never looked up by
// name at runtime (spec §9 forbids string-keyed tunable access outside
// TOML decoding).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/capturemesh/captureproof/internal/gate"
	"github.com/capturemesh/captureproof/internal/logging"
	"github.com/capturemesh/captureproof/internal/quality"
)

// Profile selects a named bundle of tunables. The zero value is invalid;
// callers must pick one explicitly (DefaultConfig picks ProfileStandard),
// and ParseProfile rejects any other value, the empty string included.
type Profile string

const (
	ProfileConservative Profile = "conservative"
	ProfileStandard     Profile = "standard"
	ProfileExtreme      Profile = "extreme"
	ProfileLab          Profile = "lab"
)

// ErrUnknownProfile is returned by ParseProfile for any value outside the
// four recognized profiles.
var ErrUnknownProfile = errors.New("config: unknown profile")

// ParseProfile validates a string against the sealed set of profiles.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileConservative, ProfileStandard, ProfileExtreme, ProfileLab:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProfile, s)
	}
}

// Tunables bundles every profile-resolved parameter used anywhere in the
// pipeline. Components never resolve their own tunables from a Profile;
// they receive an already-resolved Tunables value (or the sub-struct they
// need out of it) from the caller that built this one.
type Tunables struct {
	Quality quality.Tunables
	Gate    gate.Tunables

	// UploadSessionMaxAgeNS is how long an upload-resume snapshot is kept
	// before cleanup_expired reclaims it.
	UploadSessionMaxAgeNS uint64

	// RetryBudgetAttempts and RetryBackoffBaseNS are resolved per
	// profile, but no component reads them: the C3 TSA and Roughtime
	// clients make a single attempt per Request and do not retry.
	RetryBudgetAttempts int
	RetryBackoffBaseNS  uint64

	// FuzzIterations is how many iterations the lab profile asks
	// integration fuzz-style tests to run; other profiles leave testing
	// depth to the test binary's own defaults.
	FuzzIterations int
}

// Resolve maps a Profile to its Tunables. This is the only place profile
// names are interpreted; every value below is a literal, never derived
// from a config file, so a profile's behavior cannot be altered except by
// choosing a different Profile.
func Resolve(p Profile) (Tunables, error) {
	switch p {
	case ProfileConservative:
		return Tunables{
			Quality: quality.Tunables{
				EnterThreshold:           0.35,
				ExitThreshold:            0.20,
				CooldownNS:               2 * 1e9,
				MinDwellFrames:           3,
				NominalFramePeriodNS:     33_333_333,
				ConfidenceFloor:          0.30,
				RelocalizationDeadlineNS: 5 * 1e9,
				EmergencyRateLimit:       4,
			},
			Gate: gate.Tunables{
				FrameThreshold: 0.35,
				PatchThreshold: 0.30,
				PatchTimeoutNS: 8 * 1e9,
				MaxPending:     64,
			},
			UploadSessionMaxAgeNS: 12 * 3600 * 1e9,
			RetryBudgetAttempts:   5,
			RetryBackoffBaseNS:    200 * 1e6,
			FuzzIterations:        0,
		}, nil
	case ProfileStandard:
		return Tunables{
			Quality: quality.Tunables{
				EnterThreshold:           0.55,
				ExitThreshold:            0.40,
				CooldownNS:               1 * 1e9,
				MinDwellFrames:           5,
				NominalFramePeriodNS:     33_333_333,
				ConfidenceFloor:          0.45,
				RelocalizationDeadlineNS: 3 * 1e9,
				EmergencyRateLimit:       3,
			},
			Gate: gate.Tunables{
				FrameThreshold: 0.55,
				PatchThreshold: 0.50,
				PatchTimeoutNS: 5 * 1e9,
				MaxPending:     32,
			},
			UploadSessionMaxAgeNS: 6 * 3600 * 1e9,
			RetryBudgetAttempts:   3,
			RetryBackoffBaseNS:    150 * 1e6,
			FuzzIterations:        0,
		}, nil
	case ProfileExtreme:
		return Tunables{
			Quality: quality.Tunables{
				EnterThreshold:           0.70,
				ExitThreshold:            0.55,
				CooldownNS:               500 * 1e6,
				MinDwellFrames:           8,
				NominalFramePeriodNS:     33_333_333,
				ConfidenceFloor:          0.60,
				RelocalizationDeadlineNS: 1500 * 1e6,
				EmergencyRateLimit:       2,
			},
			Gate: gate.Tunables{
				FrameThreshold: 0.70,
				PatchThreshold: 0.65,
				PatchTimeoutNS: 2 * 1e9,
				MaxPending:     16,
			},
			UploadSessionMaxAgeNS: 2 * 3600 * 1e9,
			RetryBudgetAttempts:   2,
			RetryBackoffBaseNS:    100 * 1e6,
			FuzzIterations:        0,
		}, nil
	case ProfileLab:
		return Tunables{
			Quality: quality.Tunables{
				EnterThreshold:           0.80,
				ExitThreshold:            0.65,
				CooldownNS:               1 * 1e9,
				MinDwellFrames:           10,
				NominalFramePeriodNS:     33_333_333,
				ConfidenceFloor:          0.70,
				RelocalizationDeadlineNS: 3 * 1e9,
				EmergencyRateLimit:       1,
			},
			Gate: gate.Tunables{
				FrameThreshold: 0.80,
				PatchThreshold: 0.75,
				PatchTimeoutNS: 10 * 1e9,
				MaxPending:     16,
			},
			UploadSessionMaxAgeNS: 24 * 3600 * 1e9,
			RetryBudgetAttempts:   5,
			RetryBackoffBaseNS:    200 * 1e6,
			FuzzIterations:        10000,
		}, nil
	default:
		return Tunables{}, fmt.Errorf("%w: %q", ErrUnknownProfile, p)
	}
}

// Paths holds every filesystem location captureproof needs. Values are
// resolved once at startup and passed down; nothing in the pipeline
// recomputes a default path after Load returns.
type Paths struct {
	// SigningKeyPath is the Ed25519 signing key loaded by pkg/provenance,
	// which signs each committed hash with it; its public key also keys
	// the ledger's WAL HMAC and the signed-request check.
	SigningKeyPath string `toml:"signing_key_path"`

	// LedgerDBPath and WALPath are owned exclusively by C8.
	LedgerDBPath string `toml:"ledger_db_path"`
	WALPath      string `toml:"wal_path"`

	// UploadStorePath is the key-value store backing C12's upload-resume
	// snapshots.
	UploadStorePath string `toml:"upload_store_path"`

	// LogPath is the daemon's structured log file.
	LogPath string `toml:"log_path"`

	// AuditLogPath is the security audit trail, kept separate from the
	// general log so operators can apply a different retention policy.
	AuditLogPath string `toml:"audit_log_path"`

	// BinaryBaselinePath records the boot-gate's recorded executable size
	// for tamper detection across restarts.
	BinaryBaselinePath string `toml:"binary_baseline_path"`
}

// Config is the top-level on-disk configuration, decoded from TOML.
type Config struct {
	Profile Profile `toml:"profile"`
	Paths   Paths   `toml:"paths"`

	// WatchDirs lists additional directories the file-integrity watcher
	// (internal/attest) should monitor beyond the signing key, WAL and
	// ledger DB, which are always watched.
	WatchDirs []string `toml:"watch_dirs"`

	// RequireHardwareAttestation mirrors attest.Config.RequireHardware:
	// when true, a boot lacking a TPM (or equivalent) fails the gate.
	RequireHardwareAttestation bool `toml:"require_hardware_attestation"`

	// VerificationIntervalSeconds is how often the boot gate re-runs its
	// checks while a session is active.
	VerificationIntervalSeconds int `toml:"verification_interval_seconds"`

	// MinOSVersion is passed to the boot gate's minimum-OS-version check.
	MinOSVersion string `toml:"min_os_version"`

	// LogLevel is the minimum level the structured logger emits:
	// "debug", "info", "warn", or "error".
	LogLevel string `toml:"log_level"`
}

// ResolvedLogLevel parses LogLevel, falling back to logging.LevelInfo
// for an empty or unrecognized value rather than failing Open - a bad
// log level shouldn't keep a session from opening.
func (c *Config) ResolvedLogLevel() logging.Level {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}

// baseDir returns the platform-agnostic root directory for captureproof's
// state. It follows the teacher's own convention of a single dotdir under
// the user's home directory rather than XDG_* split across config/state/
// cache, since captureproof has no desktop packaging distinguishing those.
func baseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".captureproof")
}

// DefaultConfig returns a Config with the standard profile and every path
// rooted under baseDir.
func DefaultConfig() *Config {
	dir := baseDir()
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Profile: ProfileStandard,
		Paths: Paths{
			SigningKeyPath:     filepath.Join(homeDir, ".ssh", "captureproof_signing_key"),
			LedgerDBPath:       filepath.Join(dir, "ledger.db"),
			WALPath:            filepath.Join(dir, "ledger.wal"),
			UploadStorePath:    filepath.Join(dir, "uploads.db"),
			LogPath:            filepath.Join(dir, "captureproof.log"),
			AuditLogPath:       filepath.Join(dir, "audit.log"),
			BinaryBaselinePath: filepath.Join(dir, "binary-baseline"),
		},
		WatchDirs:                   []string{},
		RequireHardwareAttestation:  false,
		VerificationIntervalSeconds: 60,
		MinOSVersion:                "",
		LogLevel:                    "info",
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(baseDir(), "config.toml")
}

// Load reads configuration from path. If path is empty, ConfigPath is
// used. A missing file is not an error: DefaultConfig is returned as-is,
// matching the teacher's "config is optional, defaults are complete"
// convention.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := ParseProfile(string(c.Profile)); err != nil {
		return err
	}
	if c.Paths.SigningKeyPath == "" {
		return errors.New("config: paths.signing_key_path is required")
	}
	if c.Paths.LedgerDBPath == "" {
		return errors.New("config: paths.ledger_db_path is required")
	}
	if c.Paths.WALPath == "" {
		return errors.New("config: paths.wal_path is required")
	}
	if c.VerificationIntervalSeconds < 1 {
		return errors.New("config: verification_interval_seconds must be at least 1")
	}
	return nil
}

// EnsureDirectories creates every directory the configured paths live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Paths.SigningKeyPath),
		filepath.Dir(c.Paths.LedgerDBPath),
		filepath.Dir(c.Paths.WALPath),
		filepath.Dir(c.Paths.UploadStorePath),
		filepath.Dir(c.Paths.LogPath),
		filepath.Dir(c.Paths.AuditLogPath),
		filepath.Dir(c.Paths.BinaryBaselinePath),
	}

	seen := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}

	return nil
}

// Resolve resolves this Config's Profile into its Tunables.
func (c *Config) Resolve() (Tunables, error) {
	return Resolve(c.Profile)
}
