// Package attest implements C13's boot-chain attestation gate: a
// pluggable hardware-attestation provider interface, a software
// fallback for systems without a TPM, and the gate itself, which runs
// once at startup and again every verification interval while a
// session is active.
package attest

import (
	"crypto"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// ClockInfo mirrors a TPM's TPM2_ReadClock response: a monotonic
// millisecond counter since the device's last reset, plus the reset
// and restart counts that make the value meaningful across reboots.
type ClockInfo struct {
	Clock        uint64
	ResetCount   uint32
	RestartCount uint32
	Safe         bool
}

// Attestation is one signed statement from a Provider: "at this
// monotonic counter value and this clock reading, the data given to
// Quote was presented to me."
type Attestation struct {
	DeviceID         []byte
	PublicKey        []byte
	MonotonicCounter uint64
	FirmwareVersion  string
	ClockInfo        ClockInfo
	Data             []byte
	Signature        []byte
	Quote            []byte
	CreatedAt        time.Time
}

// Provider abstracts a hardware (or simulated) attestation root,
// generalized from the teacher's tpm.Provider interface to cover any
// platform attestation backend: TPM 2.0, a secure enclave, or a
// software stand-in for development and CI.
type Provider interface {
	Available() bool
	DeviceID() ([]byte, error)
	PublicKey() (crypto.PublicKey, error)
	IncrementCounter() (uint64, error)
	GetCounter() (uint64, error)
	GetClock() (*ClockInfo, error)
	Quote(data []byte) (*Attestation, error)
	Close() error
}

var errNoProvider = errors.New("attest: no attestation provider available")

// NoOpProvider is the fallback Provider when no hardware root is
// detected. Every operation fails closed: a boot gate configured to
// require hardware attestation must refuse to pass when only this
// provider is available.
type NoOpProvider struct{}

func (NoOpProvider) Available() bool                      { return false }
func (NoOpProvider) DeviceID() ([]byte, error)             { return nil, errNoProvider }
func (NoOpProvider) PublicKey() (crypto.PublicKey, error)  { return nil, errNoProvider }
func (NoOpProvider) IncrementCounter() (uint64, error)     { return 0, errNoProvider }
func (NoOpProvider) GetCounter() (uint64, error)           { return 0, errNoProvider }
func (NoOpProvider) GetClock() (*ClockInfo, error)         { return nil, errNoProvider }
func (NoOpProvider) Quote([]byte) (*Attestation, error)    { return nil, errNoProvider }
func (NoOpProvider) Close() error                          { return nil }

// SoftwareProvider simulates an attestation root for development, CI,
// and the lab deployment profile. It provides no hardware root of
// trust: its "signature" is a SHA-256 digest, not a real one.
type SoftwareProvider struct {
	deviceID  []byte
	counter   uint64
	startedAt time.Time
}

// NewSoftwareProvider creates a simulated provider seeded with a
// deterministic device ID derived from seed, so tests can assert on
// DeviceID() without depending on wall-clock time.
func NewSoftwareProvider(seed []byte) *SoftwareProvider {
	id := sha256.Sum256(seed)
	return &SoftwareProvider{
		deviceID:  id[:16],
		startedAt: time.Now(),
	}
}

func (s *SoftwareProvider) Available() bool { return true }

func (s *SoftwareProvider) DeviceID() ([]byte, error) {
	return s.deviceID, nil
}

func (s *SoftwareProvider) PublicKey() (crypto.PublicKey, error) {
	return nil, nil
}

func (s *SoftwareProvider) IncrementCounter() (uint64, error) {
	s.counter++
	return s.counter, nil
}

func (s *SoftwareProvider) GetCounter() (uint64, error) {
	return s.counter, nil
}

func (s *SoftwareProvider) GetClock() (*ClockInfo, error) {
	elapsed := time.Since(s.startedAt)
	return &ClockInfo{
		Clock: uint64(elapsed.Milliseconds()),
		Safe:  true,
	}, nil
}

func (s *SoftwareProvider) Quote(data []byte) (*Attestation, error) {
	counter, _ := s.IncrementCounter()
	clockInfo, _ := s.GetClock()

	h := sha256.New()
	h.Write(data)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	h.Write(buf[:])

	return &Attestation{
		DeviceID:         s.deviceID,
		MonotonicCounter: counter,
		ClockInfo:        *clockInfo,
		Data:             data,
		Signature:        h.Sum(nil),
		CreatedAt:        time.Now(),
	}, nil
}

func (s *SoftwareProvider) Close() error { return nil }

// DetectProvider returns a platform hardware provider if one is
// available, else a NoOpProvider. Callers that accept a simulated
// root for their deployment profile should use NewSoftwareProvider
// directly instead.
func DetectProvider() Provider {
	if p := detectHardwareProvider(); p != nil {
		return p
	}
	return NoOpProvider{}
}
