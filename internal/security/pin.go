// Package security implements C13's certificate-pin evaluator,
// signed-request nonce registry, at-rest AES-GCM wrapper, and a
// token-bucket rate limiter reused from the teacher's own
// internal/security/ratelimit.go.
package security

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
)

// ErrPinMismatch is returned when no certificate in a presented chain
// matches any pinned SPKI digest. The caller MUST close the connection.
var ErrPinMismatch = errors.New("security: no certificate in chain matches a pinned SPKI digest")

// SPKIDigest returns the SHA-256 digest of cert's subject public key
// info, the value pinned and compared by PinEvaluator.
func SPKIDigest(cert *x509.Certificate) ([32]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("security: marshal SPKI: %w", err)
	}
	return sha256.Sum256(der), nil
}

// PinEvaluator holds a set of pinned SPKI digests. Pin rotation is
// supported by AddPin/RemovePin: the caller keeps both the old and new
// pin active for a defined overlap window, then removes the old one.
type PinEvaluator struct {
	mu   sync.RWMutex
	pins map[[32]byte]struct{}
}

// NewPinEvaluator creates an evaluator seeded with pins.
func NewPinEvaluator(pins ...[32]byte) *PinEvaluator {
	m := make(map[[32]byte]struct{}, len(pins))
	for _, p := range pins {
		m[p] = struct{}{}
	}
	return &PinEvaluator{pins: m}
}

// Evaluate returns true if any certificate in chain's SPKI digest
// matches a pinned digest, else ErrPinMismatch.
func (p *PinEvaluator) Evaluate(chain []*x509.Certificate) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, cert := range chain {
		digest, err := SPKIDigest(cert)
		if err != nil {
			continue
		}
		if _, ok := p.pins[digest]; ok {
			return true, nil
		}
	}
	return false, ErrPinMismatch
}

// AddPin activates digest, e.g. the incoming half of a pin rotation.
func (p *PinEvaluator) AddPin(digest [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pins[digest] = struct{}{}
}

// RemovePin deactivates digest, e.g. once a rotation's overlap window
// has elapsed.
func (p *PinEvaluator) RemovePin(digest [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pins, digest)
}

// Pins returns a snapshot of the currently active digests.
func (p *PinEvaluator) Pins() [][32]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([][32]byte, 0, len(p.pins))
	for d := range p.pins {
		out = append(out, d)
	}
	return out
}
