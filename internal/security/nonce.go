package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
)

// ErrTimestampSkew is returned when a signed request's X-Timestamp is
// more than maxSkew away from the registry's own wall clock.
var ErrTimestampSkew = errors.New("security: request timestamp drift exceeds allowed skew")

// ErrSignatureMismatch is returned when the presented HMAC does not
// match the one recomputed over the request.
var ErrSignatureMismatch = errors.New("security: signature mismatch")

// NonceReusedError is returned when a nonce is presented a second time
// within the retention window.
type NonceReusedError struct {
	Nonce string
}

func (e *NonceReusedError) Error() string {
	return fmt.Sprintf("security: nonce %q already used", e.Nonce)
}

// SignedRequest is the material a caller HMACs: method ∥ path ∥
// timestamp ∥ nonce ∥ body, per spec.md §6.
type SignedRequest struct {
	Method        string
	Path          string
	TimestampUnix int64
	Nonce         string
	Body          []byte
}

const (
	maxTimestampSkew = 5 * time.Minute
	nonceRetention   = 10 * time.Minute
)

// NonceRegistry computes and verifies HMAC-SHA256 request signatures
// and rejects nonce reuse within the retention window. Seen nonces are
// tracked by the registry's own monotonic clock, not wall time: nonce
// freshness is a within-process concern, unlike C12's cross-restart
// snapshot expiry.
type NonceRegistry struct {
	clk  clock.Source
	key  []byte
	seen map[string]uint64
}

// NewNonceRegistry creates a registry that signs with key.
func NewNonceRegistry(clk clock.Source, key []byte) *NonceRegistry {
	return &NonceRegistry{clk: clk, key: key, seen: make(map[string]uint64)}
}

// Sign computes the hex HMAC-SHA256 signature for req.
func (r *NonceRegistry) Sign(req SignedRequest) string {
	return hex.EncodeToString(r.mac(req))
}

func (r *NonceRegistry) mac(req SignedRequest) []byte {
	mac := hmac.New(sha256.New, r.key)
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.Path))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(req.TimestampUnix))
	mac.Write(tsBuf[:])
	mac.Write([]byte(req.Nonce))
	mac.Write(req.Body)
	return mac.Sum(nil)
}

// Verify reconstructs req's signature and compares it to signature in
// constant time, rejects timestamp drift beyond 5 minutes, and rejects
// nonce reuse within the last 10 minutes. A verified nonce is recorded
// so a later replay of the same nonce is rejected.
func (r *NonceRegistry) Verify(req SignedRequest, signature string) error {
	r.gc()

	skew := r.clk.WallNow().Unix() - req.TimestampUnix
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxTimestampSkew {
		return ErrTimestampSkew
	}

	expected := r.mac(req)
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, got) {
		return ErrSignatureMismatch
	}

	if _, ok := r.seen[req.Nonce]; ok {
		return &NonceReusedError{Nonce: req.Nonce}
	}
	r.seen[req.Nonce] = r.clk.NowNS()
	return nil
}

func (r *NonceRegistry) gc() {
	now := r.clk.NowNS()
	retentionNS := uint64(nonceRetention.Nanoseconds())
	if now < retentionNS {
		return
	}
	cutoff := now - retentionNS
	for nonce, seenAt := range r.seen {
		if seenAt < cutoff {
			delete(r.seen, nonce)
		}
	}
}

// Len returns the number of nonces currently tracked, for tests and
// metrics.
func (r *NonceRegistry) Len() int {
	return len(r.seen)
}
