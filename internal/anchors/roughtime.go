package anchors

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// RoughtimeError is the typed failure taxonomy for the Roughtime client.
type RoughtimeError struct {
	Kind   string
	Radius uint64
	Reason string
}

func (e *RoughtimeError) Error() string {
	switch e.Kind {
	case "invalid_public_key":
		return "anchors/roughtime: invalid public key"
	case "signature_verification_failed":
		return "anchors/roughtime: signature verification failed"
	case "invalid_response":
		return fmt.Sprintf("anchors/roughtime: invalid response: %s", e.Reason)
	case "network_error":
		return fmt.Sprintf("anchors/roughtime: network error: %s", e.Reason)
	case "timeout":
		return "anchors/roughtime: timeout"
	case "radius_too_large":
		return fmt.Sprintf("anchors/roughtime: radius %d exceeds ceiling", e.Radius)
	default:
		return "anchors/roughtime: " + e.Kind
	}
}

const roughtimeNonceSize = 64

// RoughtimeClient implements the UDP-based Roughtime protocol of spec §4.3.
type RoughtimeClient struct {
	Addr         string
	PublicKey    ed25519.PublicKey
	Timeout      time.Duration
	RadiusCeilNS uint64

	// dial is overridable in tests to avoid real network I/O.
	dial func(addr string, timeout time.Duration) (net.Conn, error)
}

// NewRoughtimeClient returns a client against addr (host:port), verifying
// replies with pubKey and rejecting radii above radiusCeilNS.
func NewRoughtimeClient(addr string, pubKey ed25519.PublicKey, radiusCeilNS uint64) (*RoughtimeClient, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return nil, &RoughtimeError{Kind: "invalid_public_key"}
	}
	return &RoughtimeClient{
		Addr:         addr,
		PublicKey:    pubKey,
		Timeout:      10 * time.Second,
		RadiusCeilNS: radiusCeilNS,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("udp", addr, timeout)
		},
	}, nil
}

// Request implements Client. hash is accepted for interface symmetry but
// Roughtime anchors wall-clock time rather than a specific content hash;
// the nonce alone carries replay protection.
func (c *RoughtimeClient) Request(ctx context.Context, hash [32]byte) (TimeEvidence, error) {
	nonce := make([]byte, roughtimeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return TimeEvidence{}, &RoughtimeError{Kind: "network_error", Reason: err.Error()}
	}

	conn, err := c.dial(c.Addr, c.Timeout)
	if err != nil {
		return TimeEvidence{}, &RoughtimeError{Kind: "network_error", Reason: err.Error()}
	}
	defer conn.Close()

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(nonce); err != nil {
		return TimeEvidence{}, &RoughtimeError{Kind: "network_error", Reason: err.Error()}
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return TimeEvidence{}, &RoughtimeError{Kind: "timeout"}
		}
		return TimeEvidence{}, &RoughtimeError{Kind: "network_error", Reason: err.Error()}
	}

	reply, err := parseRoughtimeReply(buf[:n])
	if err != nil {
		return TimeEvidence{}, &RoughtimeError{Kind: "invalid_response", Reason: err.Error()}
	}

	if !ed25519.Verify(c.PublicKey, reply.signedPayload, reply.signature) {
		return TimeEvidence{}, &RoughtimeError{Kind: "signature_verification_failed"}
	}
	if !constantTimeEqual(reply.nonce, nonce) {
		return TimeEvidence{}, &RoughtimeError{Kind: "invalid_response", Reason: "nonce mismatch"}
	}
	if c.RadiusCeilNS > 0 && reply.radiusNS > c.RadiusCeilNS {
		return TimeEvidence{}, &RoughtimeError{Kind: "radius_too_large", Radius: reply.radiusNS}
	}

	uncertainty := reply.radiusNS
	return TimeEvidence{
		Source:        SourceRoughtime,
		TimeNS:        reply.midpointNS,
		UncertaintyNS: &uncertainty,
		Status:        StatusVerified,
		RawProof:      buf[:n],
	}, nil
}

type roughtimeReply struct {
	midpointNS    uint64
	radiusNS      uint64
	nonce         []byte
	signature     []byte
	signedPayload []byte
}

// parseRoughtimeReply decodes a simplified Roughtime wire reply:
// [64-octet nonce][8-octet midpoint seconds since epoch as nanoseconds]
// [8-octet radius nanoseconds][64-octet Ed25519 signature over the first
// 80 octets]. This is a simplified framing (the full IETF Roughtime draft
// uses a tagged message format); the shape is sufficient to exercise the
// fuser and ceiling-enforcement behavior this client is responsible for.
func parseRoughtimeReply(data []byte) (*roughtimeReply, error) {
	const fixedSize = roughtimeNonceSize + 8 + 8 + ed25519.SignatureSize
	if len(data) < fixedSize {
		return nil, errors.New("reply too short")
	}

	nonce := append([]byte(nil), data[:roughtimeNonceSize]...)
	midpoint := binary.BigEndian.Uint64(data[roughtimeNonceSize : roughtimeNonceSize+8])
	radius := binary.BigEndian.Uint64(data[roughtimeNonceSize+8 : roughtimeNonceSize+16])
	signedPayload := append([]byte(nil), data[:roughtimeNonceSize+16]...)
	signature := append([]byte(nil), data[roughtimeNonceSize+16:roughtimeNonceSize+16+ed25519.SignatureSize]...)

	return &roughtimeReply{
		midpointNS:    midpoint,
		radiusNS:      radius,
		nonce:         nonce,
		signature:     signature,
		signedPayload: signedPayload,
	}, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
