//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/security"
	"github.com/stretchr/testify/require"
)

// TestSignedRequestReplayAndDrift signs a request at t, verifies it at
// t+1s (accepted), replays the same nonce at t+2s (rejected as reused),
// then verifies a fresh nonce at t+400s (rejected for timestamp drift).
func TestSignedRequestReplayAndDrift(t *testing.T) {
	clk := clock.NewFake(epoch())
	registry := security.NewNonceRegistry(clk, []byte("test-hmac-key"))

	baseUnix := clk.WallNow().Unix()
	req := security.SignedRequest{
		Method:        "POST",
		Path:          "/commit",
		TimestampUnix: baseUnix,
		Nonce:         "nonce-replay-1",
	}
	sig := registry.Sign(req)

	clk.Advance(1 * time.Second)
	require.NoError(t, registry.Verify(req, sig), "verification within the skew window with a fresh nonce is accepted")

	clk.Advance(1 * time.Second)
	err := registry.Verify(req, sig)
	require.Error(t, err)
	var reused *security.NonceReusedError
	require.ErrorAs(t, err, &reused, "the same nonce seen twice must be rejected as reused")

	fresh := security.SignedRequest{
		Method:        "POST",
		Path:          "/commit",
		TimestampUnix: baseUnix,
		Nonce:         "nonce-replay-2",
	}
	freshSig := registry.Sign(fresh)

	clk.Advance(400 * time.Second)
	err = registry.Verify(fresh, freshSig)
	require.ErrorIs(t, err, security.ErrTimestampSkew, "a request signed 400s in the past falls outside the allowed skew")
}
