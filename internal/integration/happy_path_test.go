//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/bundle"
	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/embed"
	"github.com/stretchr/testify/require"
)

// TestHappyPathExport ingests 300 synthetic frames at a steady high
// quality, expects exactly one transition into the active state, then
// commits and exports a bundle carrying a three-source TimeProof with a
// non-empty fused interval.
func TestHappyPathExport(t *testing.T) {
	clk := clock.NewFake(epoch())
	clients := map[anchors.Source]anchors.Client{
		anchors.SourceTSA:       fixedAnchorClient{source: anchors.SourceTSA, timeNS: 1_700_000_000_000_000_000, uncNS: uint64(2 * time.Second)},
		anchors.SourceRoughtime: fixedAnchorClient{source: anchors.SourceRoughtime, timeNS: 1_700_000_000_000_000_000, uncNS: uint64(2 * time.Second)},
		anchors.SourceCalendar:  fixedAnchorClient{source: anchors.SourceCalendar, timeNS: 1_700_000_000_000_000_000, uncNS: uint64(2 * time.Second)},
	}
	p := openTestPipeline(t, clk, clients)

	transitions := 0
	for i := 0; i < 300; i++ {
		out := p.Frame(0.9, 1.0, false)
		if out.Proof != nil {
			transitions++
		}
		clk.Advance(33_333_333 * time.Nanosecond)
	}
	require.Equal(t, 1, transitions, "a steady high-quality trace should enter active exactly once")

	var hash [32]byte
	hash[0] = 0x01
	res, err := p.Commit(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, uint64(1), res.Entry.Seq)

	hash[0] = 0x02
	res2, err := p.Commit(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res2.Entry.Seq)

	exported, err := p.Export(context.Background(), res2.Entry.Seq, "e57", "1.0", 1_700_000_000, &bundle.DeviceAttestation{}, true)
	require.NoError(t, err)
	require.Len(t, exported.Bundle.TimeProof.Included, 3)
	require.Greater(t, exported.Bundle.TimeProof.FusedHi, exported.Bundle.TimeProof.FusedLo)

	out, err := p.EmbedE57([]byte("payload"), exported, embed.Options{ExtensionName: "CAPTUREPROOF_provenance"})
	require.NoError(t, err)
	require.NotEmpty(t, out)
}
