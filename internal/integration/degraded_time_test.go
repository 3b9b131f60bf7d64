//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/anchors"
	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/stretchr/testify/require"
)

// TestDegradedTimeExcludesTimedOutSource simulates a calendar anchor
// that times out while the TSA and Roughtime clients succeed: the
// resulting TimeProof includes exactly two sources and records the
// calendar's exclusion reason.
func TestDegradedTimeExcludesTimedOutSource(t *testing.T) {
	clk := clock.NewFake(epoch())
	clients := map[anchors.Source]anchors.Client{
		anchors.SourceTSA:       fixedAnchorClient{source: anchors.SourceTSA, timeNS: 1_700_000_000_000_000_000, uncNS: uint64(2 * time.Second)},
		anchors.SourceRoughtime: fixedAnchorClient{source: anchors.SourceRoughtime, timeNS: 1_700_000_000_000_000_000, uncNS: uint64(2 * time.Second)},
		anchors.SourceCalendar:  failingAnchorClient{err: errors.New("upgrade_timeout")},
	}
	p := openTestPipeline(t, clk, clients)

	var hash [32]byte
	hash[0] = 0xAA
	res, err := p.Commit(context.Background(), hash)
	require.NoError(t, err)

	require.Len(t, res.TimeProof.Included, 2)
	includedSources := map[anchors.Source]bool{}
	for _, ev := range res.TimeProof.Included {
		includedSources[ev.Source] = true
	}
	require.True(t, includedSources[anchors.SourceTSA])
	require.True(t, includedSources[anchors.SourceRoughtime])

	require.Len(t, res.TimeProof.Excluded, 1)
	require.Equal(t, anchors.SourceCalendar, res.TimeProof.Excluded[0].Evidence)
	require.Contains(t, res.TimeProof.Excluded[0].Reason, "upgrade_timeout")
}
