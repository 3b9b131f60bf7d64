//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/capturemesh/captureproof/internal/quality"
	"github.com/stretchr/testify/require"
)

// TestHysteresisSingleEntryNoExitOnDip drives the quality trace
// [0.5]x10, [0.9]x10, [0.7]x3, [0.9]x20 through the gate with
// enter=0.85, exit=0.65, dwell=5 frames: expects a single active-entry
// transition at frame index 10, and no exit during the 0.7 dip (0.7
// never crosses the 0.65 exit threshold).
func TestHysteresisSingleEntryNoExitOnDip(t *testing.T) {
	const framePeriod = 33_333_333 * time.Nanosecond

	clk := clock.NewFake(epoch())
	m := quality.New(clk, quality.Tunables{
		EnterThreshold:           0.85,
		ExitThreshold:            0.65,
		CooldownNS:               uint64(framePeriod),
		MinDwellFrames:           5,
		NominalFramePeriodNS:     uint64(framePeriod),
		ConfidenceFloor:          0.0,
		RelocalizationDeadlineNS: uint64(3 * time.Second),
		EmergencyRateLimit:       0,
	})

	trace := make([]float64, 0, 43)
	for i := 0; i < 10; i++ {
		trace = append(trace, 0.5)
	}
	for i := 0; i < 10; i++ {
		trace = append(trace, 0.9)
	}
	for i := 0; i < 3; i++ {
		trace = append(trace, 0.7)
	}
	for i := 0; i < 20; i++ {
		trace = append(trace, 0.9)
	}

	transitions := 0
	transitionIndex := -1
	for i, q := range trace {
		out := m.Frame(q, 1.0, false)
		if out.Proof != nil {
			transitions++
			if transitionIndex == -1 {
				transitionIndex = i
			}
		}
		clk.Advance(framePeriod)
	}

	require.Equal(t, 1, transitions, "hysteresis should only fire one transition across the whole trace")
	require.Equal(t, 10, transitionIndex, "entry should fire at the first frame crossing the enter threshold")
	require.Equal(t, quality.StateActive, m.Main(), "state should remain active through the dip and the tail")
}
