package drift

import (
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestFirstUpdateFixesSessionAnchorNoEvent(t *testing.T) {
	tr := New(clock.NewFake(time.Unix(0, 0)), 0.1)
	event := tr.Update(1.0, "f1")
	require.Nil(t, event)
	require.Equal(t, 1.0, tr.SessionAnchor().Value)
	require.Equal(t, 1.0, tr.CurrentAnchor().Value)
	require.False(t, tr.Drifted())
}

func TestDriftWithinThresholdProducesNoEvent(t *testing.T) {
	tr := New(clock.NewFake(time.Unix(0, 0)), 0.5)
	tr.Update(1.0, "f1")
	event := tr.Update(1.2, "f2")
	require.Nil(t, event)
	require.False(t, tr.Drifted())
}

func TestDriftBeyondThresholdEmitsEventAndFlags(t *testing.T) {
	tr := New(clock.NewFake(time.Unix(0, 0)), 0.5)
	tr.Update(1.0, "f1")
	event := tr.Update(2.0, "f2")
	require.NotNil(t, event)
	require.InDelta(t, 1.0, event.Drift, 1e-9)
	require.True(t, tr.Drifted())
}

func TestReanchorRecordsHistoryAndClearsDrift(t *testing.T) {
	tr := New(clock.NewFake(time.Unix(0, 0)), 0.5)
	tr.Update(1.0, "f1")
	tr.Update(2.0, "f2")
	require.True(t, tr.Drifted())

	tr.Reanchor()
	require.False(t, tr.Drifted())
	require.Len(t, tr.History(), 1)
	require.Equal(t, 1.0, tr.History()[0].PreviousSessionAnchor.Value)
	require.Equal(t, "f2", tr.History()[0].ReanchoredAtFrameID)
	require.Equal(t, 2.0, tr.SessionAnchor().Value)

	event := tr.Update(2.1, "f3")
	require.Nil(t, event)
}
