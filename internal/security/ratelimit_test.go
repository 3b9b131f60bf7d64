package security

import (
	"testing"
	"time"

	"github.com/capturemesh/captureproof/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rl := NewRateLimiter(fake, 1.0, 3)

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rl := NewRateLimiter(fake, 1.0, 1)

	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	fake.Advance(1100 * time.Millisecond)
	require.True(t, rl.Allow())
}

func TestRateLimiterBlockSuspendsAllow(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rl := NewRateLimiter(fake, 10.0, 5)
	rl.Block(time.Minute)

	require.False(t, rl.Allow())
	fake.Advance(61 * time.Second)
	require.True(t, rl.Allow())
}

func TestRateLimiterReset(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	rl := NewRateLimiter(fake, 1.0, 2)
	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.Reset()
	require.True(t, rl.Allow())
}

func TestFailureLimiterBacksOffAndLocks(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	fl := NewFailureLimiter(fake, 100*time.Millisecond, time.Second, time.Minute, 3, 5*time.Minute)

	d1 := fl.RecordFailure("key-a")
	require.Equal(t, 100*time.Millisecond, d1)
	require.False(t, fl.IsLocked("key-a"))

	d2 := fl.RecordFailure("key-a")
	require.Equal(t, 200*time.Millisecond, d2)

	d3 := fl.RecordFailure("key-a")
	require.Equal(t, 400*time.Millisecond, d3)
	require.True(t, fl.IsLocked("key-a"))

	fake.Advance(5*time.Minute + time.Second)
	require.False(t, fl.IsLocked("key-a"))
}

func TestFailureLimiterRecordSuccessClearsHistory(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	fl := NewFailureLimiter(fake, 100*time.Millisecond, time.Second, time.Minute, 3, 5*time.Minute)

	fl.RecordFailure("key-b")
	fl.RecordFailure("key-b")
	fl.RecordSuccess("key-b")

	d := fl.RecordFailure("key-b")
	require.Equal(t, 100*time.Millisecond, d)
}

func TestFailureLimiterResetsCountAfterInactivity(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	fl := NewFailureLimiter(fake, 100*time.Millisecond, time.Second, time.Minute, 3, 5*time.Minute)

	fl.RecordFailure("key-c")
	fake.Advance(2 * time.Minute)

	d := fl.RecordFailure("key-c")
	require.Equal(t, 100*time.Millisecond, d)
}
