package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTimersInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	var fired []string
	clk.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clk.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clk.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)

	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, start.Add(5500*time.Millisecond), clk.Now())
}

func TestFakeStopPreventsFiring(t *testing.T) {
	clk := NewFake(time.Now())

	fired := false
	timer := clk.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())

	clk.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestFakeTimerFiresOnce(t *testing.T) {
	clk := NewFake(time.Now())

	count := 0
	clk.AfterFunc(time.Second, func() { count++ })

	clk.Advance(time.Second)
	clk.Advance(time.Second)
	assert.Equal(t, 1, count)
}

func TestFakeSince(t *testing.T) {
	start := time.Now()
	clk := NewFake(start)
	clk.Advance(42 * time.Second)
	assert.Equal(t, 42*time.Second, clk.Since(start))
}

func TestRealClock(t *testing.T) {
	clk := Real{}
	before := time.Now()
	now := clk.Now()
	assert.False(t, now.Before(before))

	done := make(chan struct{})
	clk.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
