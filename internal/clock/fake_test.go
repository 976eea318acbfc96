package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	ch := c.After(10 * time.Second)
	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(10*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Zero(t, c.PendingCount())
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "waiter never released")
	}
}
