package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var fired []string

	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() {
		fired = append(fired, "b")
		c.AfterFunc(500*time.Millisecond, func() { fired = append(fired, "b2") })
	})

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)

	c.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "b2", "c"}, fired)
	require.Equal(t, time.Unix(3, 0), c.Now())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(5 * time.Second)
	require.False(t, fired)
	require.Zero(t, c.Pending())
}
