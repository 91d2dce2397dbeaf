package uevent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that cookies are refused while the bus is down.
func TestNewCookieNotRunning(t *testing.T) {
	b := NewBus()

	_, err := b.NewCookie(0)
	assert.Error(t, err)
}

// Test the cookie value encoding: flags in the high half, ID in the low one.
func TestCookieValue(t *testing.T) {
	b := NewBus()
	b.started = true

	c, err := b.NewCookie(0x0220)
	require.NoError(t, err)

	value := c.Value()
	assert.Equal(t, uint32(0x0220), value>>16)
	assert.NotZero(t, value&0xffff)
}

// Test that a dispatched DM_COOKIE completes the matching waiter.
func TestCookieDispatch(t *testing.T) {
	b := NewBus()
	b.started = true
	b.WaitTimeout = 5 * time.Second

	c, err := b.NewCookie(0x0100)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Wait()
	}()

	// The udev rules report the full 32 bit cookie; only the low half
	// identifies the waiter.
	b.dispatchCookie(fmt.Sprintf("%d", c.Value()))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cookie wait did not complete")
	}
}

// Test that an unknown or malformed cookie is ignored.
func TestCookieDispatchIgnores(t *testing.T) {
	b := NewBus()
	b.started = true

	b.dispatchCookie("")
	b.dispatchCookie("not-a-number")
	b.dispatchCookie("99999")
}

// Test that a wait times out when no event arrives.
func TestCookieWaitTimeout(t *testing.T) {
	b := NewBus()
	b.started = true
	b.WaitTimeout = 50 * time.Millisecond

	c, err := b.NewCookie(0)
	require.NoError(t, err)

	err = c.Wait()
	assert.Error(t, err)
}

// Test that aborting releases the waiter slot.
func TestCookieAbort(t *testing.T) {
	b := NewBus()
	b.started = true

	c, err := b.NewCookie(0)
	require.NoError(t, err)

	c.Abort()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Empty(t, b.waiters)
}
