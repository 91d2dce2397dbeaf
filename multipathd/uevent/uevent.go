// Package uevent synchronizes device-mapper state transitions with the udev
// event processor. A kernel operation issued with a cookie causes the
// resulting uevent to carry a DM_COOKIE property; waiting on the cookie
// establishes that udev has processed the event before the caller proceeds.
package uevent

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jochenvg/go-udev"
	"gopkg.in/tomb.v2"

	"github.com/canonical/multipath/multipathd/devmapper"
	"github.com/canonical/multipath/shared/logger"
)

// defaultWaitTimeout bounds a cookie wait so a lost uevent cannot hang the
// caller forever.
const defaultWaitTimeout = 30 * time.Second

// Bus watches the udev netlink stream for block device events and completes
// cookies as their DM_COOKIE acknowledgements arrive.
type Bus struct {
	tomb tomb.Tomb

	mu      sync.Mutex
	waiters map[uint16]chan struct{}
	nextID  uint16
	started bool

	// WaitTimeout bounds each cookie wait; set before Start.
	WaitTimeout time.Duration
}

// NewBus returns a bus; call Start before issuing cookies.
func NewBus() *Bus {
	return &Bus{
		waiters:     make(map[uint16]chan struct{}),
		WaitTimeout: defaultWaitTimeout,
	}
}

// Start connects to the udev netlink socket and begins dispatching events.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	u := udev.Udev{}
	monitor := u.NewMonitorFromNetlink("udev")
	if monitor == nil {
		return fmt.Errorf("Failed creating udev monitor")
	}

	err := monitor.FilterAddMatchSubsystem("block")
	if err != nil {
		return fmt.Errorf("Failed adding udev subsystem filter: %w", err)
	}

	ch, err := monitor.DeviceChan(b.tomb.Context(nil))
	if err != nil {
		return fmt.Errorf("Failed opening udev device channel: %w", err)
	}

	b.tomb.Go(func() error {
		for {
			select {
			case device, ok := <-ch:
				if !ok {
					return nil
				}

				b.dispatch(device)
			case <-b.tomb.Dying():
				return nil
			}
		}
	})

	b.started = true

	return nil
}

// Stop shuts the bus down and releases all pending waiters.
func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()

	b.tomb.Kill(nil)
	err := b.tomb.Wait()

	b.mu.Lock()
	for id, ch := range b.waiters {
		close(ch)
		delete(b.waiters, id)
	}

	b.started = false
	b.mu.Unlock()

	return err
}

// dispatch completes the waiter matching the event's DM_COOKIE, if any.
func (b *Bus) dispatch(device *udev.Device) {
	b.dispatchCookie(device.PropertyValue("DM_COOKIE"))
}

// dispatchCookie completes the waiter identified by the low half of the
// cookie value.
func (b *Bus) dispatchCookie(value string) {
	if value == "" {
		return
	}

	cookie, err := strconv.ParseUint(value, 0, 32)
	if err != nil {
		logger.Debug("Ignoring unparseable DM_COOKIE", logger.Ctx{"value": value})
		return
	}

	id := uint16(cookie)

	b.mu.Lock()
	ch, ok := b.waiters[id]
	if ok {
		delete(b.waiters, id)
	}

	b.mu.Unlock()

	if ok {
		close(ch)
	}
}

// NewCookie registers a cookie whose low half identifies the waiter and whose
// high half carries the udev flags.
func (b *Bus) NewCookie(flags uint16) (devmapper.Cookie, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return nil, fmt.Errorf("Uevent bus is not running")
	}

	// Pick a free non-zero ID.
	for range 1 << 16 {
		b.nextID++
		if b.nextID == 0 {
			continue
		}

		_, taken := b.waiters[b.nextID]
		if !taken {
			ch := make(chan struct{})
			b.waiters[b.nextID] = ch

			return &cookie{bus: b, id: b.nextID, flags: flags, ch: ch}, nil
		}
	}

	return nil, fmt.Errorf("No free udev cookie IDs")
}

// forget drops the waiter for id if still registered.
func (b *Bus) forget(id uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.waiters, id)
}

type cookie struct {
	bus   *Bus
	id    uint16
	flags uint16
	ch    chan struct{}
}

// Value encodes the cookie for the ioctl event number field.
func (c *cookie) Value() uint32 {
	return uint32(c.flags)<<16 | uint32(c.id)
}

// Wait blocks until udev has processed the paired uevent, the bus shuts
// down, or the wait times out.
func (c *cookie) Wait() error {
	timeout := c.bus.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	select {
	case <-c.ch:
		return nil
	case <-c.bus.tomb.Dying():
		c.bus.forget(c.id)
		return fmt.Errorf("Uevent bus shutting down")
	case <-time.After(timeout):
		c.bus.forget(c.id)
		logger.Warn("Timed out waiting for udev cookie", logger.Ctx{"cookie": c.Value()})
		return fmt.Errorf("Timed out waiting for udev cookie %#x", c.Value())
	}
}

// Abort releases the cookie without waiting.
func (c *cookie) Abort() {
	c.bus.forget(c.id)
}
