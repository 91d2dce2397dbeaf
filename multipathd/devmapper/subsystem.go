package devmapper

import (
	"fmt"
	"sync"

	"github.com/canonical/multipath/shared/logger"
)

// Cookie pairs a kernel operation with the uevent it generates so callers can
// wait for the event to be processed by udev.
type Cookie interface {
	// Value is the cookie as encoded into the ioctl event number.
	Value() uint32

	// Wait blocks until the paired uevent has been processed.
	Wait() error

	// Abort releases the cookie without waiting, for operations that
	// failed before the kernel could generate an event.
	Abort()
}

// CookieBus issues udev cookies. Implemented by the uevent package.
type CookieBus interface {
	NewCookie(flags uint16) (Cookie, error)
}

// Version identifiers for Version().
const (
	LibraryVersion = iota
	KernelVersion
	MpathTargetVersion
)

// libraryVersion is the version of the device-mapper control implementation
// in this package, numbered after the userspace library lineage it replaces.
var libraryVersion = [3]uint32{1, 2, 131}

// libraryVersionFloor is the minimum control implementation version the rest
// of the subsystem is allowed to run against.
var libraryVersionFloor = [3]uint32{1, 2, 8}

// mpathTargetFloor is the minimum multipath kernel target version.
var mpathTargetFloor = [3]uint32{1, 0, 3}

// versionGE reports a >= b.
func versionGE(a [3]uint32, b [3]uint32) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}

	return true
}

// Subsystem owns the process-global device-mapper state: the control device,
// the ioctl serialization lock, the cached versions and the failed WWID set.
// All kernel operations on maps go through one Subsystem.
type Subsystem struct {
	// mu serializes every control ioctl; the control device and the
	// kernel's per-fd state are not re-entrant.
	mu      sync.Mutex
	control taskRunner

	bus      CookieBus
	udevSync bool

	initOnce  sync.Once
	initErr   error
	skipInit  bool
	verbosity int

	versionsOnce  sync.Once
	versionsErr   error
	kernelVersion [3]uint32
	mpathVersion  [3]uint32

	failedMu    sync.Mutex
	failedWWIDs map[string]struct{}
}

// New returns an uninitialized subsystem. The control device is opened and
// version floors are checked on first use (or by an explicit Init call).
func New(verbosity int) *Subsystem {
	return &Subsystem{
		verbosity:   verbosity,
		failedWWIDs: make(map[string]struct{}),
	}
}

// SetCookieBus attaches the udev cookie bus used for synchronized operations.
func (s *Subsystem) SetCookieBus(bus CookieBus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bus = bus
}

// SetUdevSyncSupport toggles waiting on udev cookies.
func (s *Subsystem) SetUdevSyncSupport(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.udevSync = on
}

// SkipInit marks the subsystem initialized without running version checks,
// for callers that have verified the environment themselves. The control
// device is still opened on first use.
func (s *Subsystem) SkipInit() {
	s.skipInit = true
}

// initVersions queries and caches the kernel and multipath target versions.
// Runs at most once per process; later calls return the first result.
func (s *Subsystem) initVersions() error {
	s.versionsOnce.Do(func() {
		t := &task{cmd: dmVersionCmd}
		err := s.runLocked(t)
		if err != nil {
			s.versionsErr = fmt.Errorf("Cannot communicate with kernel device-mapper: %w", err)
			return
		}

		s.kernelVersion = t.hdr.Version
		logger.Debug("Kernel device mapper", logger.Ctx{"version": fmt.Sprintf("%d.%d.%d", s.kernelVersion[0], s.kernelVersion[1], s.kernelVersion[2])})

		t = &task{cmd: dmListVersionsCmd, payloadHint: minPayload}
		err = s.runLocked(t)
		if err != nil {
			s.versionsErr = fmt.Errorf("Failed listing kernel device-mapper targets: %w", err)
			return
		}

		for _, tv := range parseTargetVersions(t.payload) {
			if tv.name == TargetMultipath {
				s.mpathVersion = tv.version
				logger.Debug("DM multipath kernel driver", logger.Ctx{"version": fmt.Sprintf("%d.%d.%d", tv.version[0], tv.version[1], tv.version[2])})
				return
			}
		}

		s.versionsErr = fmt.Errorf("DM %s kernel driver not loaded", TargetMultipath)
	})

	return s.versionsErr
}

// Prereq verifies the version floors. It returns the multipath target
// version on success.
func (s *Subsystem) Prereq() ([3]uint32, error) {
	err := s.initVersions()
	if err != nil {
		return [3]uint32{}, err
	}

	if !versionGE(libraryVersion, libraryVersionFloor) {
		return [3]uint32{}, fmt.Errorf("Device-mapper library version must be >= %d.%d.%d", libraryVersionFloor[0], libraryVersionFloor[1], libraryVersionFloor[2])
	}

	if !versionGE(s.mpathVersion, mpathTargetFloor) {
		return [3]uint32{}, fmt.Errorf("DM multipath kernel driver must be >= v%d.%d.%d", mpathTargetFloor[0], mpathTargetFloor[1], mpathTargetFloor[2])
	}

	return s.mpathVersion, nil
}

// Init opens the control device, holds it for the process lifetime and
// enforces the version floors. It runs at most once; later calls return the
// first result. Every kernel operation calls it implicitly.
func (s *Subsystem) Init() error {
	s.initOnce.Do(func() {
		if s.skipInit {
			return
		}

		_, err := s.Prereq()
		if err != nil {
			s.initErr = err
		}
	})

	return s.initErr
}

// Version returns one of the cached version triples.
func (s *Subsystem) Version(which int) ([3]uint32, error) {
	switch which {
	case LibraryVersion:
		return libraryVersion, nil
	case KernelVersion, MpathTargetVersion:
		err := s.initVersions()
		if err != nil {
			return [3]uint32{}, err
		}

		if which == KernelVersion {
			return s.kernelVersion, nil
		}

		return s.mpathVersion, nil
	}

	return [3]uint32{}, fmt.Errorf("Invalid version selector %d", which)
}

// Close releases the control device.
func (s *Subsystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		return nil
	}

	err := s.control.close()
	s.control = nil

	return err
}

// runLocked issues a task while holding the subsystem lock, opening the
// control device on first use.
func (s *Subsystem) runLocked(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.control == nil {
		control, err := openControl()
		if err != nil {
			return err
		}

		s.control = control
	}

	return runTask(s.control, t)
}

// runTask initializes the subsystem if needed and issues the task.
func (s *Subsystem) runTask(t *task) error {
	err := s.Init()
	if err != nil {
		return err
	}

	return s.runLocked(t)
}

// logTaskError reports a failed kernel operation at a verbosity-gated level.
func (s *Subsystem) logTaskError(level int, t *task, err error) {
	name := "<bad command>"
	if t.cmd < len(dmCmdName) {
		name = dmCmdName[t.cmd]
	}

	ctx := logger.Ctx{"command": name, "name": t.name, "err": err}
	if level > s.verbosity {
		return
	}

	if level <= 1 {
		logger.Error("Device-mapper task failed", ctx)
	} else if level == 2 {
		logger.Warn("Device-mapper task failed", ctx)
	} else {
		logger.Debug("Device-mapper task failed", ctx)
	}
}

// newCookie returns a cookie and its event number encoding when udev sync is
// enabled, or a zero event number otherwise.
func (s *Subsystem) newCookie(flags uint16) (Cookie, uint32, error) {
	s.mu.Lock()
	bus := s.bus
	enabled := s.udevSync
	s.mu.Unlock()

	if !enabled || bus == nil {
		return nil, 0, nil
	}

	cookie, err := bus.NewCookie(flags)
	if err != nil {
		return nil, 0, err
	}

	return cookie, cookie.Value(), nil
}

// markFailedWWID records a WWID whose map creation failed. It reports whether
// the set changed.
func (s *Subsystem) markFailedWWID(wwid string) bool {
	if wwid == "" {
		return false
	}

	s.failedMu.Lock()
	defer s.failedMu.Unlock()

	_, ok := s.failedWWIDs[wwid]
	if ok {
		return false
	}

	s.failedWWIDs[wwid] = struct{}{}

	return true
}

// unmarkFailedWWID clears a WWID from the failed set. It reports whether the
// set changed.
func (s *Subsystem) unmarkFailedWWID(wwid string) bool {
	if wwid == "" {
		return false
	}

	s.failedMu.Lock()
	defer s.failedMu.Unlock()

	_, ok := s.failedWWIDs[wwid]
	if !ok {
		return false
	}

	delete(s.failedWWIDs, wwid)

	return true
}
