package devmapper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/canonical/multipath/shared/logger"
	"github.com/canonical/multipath/shared/revert"
)

// DeferredRemove is the tri-state deferred removal mode of a map.
type DeferredRemove int

const (
	// DeferredRemoveOff disables deferred removal.
	DeferredRemoveOff DeferredRemove = iota

	// DeferredRemoveOn requests that removal be deferred until the last
	// opener closes.
	DeferredRemoveOn

	// DeferredRemoveInProgress marks a deferred removal accepted by the
	// kernel and pending.
	DeferredRemoveInProgress
)

func (d DeferredRemove) active() bool {
	return d == DeferredRemoveOn || d == DeferredRemoveInProgress
}

// Multipath is the caller-owned descriptor of a multipath map. The subsystem
// mutates only NeedReload, NeedsPathsUevent and the DeferredRemove transitions
// from on to in-progress (deferred removal accepted) and back from in-progress
// to on (deferred removal cancelled); everything else is input.
type Multipath struct {
	WWID  string
	Alias string
	Size  uint64

	ForceReadonly   bool
	ForceUdevReload bool
	SkipKpartx      bool

	// Optional overrides for the device node; nil keeps the defaults.
	Mode *uint32
	UID  *uint32
	GID  *uint32

	DeferredRemove DeferredRemove

	// ActivePendingPaths is the current number of active or pending paths;
	// zero raises the no-paths udev flag.
	ActivePendingPaths int

	// GhostDelayTick delays path events while ghost paths settle.
	GhostDelayTick int

	NeedReload       bool
	NeedsPathsUevent bool
}

// buildUdevFlags computes the udev flag mask for a create or reload.
// The library-fallback disable flag is added when the task is issued, so
// callers may pass the result straight through.
func buildUdevFlags(mpp *Multipath, reload bool) uint16 {
	var flags uint16

	if mpp.SkipKpartx {
		flags |= UdevNoKpartxFlag
	}

	if mpp.ActivePendingPaths == 0 || mpp.GhostDelayTick > 0 {
		flags |= UdevNoPathsFlag
	}

	if reload && !mpp.ForceUdevReload {
		flags |= UdevReloadFlag
	}

	return flags
}

// simpleOp selects the map state transition issued by simpleCmd.
type simpleOp int

const (
	opSuspend simpleOp = iota
	opResume
	opRemove
)

// simpleCmd issues a suspend, resume or remove. Resume and remove generate a
// uevent and can carry a udev cookie; suspend never does.
func (s *Subsystem) simpleCmd(op simpleOp, name string, noFlush bool, needSync bool, udevFlags uint16, deferred DeferredRemove) error {
	t := &task{name: name}

	switch op {
	case opSuspend:
		t.cmd = dmDevSuspendCmd
		t.flags |= dmSuspendFlag
	case opResume:
		t.cmd = dmDevSuspendCmd
		t.flags |= dmSkipLockfsFlag
	case opRemove:
		t.cmd = dmDevRemoveCmd
		if deferred.active() {
			t.flags |= dmDeferredRemoveFlag
		}
	}

	if noFlush {
		t.flags |= dmNoflushFlag
	}

	var cookie Cookie
	if (needSync || udevFlags != 0) && op != opSuspend {
		var err error
		var eventNr uint32

		cookie, eventNr, err = s.newCookie(UdevDisableLibraryFallback | udevFlags)
		if err != nil {
			return err
		}

		t.eventNr = eventNr
	}

	err := s.runTask(t)
	if err != nil {
		s.logTaskError(2, t, err)
		if cookie != nil {
			cookie.Abort()
		}

		return err
	}

	if cookie != nil {
		if t.hdr.Flags&dmUeventGeneratedFlag != 0 {
			_ = cookie.Wait()
		} else {
			// No event was generated (e.g. removal deferred); do not
			// wait for one.
			cookie.Abort()
		}
	}

	return nil
}

// Suspend suspends the map, flushing outstanding I/O.
func (s *Subsystem) Suspend(name string) error {
	return s.simpleCmd(opSuspend, name, false, true, 0, DeferredRemoveOff)
}

// Resume resumes the map. noFlush suppresses flushing on the implied
// suspend release.
func (s *Subsystem) Resume(name string, noFlush bool, udevFlags uint16) error {
	return s.simpleCmd(opResume, name, noFlush, true, udevFlags, DeferredRemoveOff)
}

// removeDevice removes the map, optionally deferred.
func (s *Subsystem) removeDevice(name string, needSync bool, deferred DeferredRemove) error {
	return s.simpleCmd(opRemove, name, false, needSync, 0, deferred)
}

// addMap creates or reloads a map table. The three kernel steps of a create
// (device create, table load, resume) are issued separately; a device created
// here is removed again when the load or the resume fails.
func (s *Subsystem) addMap(cmd int, target string, mpp *Multipath, params string, ro bool, udevFlags uint16) error {
	if cmd == dmDevCreateCmd && mpp.WWID == "" {
		return fmt.Errorf("%s: refusing to create map with empty WWID", mpp.Alias)
	}

	// Added here to allow 0 to be passed in udevFlags.
	udevFlags |= UdevDisableLibraryFallback

	reverter := revert.New()
	defer reverter.Fail()

	if cmd == dmDevCreateCmd {
		create := &task{cmd: dmDevCreateCmd, name: mpp.Alias, uuid: UUIDPrefix + mpp.WWID}
		err := s.runTask(create)
		if err != nil {
			s.logTaskError(2, create, err)
			return err
		}

		// A failed table load would leave an empty device behind.
		reverter.Add(func() {
			remove := &task{cmd: dmDevRemoveCmd, name: mpp.Alias}
			_ = s.runTask(remove)
		})
	}

	verb := "addmap"
	if cmd == dmTableLoadCmd {
		verb = "reload"
	}

	logger.Info("Loading map table", logger.Ctx{"name": mpp.Alias, "op": verb, "table": fmt.Sprintf("0 %d %s %s", mpp.Size, target, params)})

	load := &task{
		cmd:  dmTableLoadCmd,
		name: mpp.Alias,
		targets: []Target{{
			Start:  0,
			Length: mpp.Size,
			Type:   target,
			Params: params,
		}},
	}

	if ro {
		load.flags |= dmReadonlyFlag
	}

	err := s.runTask(load)
	if err != nil {
		s.logTaskError(2, load, err)
		return err
	}

	if cmd == dmDevCreateCmd {
		// Make the loaded table live. The uevent for the new device is
		// generated here, so this step carries the cookie.
		resume := &task{cmd: dmDevSuspendCmd, name: mpp.Alias, flags: dmSkipLockfsFlag | dmNoflushFlag}

		cookie, eventNr, err := s.newCookie(udevFlags)
		if err != nil {
			return err
		}

		resume.eventNr = eventNr

		err = s.runTask(resume)
		if err != nil {
			s.logTaskError(2, resume, err)
			if cookie != nil {
				cookie.Abort()
			}

			return err
		}

		if cookie != nil {
			_ = cookie.Wait()
		}

		s.applyNodeAttrs(mpp)
	}

	reverter.Success()
	mpp.NeedReload = false

	return nil
}

// applyNodeAttrs applies the descriptor's mode/uid/gid overrides to the
// device node, when it already exists.
func (s *Subsystem) applyNodeAttrs(mpp *Multipath) {
	if mpp.Mode == nil && mpp.UID == nil && mpp.GID == nil {
		return
	}

	node := "/dev/mapper/" + mpp.Alias

	if mpp.Mode != nil {
		err := unix.Chmod(node, *mpp.Mode)
		if err != nil {
			logger.Warn("Failed to set device node mode", logger.Ctx{"node": node, "err": err})
		}
	}

	if mpp.UID != nil || mpp.GID != nil {
		uid := -1
		gid := -1
		if mpp.UID != nil {
			uid = int(*mpp.UID)
		}

		if mpp.GID != nil {
			gid = int(*mpp.GID)
		}

		err := unix.Chown(node, uid, gid)
		if err != nil {
			logger.Warn("Failed to set device node ownership", logger.Ctx{"node": node, "err": err})
		}
	}
}

// CreateMap creates the kernel map described by mpp with the given table
// params. A read-write attempt rejected with EROFS is retried read-only
// once. On any ultimate failure the WWID is marked failed; on a transition
// from previously-failed to success the descriptor's NeedsPathsUevent flag is
// raised so the caller re-emits path events.
func (s *Subsystem) CreateMap(mpp *Multipath, params string) error {
	udevFlags := buildUdevFlags(mpp, false)

	ro := mpp.ForceReadonly
	var err error
	for {
		err = s.addMap(dmDevCreateCmd, TargetMultipath, mpp, params, ro, udevFlags)
		if err == nil {
			if s.unmarkFailedWWID(mpp.WWID) {
				mpp.NeedsPathsUevent = true
			}

			return nil
		}

		// A create is a device-create plus a table-load; failing the
		// second part leaves an empty map behind. Clean it up.
		if s.MapPresent(mpp.Alias) {
			logger.Debug("Failed to load map (a path might be in use)", logger.Ctx{"name": mpp.Alias})
			_, _ = s.flushMap(mpp.Alias, false, DeferredRemoveOff, false, 0)
		}

		if ro || !errors.Is(err, unix.EROFS) {
			logger.Debug("Failed to load map", logger.Ctx{"name": mpp.Alias, "err": err})
			break
		}

		ro = true
	}

	if s.markFailedWWID(mpp.WWID) {
		mpp.NeedsPathsUevent = true
	}

	return err
}

// ReloadMap loads a new table into an existing map and resumes it. A reload
// rejected with EROFS is retried read-only. The reload itself never carries
// a cookie; the cookie is released by the following resume. If that resume
// fails with the device left suspended, a second resume makes the kernel
// drop the new table and restore the old one.
func (s *Subsystem) ReloadMap(mpp *Multipath, params string, flush bool) error {
	udevFlags := buildUdevFlags(mpp, true)

	var err error
	if !mpp.ForceReadonly {
		err = s.addMap(dmTableLoadCmd, TargetMultipath, mpp, params, false, 0)
		if err != nil && !errors.Is(err, unix.EROFS) {
			return err
		}
	}

	if mpp.ForceReadonly || err != nil {
		err = s.addMap(dmTableLoadCmd, TargetMultipath, mpp, params, true, 0)
		if err != nil {
			return err
		}
	}

	err = s.Resume(mpp.Alias, !flush, udevFlags)
	if err == nil {
		return nil
	}

	suspended, serr := s.IsSuspended(mpp.Alias)
	if serr == nil && suspended {
		_ = s.Resume(mpp.Alias, !flush, udevFlags)
	}

	return err
}

// flushMap tears down a live multipath map together with its partition
// children. It reports whether the removal was deferred.
func (s *Subsystem) flushMap(name string, needSync bool, deferred DeferredRemove, needSuspend bool, retries int) (bool, error) {
	isMpath, err := s.IsMpath(name)
	if err != nil {
		return false, err
	}

	if !isMpath {
		// Nothing to do.
		return false, nil
	}

	// If the device currently has no partitions, do not run kpartx on it
	// if the delete fails.
	var udevFlags uint16
	hasParts, err := s.hasPartmaps(name)
	if err == nil && !hasParts {
		udevFlags |= UdevNoKpartxFlag
	}

	// Without a deferred remove, make sure that no devices are in use.
	if !deferred.active() {
		inUse, err := s.partmapInUse(name, nil)
		if err != nil {
			return false, err
		}

		if inUse {
			return false, ErrMapInUse
		}
	}

	// When suspending first, stop queueing so outstanding I/O errors out
	// instead of hanging the flush; remember whether the clear worked so
	// the flag can be restored if the remove fails.
	queueState := 0
	if needSuspend {
		_, params, err := s.GetMap(name)
		if err == nil && strings.Contains(params, "queue_if_no_path") {
			err = s.QueueIfNoPath(name, false)
			if err == nil {
				queueState = 1
			} else {
				// Leave queue_if_no_path alone if unset failed.
				queueState = -1
			}
		}
	}

	err = s.removePartmaps(name, needSync, deferred)
	if err != nil {
		return false, err
	}

	if !deferred.active() {
		count, err := s.Opencount(name)
		if err == nil && count > 0 {
			logger.Warn("Map in use", logger.Ctx{"name": name})
			return false, ErrMapInUse
		}
	}

	reverter := revert.New()
	defer reverter.Fail()

	if queueState == 1 {
		reverter.Add(func() {
			_ = s.QueueIfNoPath(name, true)
		})
	}

	for i := 0; ; i++ {
		if needSuspend && queueState != -1 {
			_ = s.Suspend(name)
		}

		err = s.removeDevice(name, needSync, deferred)
		if err == nil {
			if deferred.active() && s.MapPresent(name) {
				logger.Debug("Multipath map remove deferred", logger.Ctx{"name": name})
				reverter.Success()
				return true, nil
			}

			logger.Debug("Multipath map removed", logger.Ctx{"name": name})
			reverter.Success()

			return false, nil
		}

		isMpath, merr := s.IsMpath(name)
		if merr == nil && !isMpath {
			// We raced with someone else removing it.
			logger.Debug("Multipath map removed externally", logger.Ctx{"name": name})
			reverter.Success()

			return false, nil
		}

		logger.Warn("Failed to remove multipath map", logger.Ctx{"name": name, "err": err})
		if needSuspend && queueState != -1 {
			_ = s.Resume(name, true, udevFlags)
		}

		if i >= retries {
			break
		}

		time.Sleep(time.Second)
	}

	return false, err
}

// FlushMap removes the map and its partitions, waiting on udev.
func (s *Subsystem) FlushMap(name string) error {
	_, err := s.flushMap(name, true, DeferredRemoveOff, false, 0)
	return err
}

// FlushMapNosync removes the map and its partitions without waiting on udev.
func (s *Subsystem) FlushMapNosync(name string) error {
	_, err := s.flushMap(name, false, DeferredRemoveOff, false, 0)
	return err
}

// SuspendAndFlushMap suspends the map before removal to flush outstanding
// I/O, retrying up to retries times with one second pauses.
func (s *Subsystem) SuspendAndFlushMap(name string, retries int) error {
	_, err := s.flushMap(name, true, DeferredRemoveOff, true, retries)
	return err
}

// FlushMapNoPaths removes a map that has lost all its paths, honoring the
// descriptor's deferred remove mode. On a deferred removal the descriptor
// advances from on to in-progress.
func (s *Subsystem) FlushMapNoPaths(mpp *Multipath) (bool, error) {
	deferred, err := s.flushMap(mpp.Alias, true, mpp.DeferredRemove, false, 0)
	if err != nil {
		return false, err
	}

	if deferred && mpp.DeferredRemove == DeferredRemoveOn {
		mpp.DeferredRemove = DeferredRemoveInProgress
	}

	return deferred, nil
}

// FlushAll tears down every live multipath map.
func (s *Subsystem) FlushAll(needSuspend bool, retries int) error {
	entries, err := s.listMapNames()
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range entries {
		if needSuspend {
			err = s.SuspendAndFlushMap(e.name, retries)
		} else {
			err = s.FlushMap(e.name)
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Rename renames the map and its partition children. With an empty delim the
// separator between the new name and a partition suffix defaults to "p" when
// the new name ends in a digit.
func (s *Subsystem) Rename(old string, new string, delim string, skipKpartx bool) error {
	err := s.renamePartmaps(old, new, delim)
	if err != nil {
		return err
	}

	udevFlags := UdevDisableLibraryFallback
	if skipKpartx {
		udevFlags |= UdevNoKpartxFlag
	}

	cookie, eventNr, err := s.newCookie(udevFlags)
	if err != nil {
		return err
	}

	t := &task{cmd: dmDevRenameCmd, name: old, newName: new, eventNr: eventNr}
	err = s.runTask(t)
	if err != nil {
		s.logTaskError(2, t, err)
		if cookie != nil {
			cookie.Abort()
		}

		return err
	}

	if cookie != nil {
		_ = cookie.Wait()
	}

	return nil
}
