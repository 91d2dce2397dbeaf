package devmapper

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/canonical/multipath/shared/logger"
)

// Info describes the kernel state of a device-mapper device.
type Info struct {
	Major          uint32
	Minor          uint32
	OpenCount      int32
	TargetCount    uint32
	EventNr        uint32
	Suspended      bool
	ReadOnly       bool
	DeferredRemove bool
}

func infoFromHdr(hdr *dmIoctl) *Info {
	return &Info{
		Major:          unix.Major(hdr.Dev),
		Minor:          unix.Minor(hdr.Dev),
		OpenCount:      hdr.OpenCount,
		TargetCount:    hdr.TargetCount,
		EventNr:        hdr.EventNr,
		Suspended:      hdr.Flags&dmSuspendFlag != 0,
		ReadOnly:       hdr.Flags&dmReadonlyFlag != 0,
		DeferredRemove: hdr.Flags&dmDeferredRemoveFlag != 0,
	}
}

// notFound converts ENXIO into ErrNotFound while keeping other errors.
func notFound(err error) error {
	if errors.Is(err, unix.ENXIO) {
		return ErrNotFound
	}

	return err
}

// Info returns the kernel state of the named map, or ErrNotFound.
func (s *Subsystem) Info(name string) (*Info, error) {
	t := &task{cmd: dmDevStatusCmd, name: name}
	err := s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return nil, notFound(err)
	}

	if t.hdr.Flags&dmExistsFlag == 0 {
		return nil, ErrNotFound
	}

	return infoFromHdr(&t.hdr), nil
}

// MapPresent reports whether a map with the given name exists.
func (s *Subsystem) MapPresent(name string) bool {
	_, err := s.Info(name)
	return err == nil
}

// MapPresentByUUID reports whether a map exists whose UUID is
// "<prefix><uuid>".
func (s *Subsystem) MapPresentByUUID(uuid string) (bool, error) {
	if uuid == "" {
		return false, nil
	}

	t := &task{cmd: dmDevStatusCmd, uuid: UUIDPrefix + uuid}
	err := s.runTask(t)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return false, nil
		}

		s.logTaskError(3, t, err)

		return false, err
	}

	return t.hdr.Flags&dmExistsFlag != 0, nil
}

// prefixedUUID returns the full kernel UUID of the named map.
func (s *Subsystem) prefixedUUID(name string) (string, error) {
	t := &task{cmd: dmDevStatusCmd, name: name}
	err := s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return "", notFound(err)
	}

	return cstring(t.hdr.UUID[:]), nil
}

// MapWWID returns the WWID component of the map's UUID, or "" when the UUID
// does not carry the multipath prefix.
func (s *Subsystem) MapWWID(name string) (string, error) {
	uuid, err := s.prefixedUUID(name)
	if err != nil {
		return "", err
	}

	wwid, ok := strings.CutPrefix(uuid, UUIDPrefix)
	if !ok {
		return "", nil
	}

	return wwid, nil
}

// targetsOf returns the map's table (wantTable false returns the status
// params instead).
func (s *Subsystem) targetsOf(name string, wantTable bool) ([]Target, error) {
	t := &task{cmd: dmTableStatusCmd, name: name, payloadHint: minPayload}
	if wantTable {
		t.flags = dmStatusTableFlag
	}

	err := s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return nil, notFound(err)
	}

	return parseTargets(t.hdr.TargetCount, t.payload), nil
}

// GetMap returns the size and table params of a single-target map. A map
// with no or multiple targets reports ErrNotFound, distinct from transport
// failures.
func (s *Subsystem) GetMap(name string) (uint64, string, error) {
	targets, err := s.targetsOf(name, true)
	if err != nil {
		return 0, "", err
	}

	if len(targets) != 1 {
		return 0, "", ErrNotFound
	}

	return targets[0].Length, targets[0].Params, nil
}

// GetStatus returns the status string of a single-target multipath map.
func (s *Subsystem) GetStatus(name string) (string, error) {
	targets, err := s.targetsOf(name, false)
	if err != nil {
		return "", err
	}

	if len(targets) != 1 || targets[0].Type != TargetMultipath {
		return "", ErrNotFound
	}

	return targets[0].Params, nil
}

// mapType returns the target type of a single-target map, or "" when the map
// is empty or has multiple targets.
func (s *Subsystem) mapType(name string) (string, error) {
	targets, err := s.targetsOf(name, true)
	if err != nil {
		return "", err
	}

	if len(targets) != 1 {
		return "", nil
	}

	return targets[0].Type, nil
}

// IsMpath reports whether the named device is a multipath map: a single
// multipath target with a prefixed UUID.
func (s *Subsystem) IsMpath(name string) (bool, error) {
	t := &task{cmd: dmTableStatusCmd, name: name, flags: dmStatusTableFlag, payloadHint: minPayload}
	err := s.runTask(t)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return false, nil
		}

		s.logTaskError(3, t, err)

		return false, err
	}

	if t.hdr.Flags&dmExistsFlag == 0 {
		return false, nil
	}

	uuid := cstring(t.hdr.UUID[:])
	if !strings.HasPrefix(uuid, UUIDPrefix) {
		return false, nil
	}

	targets := parseTargets(t.hdr.TargetCount, t.payload)
	if len(targets) != 1 || targets[0].Type != TargetMultipath {
		return false, nil
	}

	return true, nil
}

// Opencount returns the map's open count.
func (s *Subsystem) Opencount(name string) (int32, error) {
	info, err := s.Info(name)
	if err != nil {
		return -1, err
	}

	return info.OpenCount, nil
}

// MajorMinor returns the map's device numbers.
func (s *Subsystem) MajorMinor(name string) (uint32, uint32, error) {
	info, err := s.Info(name)
	if err != nil {
		return 0, 0, err
	}

	return info.Major, info.Minor, nil
}

// DevT returns the map's device numbers as "major:minor".
func (s *Subsystem) DevT(name string) (string, error) {
	major, minor, err := s.MajorMinor(name)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d:%d", major, minor), nil
}

// EventNumber returns the map's event counter.
func (s *Subsystem) EventNumber(name string) (uint32, error) {
	info, err := s.Info(name)
	if err != nil {
		return 0, err
	}

	return info.EventNr, nil
}

// IsSuspended reports whether the map is suspended.
func (s *Subsystem) IsSuspended(name string) (bool, error) {
	info, err := s.Info(name)
	if err != nil {
		return false, err
	}

	return info.Suspended, nil
}

// MapName returns the map name for the given device numbers.
func (s *Subsystem) MapName(major uint32, minor uint32) (string, error) {
	t := &task{cmd: dmDevStatusCmd, major: major, minor: minor}
	err := s.runTask(t)
	if err != nil {
		s.logTaskError(2, t, err)
		return "", fmt.Errorf("%d:%d: error fetching map name: %w", major, minor, notFound(err))
	}

	return cstring(t.hdr.Name[:]), nil
}

// listMapNames enumerates all kernel device-mapper devices.
func (s *Subsystem) listMapNames() ([]deviceEntry, error) {
	t := &task{cmd: dmListDevicesCmd, payloadHint: minPayload}
	err := s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return nil, err
	}

	return parseNames(t.payload), nil
}

// MapNames returns the names of all kernel device-mapper devices.
func (s *Subsystem) MapNames() ([]string, error) {
	entries, err := s.listMapNames()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}

	return names, nil
}

// GetMultipath returns a descriptor for a live multipath map.
func (s *Subsystem) GetMultipath(name string) (*Multipath, error) {
	size, _, err := s.GetMap(name)
	if err != nil {
		return nil, err
	}

	mpp := &Multipath{Alias: name, Size: size}

	wwid, err := s.MapWWID(name)
	if err != nil {
		logger.Warn("Failed to get UUID for map", logger.Ctx{"name": name, "err": err})
	} else {
		mpp.WWID = wwid
	}

	return mpp, nil
}

// GetMaps returns descriptors for all live multipath maps.
func (s *Subsystem) GetMaps() ([]*Multipath, error) {
	entries, err := s.listMapNames()
	if err != nil {
		return nil, err
	}

	maps := make([]*Multipath, 0, len(entries))
	for _, e := range entries {
		isMpath, err := s.IsMpath(e.name)
		if err != nil || !isMpath {
			continue
		}

		mpp, err := s.GetMultipath(e.name)
		if err != nil {
			return nil, err
		}

		maps = append(maps, mpp)
	}

	return maps, nil
}

// Message sends a target message to sector 0 of the map.
func (s *Subsystem) Message(name string, message string) error {
	t := &task{cmd: dmTargetMsgCmd, name: name, message: message}
	err := s.runTask(t)
	if err != nil {
		s.logTaskError(2, t, err)
		return fmt.Errorf("DM message %q failed: %w", message, err)
	}

	return nil
}

// FailPath fails a path device within the map.
func (s *Subsystem) FailPath(name string, path string) error {
	return s.Message(name, "fail_path "+path)
}

// ReinstatePath reinstates a path device within the map.
func (s *Subsystem) ReinstatePath(name string, path string) error {
	return s.Message(name, "reinstate_path "+path)
}

// QueueIfNoPath toggles I/O queueing on the map when no path is available.
func (s *Subsystem) QueueIfNoPath(name string, enable bool) error {
	if enable {
		return s.Message(name, "queue_if_no_path")
	}

	return s.Message(name, "fail_if_no_path")
}

func (s *Subsystem) groupMessage(verb string, name string, index int) error {
	return s.Message(name, fmt.Sprintf("%s_group %d", verb, index))
}

// SwitchGroup makes the given priority group the active one.
func (s *Subsystem) SwitchGroup(name string, index int) error {
	return s.groupMessage("switch", name, index)
}

// EnableGroup enables the given priority group.
func (s *Subsystem) EnableGroup(name string, index int) error {
	return s.groupMessage("enable", name, index)
}

// DisableGroup disables the given priority group.
func (s *Subsystem) DisableGroup(name string, index int) error {
	return s.groupMessage("disable", name, index)
}

// Geometry is a disk geometry hint for a map.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
	Start     uint64
}

// SetGeometry sets the map's disk geometry hint.
func (s *Subsystem) SetGeometry(name string, geom Geometry) error {
	if geom.Cylinders == 0 || geom.Heads == 0 || geom.Sectors == 0 {
		return fmt.Errorf("Invalid geometry for map %q", name)
	}

	t := &task{
		cmd:     dmDevSetGeometryCmd,
		name:    name,
		message: fmt.Sprintf("%d %d %d %d", geom.Cylinders, geom.Heads, geom.Sectors, geom.Start),
	}

	err := s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return fmt.Errorf("Failed to set geometry on %q: %w", name, err)
	}

	return nil
}
