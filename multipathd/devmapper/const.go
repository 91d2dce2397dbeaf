// Package devmapper drives the kernel device-mapper control interface for
// multipath maps and their partition children.
package devmapper

import (
	"errors"
)

// TargetMultipath is the device-mapper target type of multipath maps.
const TargetMultipath = "multipath"

// TargetPartition is the device-mapper target type of partition children.
const TargetPartition = "linear"

// UUIDPrefix is prepended to the WWID to form a multipath device UUID.
const UUIDPrefix = "mpath-"

// dmNameLen and dmUUIDLen match the fixed-size fields of the kernel ioctl
// header.
const (
	dmNameLen = 128
	dmUUIDLen = 129
)

// Device-mapper ioctl commands.
const (
	dmVersionCmd = iota
	dmRemoveAllCmd
	dmListDevicesCmd
	dmDevCreateCmd
	dmDevRemoveCmd
	dmDevRenameCmd
	dmDevSuspendCmd
	dmDevStatusCmd
	dmDevWaitCmd
	dmTableLoadCmd
	dmTableClearCmd
	dmTableDepsCmd
	dmTableStatusCmd
	dmListVersionsCmd
	dmTargetMsgCmd
	dmDevSetGeometryCmd
)

var dmCmdName = []string{
	"version",
	"remove all",
	"list devices",
	"device create",
	"device remove",
	"device rename",
	"device suspend",
	"device status",
	"device wait",
	"table load",
	"table clear",
	"table deps",
	"table status",
	"list versions",
	"target message",
	"set geometry",
}

// Device-mapper ioctl header flags.
const (
	dmReadonlyFlag        = 1 << 0
	dmSuspendFlag         = 1 << 1
	dmExistsFlag          = 1 << 2
	dmPersistentDevFlag   = 1 << 3
	dmStatusTableFlag     = 1 << 4
	dmActivePresentFlag   = 1 << 5
	dmBufferFullFlag      = 1 << 8
	dmSkipLockfsFlag      = 1 << 10
	dmNoflushFlag         = 1 << 11
	dmUeventGeneratedFlag = 1 << 13
	dmUUIDFlag            = 1 << 14
	dmSecureDataFlag      = 1 << 15
	dmDeferredRemoveFlag  = 1 << 17
)

// Udev cookie flags, encoded into the high half of the ioctl event number.
// The subsystem flags carry the multipath-specific semantics consumed by the
// udev rules.
const (
	UdevDisableDMRulesFlag        uint16 = 0x0001
	UdevDisableSubsystemRulesFlag uint16 = 0x0002
	UdevDisableDiskRulesFlag      uint16 = 0x0004
	UdevDisableOtherRulesFlag     uint16 = 0x0008
	UdevLowPriorityFlag           uint16 = 0x0010
	UdevDisableLibraryFallback    uint16 = 0x0020
	UdevPrimarySourceFlag         uint16 = 0x0040

	// UdevReloadFlag tells the rules a reload of an existing device is in
	// progress so cold-plug style processing can be skipped.
	UdevReloadFlag uint16 = 0x0100

	// UdevNoKpartxFlag suppresses partition table scanning on the device.
	UdevNoKpartxFlag uint16 = 0x0200

	// UdevNoPathsFlag marks a device currently without usable paths.
	UdevNoPathsFlag uint16 = 0x0400
)

// udevFlagsShift positions udev flags in the ioctl event number; the low half
// carries the cookie ID.
const udevFlagsShift = 16

// ErrNotFound is returned when the requested map does not exist, as opposed
// to a generic device-mapper failure.
var ErrNotFound = errors.New("Device-mapper map not found")

// ErrMapInUse is returned when a map or one of its partitions is open and the
// operation did not request deferred removal.
var ErrMapInUse = errors.New("Map in use")
