package devmapper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// controlPath is the device-mapper control node.
const controlPath = "/dev/mapper/control"

// dmIoctlVersion is the control protocol version spoken by this package.
var dmIoctlVersion = [3]uint32{4, 0, 0}

// ioctl command encoding (_IOWR(0xfd, cmd, struct dm_ioctl)).
const (
	dmIoctlType = 0xfd
	dmIoctlSize = 312 // sizeof(struct dm_ioctl)

	iocWrite     = 1
	iocRead      = 2
	iocNrShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	dmIoctlBase = (iocRead|iocWrite)<<iocDirShift | dmIoctlSize<<iocSizeShift | dmIoctlType<<iocTypeShift
)

// dmIoctl mirrors struct dm_ioctl from the kernel ABI.
type dmIoctl struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	_           uint32
	Dev         uint64
	Name        [dmNameLen]byte
	UUID        [dmUUIDLen]byte
	_           [7]byte
}

// targetSpec mirrors struct dm_target_spec; the params string follows it,
// NUL terminated and padded to 8 byte alignment.
type targetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	Type        [16]byte
}

// Target is one row of a device-mapper table.
type Target struct {
	Start  uint64
	Length uint64
	Type   string
	Params string
}

// dmError carries the failed command so errors.Is can still match the errno.
type dmError struct {
	cmd int
	err error
}

func (e *dmError) Error() string {
	name := "<bad command>"
	if e.cmd < len(dmCmdName) {
		name = dmCmdName[e.cmd]
	}

	return fmt.Sprintf("device-mapper %s: %v", name, e.err)
}

func (e *dmError) Unwrap() error {
	return e.err
}

// taskRunner issues a single device-mapper ioctl. buf holds the marshalled
// header followed by the payload area; the kernel updates it in place.
type taskRunner interface {
	run(cmd int, buf []byte) error
	close() error
}

// controlDevice issues ioctls against /dev/mapper/control.
type controlDevice struct {
	f *os.File
}

func openControl() (*controlDevice, error) {
	f, err := os.OpenFile(controlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("Failed opening %q: %w", controlPath, err)
	}

	return &controlDevice{f: f}, nil
}

func (c *controlDevice) run(cmd int, buf []byte) error {
	code := uintptr(cmd | dmIoctlBase)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), code, uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return &dmError{cmd: cmd, err: errno}
	}

	return nil
}

func (c *controlDevice) close() error {
	return c.f.Close()
}

// cstring returns the bytes up to the first NUL.
func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return string(b)
	}

	return string(b[:i])
}

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

const hdrSize = int(unsafe.Sizeof(dmIoctl{}))

// task is a single device-mapper operation in the making.
type task struct {
	cmd     int
	name    string
	uuid    string
	flags   uint32
	eventNr uint32
	major   uint32
	minor   uint32

	targets []Target
	message string
	sector  uint64
	newName string

	// payloadHint sizes the response area for enumeration commands.
	payloadHint int

	// Results, valid after a successful run.
	hdr     dmIoctl
	payload []byte
}

// payloadBytes marshals the request payload of the task.
func (t *task) payloadBytes() ([]byte, error) {
	switch {
	case len(t.targets) > 0:
		buf := &bytes.Buffer{}
		for _, tgt := range t.targets {
			if len(tgt.Type) >= 16 {
				return nil, fmt.Errorf("Target type %q too long", tgt.Type)
			}

			size := align8(int(unsafe.Sizeof(targetSpec{})) + len(tgt.Params) + 1)
			spec := make([]byte, size)
			binary.NativeEndian.PutUint64(spec[0:], tgt.Start)
			binary.NativeEndian.PutUint64(spec[8:], tgt.Length)
			binary.NativeEndian.PutUint32(spec[20:], uint32(size))
			copy(spec[24:40], tgt.Type)
			copy(spec[40:], tgt.Params)
			buf.Write(spec)
		}

		return buf.Bytes(), nil

	case t.cmd == dmTargetMsgCmd:
		buf := make([]byte, align8(8+len(t.message)+1))
		binary.NativeEndian.PutUint64(buf[0:], t.sector)
		copy(buf[8:], t.message)
		return buf, nil

	case t.cmd == dmDevRenameCmd:
		buf := make([]byte, align8(len(t.newName)+1))
		copy(buf, t.newName)
		return buf, nil

	case t.cmd == dmDevSetGeometryCmd:
		buf := make([]byte, align8(len(t.message)+1))
		copy(buf, t.message)
		return buf, nil
	}

	return nil, nil
}

// marshal builds the full ioctl buffer for the task with the given payload
// area size.
func (t *task) marshal(payloadSize int) ([]byte, error) {
	if len(t.name) >= dmNameLen {
		return nil, fmt.Errorf("Device name %q too long", t.name)
	}

	if len(t.uuid) >= dmUUIDLen {
		return nil, fmt.Errorf("Device UUID %q too long", t.uuid)
	}

	payload, err := t.payloadBytes()
	if err != nil {
		return nil, err
	}

	if payloadSize < len(payload) {
		payloadSize = len(payload)
	}

	buf := make([]byte, hdrSize+payloadSize)
	hdr := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	hdr.Version = dmIoctlVersion
	hdr.DataSize = uint32(len(buf))
	hdr.DataStart = uint32(hdrSize)
	hdr.Flags = t.flags
	hdr.EventNr = t.eventNr
	hdr.TargetCount = uint32(len(t.targets))
	if t.major != 0 || t.minor != 0 {
		hdr.Dev = uint64(unix.Mkdev(t.major, t.minor))
	}

	copy(hdr.Name[:], t.name)
	copy(hdr.UUID[:], t.uuid)
	copy(buf[hdrSize:], payload)

	return buf, nil
}

// minPayload is the initial response area for enumeration commands.
const minPayload = 16 * 1024

// runTask issues the task against the runner, growing the response buffer
// until the kernel no longer reports it full.
func runTask(r taskRunner, t *task) error {
	payloadSize := t.payloadHint
	for {
		buf, err := t.marshal(payloadSize)
		if err != nil {
			return err
		}

		err = r.run(t.cmd, buf)
		if err != nil {
			return err
		}

		hdr := (*dmIoctl)(unsafe.Pointer(&buf[0]))
		if hdr.Flags&dmBufferFullFlag != 0 {
			if payloadSize == 0 {
				payloadSize = minPayload
			} else {
				payloadSize *= 2
			}

			continue
		}

		t.hdr = *hdr
		start := int(hdr.DataStart)
		end := int(hdr.DataSize)
		if start > len(buf) {
			start = len(buf)
		}

		if end > len(buf) || end < start {
			end = len(buf)
		}

		t.payload = buf[start:end]

		return nil
	}
}

// deviceEntry is one entry of a device list response.
type deviceEntry struct {
	dev  uint64
	name string
}

// parseNames decodes a DM_LIST_DEVICES response payload. Entries chain via
// offsets relative to each entry.
func parseNames(payload []byte) []deviceEntry {
	var entries []deviceEntry

	if len(payload) < 12 {
		return entries
	}

	offset := 0
	for {
		b := payload[offset:]
		if len(b) < 12 {
			break
		}

		dev := binary.NativeEndian.Uint64(b[0:])
		next := binary.NativeEndian.Uint32(b[8:])
		if dev == 0 && len(entries) == 0 && next == 0 {
			// Empty list marker.
			break
		}

		entries = append(entries, deviceEntry{dev: dev, name: cstring(b[12:])})
		if next == 0 {
			break
		}

		offset += int(next)
		if offset >= len(payload) {
			break
		}
	}

	return entries
}

// targetVersion is one entry of a list-versions response.
type targetVersion struct {
	name    string
	version [3]uint32
}

// parseTargetVersions decodes a DM_LIST_VERSIONS response payload.
func parseTargetVersions(payload []byte) []targetVersion {
	var entries []targetVersion

	offset := 0
	for {
		b := payload[offset:]
		if len(b) < 16 {
			break
		}

		var tv targetVersion
		tv.version[0] = binary.NativeEndian.Uint32(b[0:])
		tv.version[1] = binary.NativeEndian.Uint32(b[4:])
		tv.version[2] = binary.NativeEndian.Uint32(b[8:])
		next := binary.NativeEndian.Uint32(b[12:])
		tv.name = cstring(b[16:])
		entries = append(entries, tv)

		if next == 0 {
			break
		}

		offset += int(next)
		if offset >= len(payload) {
			break
		}
	}

	return entries
}

// parseTargets decodes a table or status response payload. Specs chain via
// offsets relative to the payload start.
func parseTargets(count uint32, payload []byte) []Target {
	specSize := int(unsafe.Sizeof(targetSpec{}))
	targets := make([]Target, 0, count)

	offset := 0
	for range count {
		if offset+specSize > len(payload) {
			break
		}

		b := payload[offset:]
		t := Target{
			Start:  binary.NativeEndian.Uint64(b[0:]),
			Length: binary.NativeEndian.Uint64(b[8:]),
			Type:   cstring(b[24:40]),
		}

		next := binary.NativeEndian.Uint32(b[20:])
		end := int(next)
		if end == 0 || end > len(payload) || end < offset+specSize {
			end = len(payload)
		}

		t.Params = cstring(payload[offset+specSize : end])
		targets = append(targets, t)

		if next == 0 {
			break
		}

		offset = int(next)
	}

	return targets
}

// parseDeps decodes a DM_TABLE_DEPS response payload into device numbers.
func parseDeps(payload []byte) []uint64 {
	if len(payload) < 8 {
		return nil
	}

	count := binary.NativeEndian.Uint32(payload[0:])
	devs := make([]uint64, 0, count)
	for i := range count {
		offset := 8 + int(i)*8
		if offset+8 > len(payload) {
			break
		}

		devs = append(devs, binary.NativeEndian.Uint64(payload[offset:]))
	}

	return devs
}
