package devmapper

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test the ioctl header size against the kernel ABI.
func TestHeaderSize(t *testing.T) {
	assert.Equal(t, dmIoctlSize, int(unsafe.Sizeof(dmIoctl{})))
	assert.Equal(t, 40, int(unsafe.Sizeof(targetSpec{})))
}

// Test helpers.
func TestCstringAlign(t *testing.T) {
	assert.Equal(t, "abc", cstring([]byte{'a', 'b', 'c', 0, 'x'}))
	assert.Equal(t, "abc", cstring([]byte("abc")))
	assert.Equal(t, "", cstring([]byte{0}))

	assert.Equal(t, 0, align8(0))
	assert.Equal(t, 8, align8(1))
	assert.Equal(t, 8, align8(8))
	assert.Equal(t, 16, align8(9))
}

// Test marshalling a table load request.
func TestTaskMarshalTargets(t *testing.T) {
	tk := &task{
		cmd:  dmTableLoadCmd,
		name: "mpatha",
		targets: []Target{{
			Start:  0,
			Length: 2048,
			Type:   TargetMultipath,
			Params: "0 1 1 round-robin 0 1 1 8:16 1",
		}},
	}

	buf, err := tk.marshal(0)
	require.NoError(t, err)

	hdr := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	assert.Equal(t, uint32(len(buf)), hdr.DataSize)
	assert.Equal(t, uint32(hdrSize), hdr.DataStart)
	assert.Equal(t, uint32(1), hdr.TargetCount)
	assert.Equal(t, "mpatha", cstring(hdr.Name[:]))

	payload := buf[hdrSize:]
	assert.Equal(t, uint64(2048), binary.NativeEndian.Uint64(payload[8:]))
	assert.Equal(t, TargetMultipath, cstring(payload[24:40]))
	assert.Equal(t, "0 1 1 round-robin 0 1 1 8:16 1", cstring(payload[40:]))

	// The spec length covers the params and padding.
	next := binary.NativeEndian.Uint32(payload[20:])
	assert.Equal(t, uint32(align8(40+len(tk.targets[0].Params)+1)), next)
}

// Test marshalling a target message request.
func TestTaskMarshalMessage(t *testing.T) {
	tk := &task{cmd: dmTargetMsgCmd, name: "mpatha", message: "fail_path sda", sector: 0}

	buf, err := tk.marshal(0)
	require.NoError(t, err)

	payload := buf[hdrSize:]
	assert.Equal(t, uint64(0), binary.NativeEndian.Uint64(payload[0:]))
	assert.Equal(t, "fail_path sda", cstring(payload[8:]))
}

// Test that oversized names are refused before reaching the kernel.
func TestTaskMarshalLimits(t *testing.T) {
	long := make([]byte, dmNameLen)
	for i := range long {
		long[i] = 'x'
	}

	tk := &task{cmd: dmDevStatusCmd, name: string(long)}
	_, err := tk.marshal(0)
	assert.Error(t, err)
}

// Test parsing a device list response.
func TestParseNames(t *testing.T) {
	buf := make([]byte, hdrSize+512)
	hdr := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	hdr.DataStart = uint32(hdrSize)

	writeNames(hdr, buf, []string{"mpatha", "mpatha1", "home"})

	entries := parseNames(buf[hdr.DataStart:hdr.DataSize])
	require.Len(t, entries, 3)
	assert.Equal(t, "mpatha", entries[0].name)
	assert.Equal(t, "mpatha1", entries[1].name)
	assert.Equal(t, "home", entries[2].name)

	// Empty list.
	writeNames(hdr, buf, nil)
	assert.Empty(t, parseNames(buf[hdr.DataStart:hdr.DataSize]))
}

// Test parsing a multi-target table response.
func TestParseTargets(t *testing.T) {
	buf := make([]byte, hdrSize+512)
	hdr := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	hdr.DataStart = uint32(hdrSize)

	targets := []Target{
		{Start: 0, Length: 1024, Type: "linear", Params: "253:2 0"},
		{Start: 1024, Length: 2048, Type: "linear", Params: "253:2 1024"},
	}

	writeTargets(hdr, buf, targets)

	parsed := parseTargets(hdr.TargetCount, buf[hdr.DataStart:hdr.DataSize])
	require.Len(t, parsed, 2)
	assert.Equal(t, targets[0], parsed[0])
	assert.Equal(t, targets[1], parsed[1])
}

// Test parsing a deps response.
func TestParseDeps(t *testing.T) {
	payload := make([]byte, 8+16)
	binary.NativeEndian.PutUint32(payload[0:], 2)
	binary.NativeEndian.PutUint64(payload[8:], 0x800010)
	binary.NativeEndian.PutUint64(payload[16:], 0x800020)

	deps := parseDeps(payload)
	require.Len(t, deps, 2)
	assert.Equal(t, uint64(0x800010), deps[0])
	assert.Equal(t, uint64(0x800020), deps[1])

	assert.Empty(t, parseDeps(nil))
}
