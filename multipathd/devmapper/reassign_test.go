package devmapper

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Test the dependency substring rewrite and its ambiguity guard.
func TestReassignDeps(t *testing.T) {
	params, ok := reassignDeps("8:16 0", "8:16", "253:4")
	assert.True(t, ok)
	assert.Equal(t, "253:4 0", params)

	// Replacement at the end of the params string.
	params, ok = reassignDeps("0 8:16", "8:16", "253:4")
	assert.True(t, ok)
	assert.Equal(t, "0 253:4", params)

	// Only the first occurrence is rewritten.
	params, ok = reassignDeps("8:16 8:16", "8:16", "253:4")
	assert.True(t, ok)
	assert.Equal(t, "253:4 8:16", params)

	// A digit following the match makes it ambiguous: "8:1" inside "8:16"
	// names a different device.
	_, ok = reassignDeps("8:16 0", "8:1", "253:4")
	assert.False(t, ok)

	// No occurrence at all.
	_, ok = reassignDeps("9:0 0", "8:16", "253:4")
	assert.False(t, ok)
}

// Test that a table depending on the old device is reloaded with the
// multipath device substituted.
func TestReassignTable(t *testing.T) {
	var loaded []Target
	resumes := 0

	s := newTestSubsystem(func(cmd int, hdr *dmIoctl, buf []byte) error {
		switch cmd {
		case dmTableStatusCmd:
			markExists(hdr)
			writeTargets(hdr, buf, []Target{
				{Start: 0, Length: 1024, Type: "linear", Params: "8:16 0"},
				{Start: 1024, Length: 1024, Type: "linear", Params: "8:32 0"},
			})
			return nil
		case dmTableLoadCmd:
			loaded = parseRequestTargets(t, hdr, buf)
			return nil
		case dmDevSuspendCmd:
			resumes++
			return nil
		}

		return nil
	})

	err := s.ReassignTable("home", "8:16", "253:2")
	require.NoError(t, err)

	require.Len(t, loaded, 2)
	assert.Equal(t, "253:2 0", loaded[0].Params)
	assert.Equal(t, "8:32 0", loaded[1].Params)
	assert.Equal(t, 1, resumes)
}

// Test that a table without matching dependencies is left alone.
func TestReassignTableNoMatch(t *testing.T) {
	loads := 0

	s := newTestSubsystem(func(cmd int, hdr *dmIoctl, buf []byte) error {
		switch cmd {
		case dmTableStatusCmd:
			markExists(hdr)
			writeTargets(hdr, buf, []Target{{Length: 1024, Type: "linear", Params: "9:0 0"}})
			return nil
		case dmTableLoadCmd:
			loads++
			return nil
		}

		return nil
	})

	err := s.ReassignTable("home", "8:16", "253:2")
	require.NoError(t, err)
	assert.Zero(t, loads)
}

// Test that multipath targets themselves are never rewritten.
func TestReassignTableSkipsMultipath(t *testing.T) {
	loads := 0

	s := newTestSubsystem(func(cmd int, hdr *dmIoctl, buf []byte) error {
		switch cmd {
		case dmTableStatusCmd:
			markExists(hdr)
			writeTargets(hdr, buf, []Target{{Length: 1024, Type: TargetMultipath, Params: "0 1 1 8:16 1"}})
			return nil
		case dmTableLoadCmd:
			loads++
			return nil
		}

		return nil
	})

	err := s.ReassignTable("mpatha", "8:16", "253:2")
	require.NoError(t, err)
	assert.Zero(t, loads)
}

// parseRequestTargets decodes the request payload of a table load, which
// chains specs by their sizes.
func parseRequestTargets(t *testing.T, hdr *dmIoctl, buf []byte) []Target {
	t.Helper()

	specSize := int(unsafe.Sizeof(targetSpec{}))
	payload := buf[hdr.DataStart:]

	var targets []Target
	offset := 0
	for range hdr.TargetCount {
		b := payload[offset:]
		spec := (*targetSpec)(unsafe.Pointer(&b[0]))
		targets = append(targets, Target{
			Start:  spec.SectorStart,
			Length: spec.Length,
			Type:   cstring(b[24:40]),
			Params: cstring(b[specSize:spec.Next]),
		})

		offset += int(spec.Next)
	}

	return targets
}

// Test walking the deps of a map and rewriting dependent tables.
func TestReassign(t *testing.T) {
	var loadedNames []string

	s := newTestSubsystem(func(cmd int, hdr *dmIoctl, buf []byte) error {
		name := cstring(hdr.Name[:])

		switch cmd {
		case dmDevStatusCmd:
			markExists(hdr)
			hdr.Dev = unix.Mkdev(253, 7)
			return nil
		case dmTableDepsCmd:
			markExists(hdr)
			payload := buf[hdr.DataStart:]
			writeDeps(payload, []uint64{unix.Mkdev(8, 16)})
			hdr.DataSize = hdr.DataStart + 16
			return nil
		case dmListDevicesCmd:
			writeNames(hdr, buf, []string{"mpatha", "home"})
			return nil
		case dmTableStatusCmd:
			markExists(hdr)
			if name == "home" {
				writeTargets(hdr, buf, []Target{{Length: 1024, Type: "linear", Params: "8:16 0"}})
			} else {
				writeTargets(hdr, buf, []Target{{Length: 1024, Type: TargetMultipath, Params: "0 1 1 8:16 1"}})
			}

			return nil
		case dmTableLoadCmd:
			loadedNames = append(loadedNames, name)
			return nil
		case dmDevSuspendCmd:
			return nil
		}

		return nil
	})

	err := s.Reassign("mpatha")
	require.NoError(t, err)
	assert.Equal(t, []string{"home"}, loadedNames)
}

func writeDeps(payload []byte, devs []uint64) {
	binary.NativeEndian.PutUint32(payload[0:], uint32(len(devs)))
	for i, dev := range devs {
		binary.NativeEndian.PutUint64(payload[8+i*8:], dev)
	}
}
