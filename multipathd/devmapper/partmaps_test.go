package devmapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Test the strict partition UUID parse.
func TestParsePartUUID(t *testing.T) {
	parent, ok := parsePartUUID("part1-mpath-3600508b4000")
	assert.True(t, ok)
	assert.Equal(t, "mpath-3600508b4000", parent)

	parent, ok = parsePartUUID("part12-mpath-W1")
	assert.True(t, ok)
	assert.Equal(t, "mpath-W1", parent)

	// Missing pieces.
	_, ok = parsePartUUID("mpath-W1")
	assert.False(t, ok)

	_, ok = parsePartUUID("part-mpath-W1")
	assert.False(t, ok)

	_, ok = parsePartUUID("part1")
	assert.False(t, ok)

	_, ok = parsePartUUID("part1mpath-W1")
	assert.False(t, ok)
}

// Test the partition rename suffix and delimiter rules.
func TestPartRenameRules(t *testing.T) {
	// Explicit delimiter wins.
	assert.Equal(t, "-", partRenameDelim("new1", "-"))

	// A trailing digit defaults the delimiter to "p".
	assert.Equal(t, "p", partRenameDelim("new1", ""))
	assert.Equal(t, "", partRenameDelim("new", ""))

	// The suffix starts at the first digit after the old name.
	assert.Equal(t, "1", partSuffix("mpatha1", "mpatha"))
	assert.Equal(t, "12", partSuffix("mpathap12", "mpatha"))
	assert.Equal(t, "", partSuffix("mpatha", "mpatha"))
	assert.Equal(t, "3", partSuffix("mpatha-part3", "mpatha"))
}

// partedState scripts a parent map with partition children.
type partedState struct {
	parent     string
	parentUUID string
	parts      map[string]string // name -> uuid
	open       map[string]int32
	removed    []string
	renamed    map[string]string
}

func (p *partedState) handler(cmd int, hdr *dmIoctl, buf []byte) error {
	name := cstring(hdr.Name[:])

	isPart := func(n string) bool {
		_, ok := p.parts[n]
		return ok
	}

	switch cmd {
	case dmListDevicesCmd:
		names := []string{p.parent}
		for n := range p.parts {
			names = append(names, n)
		}

		writeNames(hdr, buf, names)
		return nil
	case dmDevStatusCmd:
		if name == p.parent {
			markExists(hdr)
			hdr.Dev = unix.Mkdev(253, 0)
			copy(hdr.UUID[:], p.parentUUID)
			hdr.OpenCount = p.open[name]
			return nil
		}

		if isPart(name) {
			markExists(hdr)
			copy(hdr.UUID[:], p.parts[name])
			hdr.OpenCount = p.open[name]
			return nil
		}

		return &dmError{cmd: cmd, err: unix.ENXIO}
	case dmTableStatusCmd:
		if name == p.parent {
			copy(hdr.UUID[:], p.parentUUID)
			writeTargets(hdr, buf, []Target{{Length: 4096, Type: TargetMultipath, Params: "0 1 1 8:16 1"}})
			return nil
		}

		if isPart(name) {
			copy(hdr.UUID[:], p.parts[name])
			writeTargets(hdr, buf, []Target{{Length: 1024, Type: TargetPartition, Params: "253:0 63"}})
			return nil
		}

		return &dmError{cmd: cmd, err: unix.ENXIO}
	case dmDevRemoveCmd:
		p.removed = append(p.removed, name)
		delete(p.parts, name)
		return nil
	case dmDevRenameCmd:
		if p.renamed == nil {
			p.renamed = map[string]string{}
		}

		payload := buf[hdr.DataStart:]
		p.renamed[name] = cstring(payload)
		return nil
	}

	return nil
}

// Test that partition children are discovered and removed.
func TestRemovePartmaps(t *testing.T) {
	state := &partedState{
		parent:     "mpatha",
		parentUUID: UUIDPrefix + "W1",
		parts: map[string]string{
			"mpatha1": "part1-" + UUIDPrefix + "W1",
			"mpatha2": "part2-" + UUIDPrefix + "W1",
		},
		open: map[string]int32{},
	}

	s := newTestSubsystem(state.handler)

	err := s.removePartmaps("mpatha", false, DeferredRemoveOff)
	require.NoError(t, err)
	assert.Len(t, state.removed, 2)
	assert.Empty(t, state.parts)
}

// Test that a foreign linear device is not treated as a partition.
func TestRemovePartmapsForeign(t *testing.T) {
	state := &partedState{
		parent:     "mpatha",
		parentUUID: UUIDPrefix + "W1",
		parts: map[string]string{
			// A partition of another multipath map.
			"mpathb1": "part1-" + UUIDPrefix + "W2",
		},
		open: map[string]int32{},
	}

	s := newTestSubsystem(state.handler)

	err := s.removePartmaps("mpatha", false, DeferredRemoveOff)
	require.NoError(t, err)
	assert.Empty(t, state.removed)
}

// Test that an open partition refuses removal without deferred remove.
func TestRemovePartmapsInUse(t *testing.T) {
	state := &partedState{
		parent:     "mpatha",
		parentUUID: UUIDPrefix + "W1",
		parts: map[string]string{
			"mpatha1": "part1-" + UUIDPrefix + "W1",
		},
		open: map[string]int32{"mpatha1": 1},
	}

	s := newTestSubsystem(state.handler)

	err := s.removePartmaps("mpatha", false, DeferredRemoveOff)
	assert.ErrorIs(t, err, ErrMapInUse)
}

// Test renaming partitions along with their parent.
func TestRenamePartmaps(t *testing.T) {
	state := &partedState{
		parent:     "mpatha",
		parentUUID: UUIDPrefix + "W1",
		parts: map[string]string{
			"mpatha1": "part1-" + UUIDPrefix + "W1",
		},
		open: map[string]int32{},
	}

	s := newTestSubsystem(state.handler)

	err := s.renamePartmaps("mpatha", "disk1", "")
	require.NoError(t, err)
	assert.Equal(t, "disk1p1", state.renamed["mpatha1"])
}

// Test the has-partitions probe.
func TestHasPartmaps(t *testing.T) {
	state := &partedState{
		parent:     "mpatha",
		parentUUID: UUIDPrefix + "W1",
		parts:      map[string]string{"mpatha1": "part1-" + UUIDPrefix + "W1"},
		open:       map[string]int32{},
	}

	s := newTestSubsystem(state.handler)

	has, err := s.hasPartmaps("mpatha")
	require.NoError(t, err)
	assert.True(t, has)

	state.parts = map[string]string{}
	has, err = s.hasPartmaps("mpatha")
	require.NoError(t, err)
	assert.False(t, has)
}
