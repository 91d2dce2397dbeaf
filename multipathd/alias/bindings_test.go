package alias

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Store.Insert keeps the store sorted and unique.
func TestStoreInsert(t *testing.T) {
	store := &Store{}

	assert.Equal(t, BindingAdded, store.Insert("mpathb", "W2"))
	assert.Equal(t, BindingAdded, store.Insert("mpatha", "W1"))
	assert.Equal(t, BindingAdded, store.Insert("mpathc", "W3"))

	// Same alias and WWID.
	assert.Equal(t, BindingExists, store.Insert("mpathb", "W2"))

	// Same alias, different WWID.
	assert.Equal(t, BindingConflict, store.Insert("mpathb", "W9"))

	require.Equal(t, 3, store.Len())
	bindings := store.Bindings()
	assert.True(t, sort.SliceIsSorted(bindings, func(i, j int) bool {
		return bindings[i].Alias < bindings[j].Alias
	}))

	wwid, ok := store.LookupWWID("mpatha")
	assert.True(t, ok)
	assert.Equal(t, "W1", wwid)

	aliasName, ok := store.LookupAlias("W3")
	assert.True(t, ok)
	assert.Equal(t, "mpathc", aliasName)

	_, ok = store.LookupWWID("mpathz")
	assert.False(t, ok)

	store.Reset()
	assert.Equal(t, 0, store.Len())
}

// Test the bindings file parse rules.
func TestStoreLoad(t *testing.T) {
	content := strings.Join([]string{
		"# comment line",
		"",
		"mpatha W1",
		"mpathb\tW2\textra args",
		"loneword",
		"mpathc " + strings.Repeat("x", WWIDSize),
		"mpathd W4 # trailing comment",
		"mpatha W1",
	}, "\n") + "\n"

	store := &Store{}
	err := store.Load(strings.NewReader(content))
	require.NoError(t, err)

	// loneword is malformed, the oversized WWID is rejected and the
	// duplicate mpatha line collapses.
	require.Equal(t, 3, store.Len())

	wwid, ok := store.LookupWWID("mpathb")
	assert.True(t, ok)
	assert.Equal(t, "W2", wwid)

	wwid, ok = store.LookupWWID("mpathd")
	assert.True(t, ok)
	assert.Equal(t, "W4", wwid)

	_, ok = store.LookupWWID("mpathc")
	assert.False(t, ok)

	_, ok = store.LookupWWID("loneword")
	assert.False(t, ok)
}

// Test that a flushed file parses back into an equal store.
func TestStoreFlushRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings")

	store := &Store{}
	store.Insert("mpatha", "W1")
	store.Insert("mpathb", "W2")
	store.Insert("other", "W3")

	err := store.Flush(path)
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(content), FileHeader))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	loaded := &Store{}
	err = loaded.Load(f)
	require.NoError(t, err)
	assert.Equal(t, store.Bindings(), loaded.Bindings())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}

// Test ValidAlias.
func TestValidAlias(t *testing.T) {
	assert.True(t, ValidAlias("mpatha"))
	assert.True(t, ValidAlias("my-name_1"))
	assert.False(t, ValidAlias(""))
	assert.False(t, ValidAlias("a/b"))
}

// Test that openBindings creates the file with the standard header.
func TestOpenBindingsCreates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings")

	f, canWrite, err := openBindings(path)
	require.NoError(t, err)
	assert.True(t, canWrite)
	require.NoError(t, f.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, FileHeader, string(content))
}
