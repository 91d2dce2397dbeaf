package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test that a missing config file yields the defaults.
func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBindingsFile, cfg.BindingsFile)
	assert.Equal(t, DefaultPrefix, cfg.AliasPrefix)
	assert.Equal(t, 2, cfg.Verbosity)
}

// Test loading a config file.
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multipathd.yaml")
	content := `
bindings_file: /tmp/bindings
alias_prefix: disk
verbosity: 3
deferred_remove: true
remove_retries: 2
multipaths:
  - wwid: "3600508b4000"
    alias: database
`

	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/bindings", cfg.BindingsFile)
	assert.Equal(t, "disk", cfg.AliasPrefix)
	assert.Equal(t, 3, cfg.Verbosity)
	assert.True(t, cfg.DeferredRemove)
	assert.Equal(t, 2, cfg.RemoveRetries)
	require.Len(t, cfg.Multipaths, 1)
	assert.Equal(t, "database", cfg.Multipaths[0].Alias)
}

// Test validation failures.
func TestValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())

	cfg.AliasPrefix = "bad/prefix"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RemoveRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Multipaths = []*MPEntry{{WWID: "", Alias: "x"}}
	assert.Error(t, cfg.Validate())
}

// Test the operator alias lookup.
func TestAliasWWID(t *testing.T) {
	cfg := Default()
	cfg.Multipaths = []*MPEntry{
		{WWID: "W1", Alias: "one"},
		{WWID: "W2", Alias: ""},
	}

	assert.Equal(t, "W1", cfg.AliasWWID("one"))
	assert.Equal(t, "", cfg.AliasWWID("two"))
	assert.Equal(t, "", cfg.AliasWWID(""))
}
