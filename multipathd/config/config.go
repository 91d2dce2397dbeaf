// Package config holds the multipathd daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v2"
)

// DefaultBindingsFile is where alias bindings are persisted.
const DefaultBindingsFile = "/etc/multipath/bindings"

// DefaultPrefix is the prefix for generated user-friendly names.
const DefaultPrefix = "mpath"

// MPEntry is an operator-declared multipath entry binding a WWID to an alias.
type MPEntry struct {
	WWID  string `yaml:"wwid"`
	Alias string `yaml:"alias"`
}

// Config is the daemon configuration.
type Config struct {
	BindingsFile     string `yaml:"bindings_file"`
	BindingsReadOnly bool   `yaml:"bindings_read_only"`
	AliasPrefix      string `yaml:"alias_prefix"`
	Verbosity        int    `yaml:"verbosity"`
	SkipKpartx       bool   `yaml:"skip_kpartx"`
	DeferredRemove   bool   `yaml:"deferred_remove"`
	RemoveRetries    int    `yaml:"remove_retries"`

	// Multipaths is the operator alias table checked against the bindings
	// file at startup.
	Multipaths []*MPEntry `yaml:"multipaths"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		BindingsFile:  DefaultBindingsFile,
		AliasPrefix:   DefaultPrefix,
		Verbosity:     2,
		RemoveRetries: 0,
	}
}

// LoadFile reads the configuration from a YAML file, applying defaults for
// unset fields. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	c := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}

		return nil, fmt.Errorf("Failed reading config file %q: %w", path, err)
	}

	err = yaml.Unmarshal(content, c)
	if err != nil {
		return nil, fmt.Errorf("Failed parsing config file %q: %w", path, err)
	}

	if c.BindingsFile == "" {
		c.BindingsFile = DefaultBindingsFile
	}

	if c.AliasPrefix == "" {
		c.AliasPrefix = DefaultPrefix
	}

	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the configuration for obviously bad values.
func (c *Config) Validate() error {
	if strings.Contains(c.AliasPrefix, "/") {
		return fmt.Errorf("Invalid alias prefix %q", c.AliasPrefix)
	}

	if c.RemoveRetries < 0 {
		return fmt.Errorf("Invalid remove retry count %d", c.RemoveRetries)
	}

	for _, mpe := range c.Multipaths {
		if mpe.WWID == "" {
			return fmt.Errorf("Multipath entry with empty WWID")
		}
	}

	return nil
}

// AliasWWID returns the WWID the operator config assigns to alias, or ""
// when the alias is not declared.
func (c *Config) AliasWWID(alias string) string {
	for _, mpe := range c.Multipaths {
		if mpe.Alias != "" && mpe.Alias == alias {
			return mpe.WWID
		}
	}

	return ""
}
