package alias

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/canonical/multipath/multipathd/config"
	"github.com/canonical/multipath/shared/logger"
)

// The validated global bindings store, swapped in by CheckSettings.
var globalMu sync.Mutex
var globalBindings = &Store{}

// Bindings returns the process-wide validated bindings store.
func Bindings() *Store {
	globalMu.Lock()
	defer globalMu.Unlock()

	return globalBindings
}

func setBindings(s *Store) {
	globalMu.Lock()
	defer globalMu.Unlock()

	globalBindings = s
}

// checkBindingsFile merges the on-disk bindings into the store, dropping
// lines that conflict with the operator config or with earlier lines.
// It reports whether any conflict was found.
func checkBindingsFile(cfg *config.Config, f *os.File, bindings *Store) (bool, error) {
	conflict := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, lineMax), lineMax)

	lineNr := 0
	for scanner.Scan() {
		lineNr++
		fields := splitBindingLine(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) == 1 {
			logger.Warn("Invalid line in bindings file, missing WWID", logger.Ctx{"line": lineNr})
			continue
		}

		alias, wwid := fields[0], fields[1]
		if len(fields) > 2 {
			// This is non-fatal.
			logger.Warn("Invalid line in bindings file, extra arguments", logger.Ctx{"line": lineNr, "extra": strings.Join(fields[2:], " ")})
		}

		mpeWWID := cfg.AliasWWID(alias)
		if mpeWWID != "" && mpeWWID != wwid {
			logger.Error("Alias in bindings file conflicts with operator config entry", logger.Ctx{"alias": alias, "wwid": wwid, "line": lineNr, "configWWID": mpeWWID})
			conflict = true
			continue
		}

		switch bindings.Insert(alias, wwid) {
		case BindingConflict:
			logger.Error("Multiple bindings for alias in bindings file, discarding binding", logger.Ctx{"alias": alias, "wwid": wwid, "line": lineNr})
			conflict = true
		case BindingExists:
			logger.Info("Duplicate line for alias in bindings file", logger.Ctx{"alias": alias, "line": lineNr})
		}
	}

	err := scanner.Err()
	if err != nil {
		return conflict, fmt.Errorf("Failed reading bindings file: %w", err)
	}

	return conflict, nil
}

// CheckSettings tests the operator alias configuration and the bindings file
// for consistency. The same alias assigned to multiple WWIDs can mangle
// devices with different WWIDs into the same multipath map, so conflicting
// operator entries are dropped (their alias is unset in place) and the
// bindings file is rewritten without conflicting lines when possible.
// On success the validated store becomes the process-wide bindings store.
func CheckSettings(cfg *config.Config) error {
	// Detect operator entries that bind one alias to multiple WWIDs.
	// This scratch store is only used for conflict detection.
	entries := make([]*config.MPEntry, len(cfg.Multipaths))
	copy(entries, cfg.Multipaths)
	sort.SliceStable(entries, func(i, j int) bool {
		// Entries without an alias sort last.
		if entries[i].Alias == "" || entries[j].Alias == "" {
			return entries[j].Alias == "" && entries[i].Alias != ""
		}

		return entries[i].Alias < entries[j].Alias
	})

	scratch := &Store{}
	for _, mpe := range entries {
		if mpe.Alias == "" {
			break
		}

		if !ValidAlias(mpe.Alias) {
			logger.Error("Invalid alias in operator config, discarding", logger.Ctx{"alias": mpe.Alias, "wwid": mpe.WWID})
			mpe.Alias = ""
			continue
		}

		if scratch.Insert(mpe.Alias, mpe.WWID) == BindingConflict {
			logger.Error("Alias bound to multiple WWIDs in operator config, discarding binding", logger.Ctx{"alias": mpe.Alias, "wwid": mpe.WWID})
			mpe.Alias = ""
		}
	}

	scratch.Reset()

	f, canWrite, err := openBindings(cfg.BindingsFile)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	bindings := &Store{}
	conflict, err := checkBindingsFile(cfg, f, bindings)
	if err != nil {
		return err
	}

	if conflict {
		if canWrite && !cfg.BindingsReadOnly {
			err = bindings.Flush(cfg.BindingsFile)
			if err != nil {
				return err
			}
		} else {
			return fmt.Errorf("Bad settings in read-only bindings file %q", cfg.BindingsFile)
		}
	}

	setBindings(bindings)

	return nil
}
