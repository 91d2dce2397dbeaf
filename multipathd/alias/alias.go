package alias

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/canonical/multipath/shared/logger"
)

// DeviceChecker reports on live kernel device-mapper devices so that a
// candidate alias can be checked for collisions with maps that exist outside
// the bindings file.
type DeviceChecker interface {
	// MapPresent reports whether a map with the given name exists.
	MapPresent(name string) bool

	// MapWWID returns the WWID from the map's UUID ("" when the UUID does
	// not carry the multipath prefix).
	MapWWID(name string) (string, error)
}

// Allocator hands out user-friendly aliases backed by a bindings file.
type Allocator struct {
	checker DeviceChecker
}

// NewAllocator returns an allocator that validates candidate aliases against
// live kernel devices through the given checker.
func NewAllocator(checker DeviceChecker) *Allocator {
	return &Allocator{checker: checker}
}

// alreadyTaken reports whether the alias names a live kernel map belonging to
// a different WWID.
func (a *Allocator) alreadyTaken(alias string, mapWWID string) bool {
	if !a.checker.MapPresent(alias) {
		return false
	}

	// If both the name and the WWID match, then it's fine.
	wwid, err := a.checker.MapWWID(alias)
	if err == nil && wwid == mapWWID {
		return false
	}

	logger.Debug("Alias already taken, reselecting alias", logger.Ctx{"alias": alias, "wwid": mapWWID})

	return true
}

// idAlreadyTaken reports whether the alias generated for id collides with a
// live kernel map of a different WWID.
func (a *Allocator) idAlreadyTaken(id int, prefix string, mapWWID string) bool {
	devname, err := FormatDevname(id)
	if err != nil {
		return false
	}

	return a.alreadyTaken(prefix+devname, mapWWID)
}

// lookupBinding scans the bindings stream for mapWWID.
// It returns the bound alias if one exists. Otherwise it returns a free ID
// that could be used for the WWID, or an error when the ID space is
// exhausted. With an empty prefix no alias is recognised as generated: with
// checkIfTaken unset the returned ID is 1 and carries no meaning, and with
// checkIfTaken set an error is returned.
func (a *Allocator) lookupBinding(f io.ReadSeeker, mapWWID string, prefix string, checkIfTaken bool) (string, int, error) {
	_, err := f.Seek(0, io.SeekStart)
	if err != nil {
		return "", -1, fmt.Errorf("Failed to rewind bindings file: %w", err)
	}

	// Find an unused ID while scanning. "id" always holds the next expected
	// ID, so all IDs below it are known used. "smallestBiggerID" tracks the
	// smallest used ID encountered out of order; when the scan ends with
	// id < smallestBiggerID the value of id was never seen and is free,
	// otherwise fall back to biggestID+1.
	id := 1
	biggestID := 1
	smallestBiggerID := math.MaxInt32

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, lineMax), lineMax)

	lineNr := 0
	for scanner.Scan() {
		lineNr++
		fields := splitBindingLine(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		currID := ScanDevname(fields[0], prefix)
		if currID == id {
			if id < math.MaxInt32 {
				id++
			} else {
				id = -1
				break
			}
		}

		if currID > biggestID {
			biggestID = currID
		}

		if currID > id && currID < smallestBiggerID {
			smallestBiggerID = currID
		}

		if len(fields) < 2 {
			logger.Debug("Ignoring malformed line in bindings file", logger.Ctx{"line": lineNr})
			continue
		}

		if fields[1] == mapWWID {
			logger.Debug("Found matching WWID in bindings file", logger.Ctx{"wwid": mapWWID, "alias": fields[0]})
			return fields[0], 0, nil
		}
	}

	err = scanner.Err()
	if err != nil {
		return "", -1, fmt.Errorf("Failed reading bindings file: %w", err)
	}

	if prefix == "" && checkIfTaken {
		id = -1
	}

	if id >= smallestBiggerID {
		if biggestID < math.MaxInt32 {
			id = biggestID + 1
		} else {
			id = -1
		}
	}

	if id > 0 && checkIfTaken {
		for a.idAlreadyTaken(id, prefix, mapWWID) {
			if id == math.MaxInt32 {
				id = -1
				break
			}

			id++
			if id == smallestBiggerID {
				if biggestID == math.MaxInt32 {
					id = -1
					break
				}

				if biggestID >= smallestBiggerID {
					id = biggestID + 1
				}
			}
		}
	}

	if id < 0 {
		return "", -1, fmt.Errorf("No more available user-friendly names")
	}

	logger.Debug("No matching WWID in bindings file", logger.Ctx{"wwid": mapWWID})

	return "", id, nil
}

// reverseLookup scans the bindings stream for the alias and returns its WWID,
// or "" when the alias is unbound.
func reverseLookup(f io.ReadSeeker, mapAlias string) (string, error) {
	_, err := f.Seek(0, io.SeekStart)
	if err != nil {
		return "", fmt.Errorf("Failed to rewind bindings file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, lineMax), lineMax)

	lineNr := 0
	for scanner.Scan() {
		lineNr++
		fields := splitBindingLine(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) < 2 {
			logger.Debug("Ignoring malformed line in bindings file", logger.Ctx{"line": lineNr})
			continue
		}

		alias, wwid := fields[0], fields[1]
		if len(wwid) >= WWIDSize {
			logger.Debug("Ignoring too large WWID in bindings file", logger.Ctx{"line": lineNr})
			continue
		}

		if alias == mapAlias {
			logger.Debug("Found matching alias in bindings file", logger.Ctx{"alias": alias, "wwid": wwid})
			return wwid, nil
		}
	}

	err = scanner.Err()
	if err != nil {
		return "", fmt.Errorf("Failed reading bindings file: %w", err)
	}

	logger.Debug("No matching alias in bindings file", logger.Ctx{"alias": mapAlias})

	return "", nil
}

// allocateBinding appends a new "alias wwid" line for id at the end of the
// bindings file and returns the alias. A short or failed write is rolled back
// by truncating the file to its pre-append size.
func allocateBinding(f *os.File, wwid string, id int, prefix string) (string, error) {
	if id <= 0 {
		return "", fmt.Errorf("Cannot allocate new binding for ID %d", id)
	}

	devname, err := FormatDevname(id)
	if err != nil {
		return "", err
	}

	alias := prefix + devname

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return "", fmt.Errorf("Cannot seek to end of bindings file: %w", err)
	}

	_, err = fmt.Fprintf(f, "%s %s\n", alias, wwid)
	if err != nil {
		// Clear the partial write.
		truncErr := f.Truncate(offset)
		if truncErr != nil {
			logger.Error("Cannot truncate partial binding write", logger.Ctx{"err": truncErr})
		}

		return "", fmt.Errorf("Cannot write binding to bindings file: %w", err)
	}

	logger.Debug("Created new binding", logger.Ctx{"alias": alias, "wwid": wwid})

	return alias, nil
}

// Alias returns the user-friendly alias for wwid, consulting and maintaining
// the bindings file at path. If preferred is non-empty it is reused when it
// is already bound to wwid, or its ID is claimed when it parses as
// "<prefix><devname>" and is unbound. Newly chosen aliases are checked
// against live kernel maps and appended to the file unless it is not
// writable or readOnly is set.
func (a *Allocator) Alias(wwid string, path string, preferred string, prefix string, readOnly bool) (string, error) {
	f, canWrite, err := openBindings(path)
	if err != nil {
		return "", err
	}

	defer func() { _ = f.Close() }()

	id := 0
	newBinding := false

	if preferred != "" && !ValidAlias(preferred) {
		logger.Error("Ignoring invalid preferred alias", logger.Ctx{"alias": preferred, "wwid": wwid})
		preferred = ""
	}

	if preferred != "" {
		// Look up the preferred alias. If it is bound, the WWID decides
		// whether it can be reused.
		boundWWID, err := reverseLookup(f, preferred)
		if err != nil {
			return "", err
		}

		if boundWWID != "" {
			if boundWWID == wwid {
				return preferred, nil
			}

			logger.Error("Alias already bound to another WWID, cannot reuse", logger.Ctx{"alias": preferred, "wwid": boundWWID})
		} else {
			// Look for an existing binding for our WWID. With an empty
			// prefix and no collision check the scan only looks for the
			// WWID; the returned ID is ignored.
			existing, _, err := a.lookupBinding(f, wwid, "", false)
			if err != nil {
				return "", err
			}

			if existing != "" {
				if a.alreadyTaken(existing, wwid) {
					return "", fmt.Errorf("Existing alias %q for WWID %q is taken by another map", existing, wwid)
				}

				logger.Debug("Using existing binding", logger.Ctx{"alias": existing, "wwid": wwid})

				return existing, nil
			}

			// The preferred alias is unbound; claim its ID for our WWID
			// unless a live map of another WWID already uses the name.
			id = ScanDevname(preferred, prefix)
			if id > 0 && a.alreadyTaken(preferred, wwid) {
				id = 0
			}
		}
	}

	if id <= 0 {
		// No usable preferred alias. Find an existing binding or a new ID.
		existing, freeID, err := a.lookupBinding(f, wwid, prefix, true)
		if err != nil {
			return "", err
		}

		if existing != "" {
			if a.alreadyTaken(existing, wwid) {
				return "", fmt.Errorf("Existing alias %q for WWID %q is taken by another map", existing, wwid)
			}

			logger.Debug("Using existing binding", logger.Ctx{"alias": existing, "wwid": wwid})

			return existing, nil
		}

		id = freeID
		newBinding = true
	}

	if !canWrite || readOnly {
		return "", fmt.Errorf("Cannot allocate new binding for WWID %q in read-only bindings file", wwid)
	}

	newAlias, err := allocateBinding(f, wwid, id, prefix)
	if err != nil {
		return "", err
	}

	if !newBinding {
		logger.Info("Allocated existing binding", logger.Ctx{"alias": newAlias, "wwid": wwid})
	}

	return newAlias, nil
}

// WWID returns the WWID bound to alias in the bindings file at path.
func WWID(aliasName string, path string) (string, error) {
	if aliasName == "" {
		return "", fmt.Errorf("Cannot find binding for empty alias")
	}

	f, _, err := openBindings(path)
	if err != nil {
		return "", err
	}

	defer func() { _ = f.Close() }()

	wwid, err := reverseLookup(f, aliasName)
	if err != nil {
		return "", err
	}

	if wwid == "" {
		return "", fmt.Errorf("No binding for alias %q", aliasName)
	}

	return wwid, nil
}
