// Package alias maintains the persistent mapping between WWIDs and
// user-friendly multipath map names.
package alias

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/canonical/multipath/shared/logger"
)

// WWIDSize is the maximum accepted WWID length, including the trailing NUL of
// the original on-disk format. WWIDs whose length meets or exceeds this are
// rejected.
const WWIDSize = 128

// lineMax bounds a single line of the bindings file.
const lineMax = 2048

// FileHeader is written at the top of every bindings file maintained by this
// package.
const FileHeader = `# Multipath bindings, Version : 1.0
# NOTE: this file is automatically maintained by the multipath program.
# You should not need to edit this file in normal circumstances.
#
# Format:
# alias wwid
#
`

// Binding is a single alias to WWID association.
type Binding struct {
	Alias string
	WWID  string
}

// InsertResult describes the outcome of inserting a binding into a Store.
type InsertResult int

const (
	// BindingAdded means the binding was not present and has been added.
	BindingAdded InsertResult = iota

	// BindingExists means an identical binding was already present.
	BindingExists

	// BindingConflict means the alias is already bound to a different WWID.
	BindingConflict
)

// Store is an in-memory view of the bindings file, kept sorted ascending by
// alias. It has no internal locking; writers must be serialized externally.
type Store struct {
	bindings []Binding
}

// Len returns the number of bindings in the store.
func (s *Store) Len() int {
	return len(s.bindings)
}

// Bindings returns the bindings in store order.
func (s *Store) Bindings() []Binding {
	return s.bindings
}

// Reset discards all bindings.
func (s *Store) Reset() {
	s.bindings = nil
}

// Insert adds a binding, keeping the store sorted by alias.
// The search runs backwards from the tail because the on-disk file is
// expected to be sorted already.
func (s *Store) Insert(alias string, wwid string) InsertResult {
	i := len(s.bindings) - 1
	cmp := 0
	for ; i >= 0; i-- {
		cmp = strings.Compare(s.bindings[i].Alias, alias)
		if cmp <= 0 {
			break
		}
	}

	if i >= 0 && cmp == 0 {
		if s.bindings[i].WWID == wwid {
			return BindingExists
		}

		return BindingConflict
	}

	s.bindings = append(s.bindings, Binding{})
	copy(s.bindings[i+2:], s.bindings[i+1:])
	s.bindings[i+1] = Binding{Alias: alias, WWID: wwid}

	return BindingAdded
}

// LookupWWID returns the WWID bound to the given alias.
func (s *Store) LookupWWID(alias string) (string, bool) {
	for _, b := range s.bindings {
		if b.Alias == alias {
			return b.WWID, true
		}
	}

	return "", false
}

// LookupAlias returns the alias bound to the given WWID.
func (s *Store) LookupAlias(wwid string) (string, bool) {
	for _, b := range s.bindings {
		if b.WWID == wwid {
			return b.Alias, true
		}
	}

	return "", false
}

// splitBindingLine strips comments and line terminators and splits the rest
// on spaces and tabs.
func splitBindingLine(line string) []string {
	if i := strings.IndexAny(line, "#\n\r"); i >= 0 {
		line = line[:i]
	}

	return strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t'
	})
}

// Load merges the bindings from the given stream into the store.
// Malformed lines are skipped with a warning; conflicting lines are dropped
// with an error. Only stream read failures are fatal.
func (s *Store) Load(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, lineMax), lineMax)

	lineNr := 0
	for scanner.Scan() {
		lineNr++
		fields := splitBindingLine(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if len(fields) == 1 {
			logger.Warn("Ignoring malformed line in bindings file, missing WWID", logger.Ctx{"line": lineNr})
			continue
		}

		if len(fields) > 2 {
			logger.Warn("Extra arguments on line in bindings file", logger.Ctx{"line": lineNr, "extra": strings.Join(fields[2:], " ")})
		}

		alias, wwid := fields[0], fields[1]
		if len(wwid) >= WWIDSize {
			logger.Warn("Ignoring too large WWID in bindings file", logger.Ctx{"line": lineNr})
			continue
		}

		switch s.Insert(alias, wwid) {
		case BindingConflict:
			logger.Error("Multiple bindings for alias in bindings file, discarding", logger.Ctx{"alias": alias, "wwid": wwid, "line": lineNr})
		case BindingExists:
			logger.Debug("Duplicate line for alias in bindings file", logger.Ctx{"alias": alias, "line": lineNr})
		}
	}

	err := scanner.Err()
	if err != nil {
		return fmt.Errorf("Failed reading bindings: %w", err)
	}

	return nil
}

// WriteTo serializes the header and one "alias wwid" line per binding.
func (s *Store) WriteTo(w io.Writer) error {
	b := &strings.Builder{}
	b.WriteString(FileHeader)
	for _, bdg := range s.bindings {
		fmt.Fprintf(b, "%s %s\n", bdg.Alias, bdg.WWID)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Flush atomically rewrites the bindings file at path from the store.
// The content is written to a temporary file in the same directory and
// renamed onto the target; a failed write never touches the target.
func (s *Store) Flush(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".")
	if err != nil {
		return fmt.Errorf("Failed creating temporary bindings file: %w", err)
	}

	tempName := f.Name()

	err = f.Chmod(0600)
	if err == nil {
		err = s.WriteTo(f)
	}

	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("Failed writing new bindings file: %w", err)
	}

	err = os.Rename(tempName, path)
	if err != nil {
		_ = os.Remove(tempName)
		return fmt.Errorf("Failed replacing bindings file %q: %w", path, err)
	}

	logger.Info("Updated bindings file", logger.Ctx{"path": path})

	return nil
}

// ValidAlias returns whether the alias is usable as a kernel map name.
func ValidAlias(alias string) bool {
	return alias != "" && !strings.Contains(alias, "/")
}

// openBindings opens the bindings file at path, creating it with the standard
// header if it does not exist yet. It reports whether the file is writable
// and takes an advisory lock (exclusive when writable, shared otherwise)
// held until the file is closed.
func openBindings(path string) (*os.File, bool, error) {
	canWrite := true

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		if !os.IsPermission(err) {
			return nil, false, fmt.Errorf("Failed opening bindings file %q: %w", path, err)
		}

		canWrite = false
		f, err = os.Open(path)
		if err != nil {
			return nil, false, fmt.Errorf("Failed opening bindings file %q read-only: %w", path, err)
		}
	}

	how := unix.LOCK_SH
	if canWrite {
		how = unix.LOCK_EX
	}

	err = unix.Flock(int(f.Fd()), how)
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("Failed locking bindings file %q: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("Failed to stat bindings file %q: %w", path, err)
	}

	if fi.Size() == 0 && canWrite {
		_, err = f.WriteString(FileHeader)
		if err != nil {
			_ = f.Close()
			return nil, false, fmt.Errorf("Failed writing bindings file header: %w", err)
		}
	}

	return f, canWrite, nil
}
