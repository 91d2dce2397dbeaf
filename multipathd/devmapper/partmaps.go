package devmapper

import (
	"errors"
	"strings"

	"github.com/canonical/multipath/shared/logger"
)

// errStopIteration aborts a partition walk early from inside a visitor.
var errStopIteration = errors.New("stop iteration")

// parsePartUUID splits a partition UUID of the form "part<N>-<parent_uuid>".
func parsePartUUID(uuid string) (string, bool) {
	rest, ok := strings.CutPrefix(uuid, "part")
	if !ok {
		return "", false
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}

	if i == 0 || i >= len(rest) || rest[i] != '-' {
		return "", false
	}

	return rest[i+1:], true
}

// isMpathPart reports whether partName is a partition child of mapName,
// based on a strict parse of its UUID.
func (s *Subsystem) isMpathPart(partName string, mapName string) bool {
	partUUID, err := s.prefixedUUID(partName)
	if err != nil {
		return false
	}

	mapUUID, err := s.prefixedUUID(mapName)
	if err != nil {
		return false
	}

	parent, ok := parsePartUUID(partUUID)

	return ok && parent == mapUUID
}

// foreachPartmap invokes fn for every partition child of mapname: a linear
// device whose UUID marks it a partition of the map and whose table depends
// on the map's device numbers. A visitor error aborts the walk.
func (s *Subsystem) foreachPartmap(mapname string, fn func(name string) error) error {
	entries, err := s.listMapNames()
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		// This is perfectly valid.
		return nil
	}

	devT, err := s.DevT(mapname)
	if err != nil {
		return err
	}

	for _, e := range entries {
		// Only consider a single linear target.
		mapType, err := s.mapType(e.name)
		if err != nil || mapType != TargetPartition {
			continue
		}

		// Whose UUID marks a partition of the multipath device.
		if !s.isMpathPart(e.name, mapname) {
			continue
		}

		// And whose table maps over the multipath map. The character
		// after the "major:minor" match must not be a digit, so "1:1"
		// does not claim the partitions of "1:10".
		_, params, err := s.GetMap(e.name)
		if err != nil {
			continue
		}

		idx := strings.Index(params, devT)
		if idx < 0 {
			continue
		}

		next := idx + len(devT)
		if next < len(params) && params[next] >= '0' && params[next] <= '9' {
			continue
		}

		err = fn(e.name)
		if err != nil {
			return err
		}
	}

	return nil
}

// hasPartmaps reports whether the map has at least one partition child.
func (s *Subsystem) hasPartmaps(mapname string) (bool, error) {
	err := s.foreachPartmap(mapname, func(string) error {
		return errStopIteration
	})
	if errors.Is(err, errStopIteration) {
		return true, nil
	}

	return false, err
}

// partmapInUse reports whether the device is held open by anything other
// than its own partition children, recursively. retCount, when non-nil,
// counts visited devices for the caller's accounting.
func (s *Subsystem) partmapInUse(name string, retCount *int) (bool, error) {
	if retCount != nil {
		*retCount++
	}

	count, err := s.Opencount(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	if count == 0 {
		return false, nil
	}

	partCount := 0
	err = s.foreachPartmap(name, func(part string) error {
		used, err := s.partmapInUse(part, &partCount)
		if err != nil {
			return err
		}

		if used {
			return errStopIteration
		}

		return nil
	})
	if errors.Is(err, errStopIteration) {
		return true, nil
	}

	if err != nil {
		return true, err
	}

	if int(count) != partCount {
		logger.Warn("Map in use", logger.Ctx{"name": name})
		return true, nil
	}

	return false, nil
}

// removePartmaps removes all partition children of the map, partitions of
// partitions first. An open partition fails the walk unless removal is
// deferred.
func (s *Subsystem) removePartmaps(mapname string, needSync bool, deferred DeferredRemove) error {
	return s.foreachPartmap(mapname, func(name string) error {
		count, err := s.Opencount(name)
		if err == nil && count > 0 {
			err = s.removePartmaps(name, needSync, deferred)
			if err != nil {
				return err
			}

			if !deferred.active() {
				count, err = s.Opencount(name)
				if err == nil && count > 0 {
					logger.Warn("Map in use", logger.Ctx{"name": name})
					return ErrMapInUse
				}
			}
		}

		logger.Debug("Removing partition map", logger.Ctx{"name": name})
		_ = s.removeDevice(name, needSync, deferred)

		return nil
	})
}

// renamePartmaps renames every partition child "<old><suffix>" of the map to
// "<new><delim><suffix>", where the suffix starts at the first digit after
// the old name. An empty delim defaults to "p" when the new name ends in a
// digit.
func (s *Subsystem) renamePartmaps(old string, new string, delim string) error {
	delim = partRenameDelim(new, delim)

	return s.foreachPartmap(old, func(name string) error {
		if !strings.HasPrefix(name, old) {
			return nil
		}

		newName := new + delim + partSuffix(name, old)
		err := s.Rename(name, newName, delim, false)
		if err != nil {
			logger.Warn("Failed to rename partition map", logger.Ctx{"name": name, "err": err})
			return nil
		}

		logger.Debug("Partition map renamed", logger.Ctx{"name": name, "newName": newName})

		return nil
	})
}

// partRenameDelim resolves the separator between a renamed map and its
// partition suffixes. An unspecified delim defaults to "p" when the new name
// ends in a digit.
func partRenameDelim(new string, delim string) string {
	if delim != "" || new == "" {
		return delim
	}

	last := new[len(new)-1]
	if last >= '0' && last <= '9' {
		return "p"
	}

	return ""
}

// partSuffix returns the partition suffix of a child name, starting at the
// first digit after the old parent name.
func partSuffix(name string, old string) string {
	offset := len(old)
	for offset < len(name) && (name[offset] < '0' || name[offset] > '9') {
		offset++
	}

	return name[offset:]
}

// cancelRemovePartmaps cancels pending deferred removals on all partition
// children, recursively.
func (s *Subsystem) cancelRemovePartmaps(mapname string) error {
	return s.foreachPartmap(mapname, func(name string) error {
		count, err := s.Opencount(name)
		if err == nil && count > 0 {
			_ = s.cancelRemovePartmaps(name)
		}

		err = s.Message(name, "@cancel_deferred_remove")
		if err != nil {
			logger.Error("Cannot cancel deferred remove", logger.Ctx{"name": name, "err": err})
		}

		return nil
	})
}

// CancelDeferredRemove cancels a pending deferred removal of the map and its
// partitions, reverting the descriptor to the on state.
func (s *Subsystem) CancelDeferredRemove(mpp *Multipath) error {
	info, err := s.Info(mpp.Alias)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	}

	if !info.DeferredRemove {
		return nil
	}

	if mpp.DeferredRemove == DeferredRemoveInProgress {
		mpp.DeferredRemove = DeferredRemoveOn
	}

	_ = s.cancelRemovePartmaps(mpp.Alias)

	err = s.Message(mpp.Alias, "@cancel_deferred_remove")
	if err != nil {
		logger.Error("Cannot cancel deferred remove", logger.Ctx{"name": mpp.Alias, "err": err})
		return err
	}

	logger.Info("Canceled deferred remove", logger.Ctx{"name": mpp.Alias})

	return nil
}
