package devmapper

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/canonical/multipath/shared/logger"
)

// reassignDeps rewrites the first occurrence of dep in the params string with
// newDep. It refuses ambiguous matches where the occurrence is followed by a
// digit, since "8:1" inside "8:16" names a different device.
func reassignDeps(params string, dep string, newDep string) (string, bool) {
	idx := strings.Index(params, dep)
	if idx < 0 {
		return params, false
	}

	next := idx + len(dep)
	if next < len(params) && params[next] >= '0' && params[next] <= '9' {
		return params, false
	}

	return params[:idx] + newDep + params[next:], true
}

// ReassignTable rewrites the map's table so that non-multipath targets
// depending on the old "major:minor" point at the new one instead, then
// reloads and resumes the map. An unparseable target aborts the whole
// operation; silently dropping it would be destructive.
func (s *Subsystem) ReassignTable(name string, old string, new string) error {
	targets, err := s.targetsOf(name, true)
	if err != nil {
		return err
	}

	modified := 0
	newTargets := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Type == "" {
			return fmt.Errorf("Invalid target found in map %q", name)
		}

		if t.Type != TargetMultipath && strings.Contains(t.Params, old) {
			params, ok := reassignDeps(t.Params, old, new)
			if !ok {
				return fmt.Errorf("Ambiguous dependency %q in map %q target params", old, name)
			}

			logger.Debug("Replacing target params", logger.Ctx{"name": name, "type": t.Type, "old": t.Params, "new": params})
			t.Params = params
			modified++
		}

		newTargets = append(newTargets, t)
	}

	if modified == 0 {
		return nil
	}

	load := &task{cmd: dmTableLoadCmd, name: name, targets: newTargets}
	err = s.runTask(load)
	if err != nil {
		s.logTaskError(3, load, err)
		return fmt.Errorf("Failed to reassign targets of %q: %w", name, err)
	}

	return s.Resume(name, true, UdevReloadFlag)
}

// Reassign rewrites the tables of other device-mapper devices so that
// dependencies on the map's underlying block devices point at the multipath
// device instead.
func (s *Subsystem) Reassign(mapname string) error {
	devT, err := s.DevT(mapname)
	if err != nil {
		return fmt.Errorf("%s: failed to get device number: %w", mapname, err)
	}

	t := &task{cmd: dmTableDepsCmd, name: mapname, payloadHint: minPayload}
	err = s.runTask(t)
	if err != nil {
		s.logTaskError(3, t, err)
		return notFound(err)
	}

	deps := parseDeps(t.payload)
	if len(deps) == 0 {
		return nil
	}

	entries, err := s.listMapNames()
	if err != nil {
		return err
	}

	for _, dep := range deps {
		depT := fmt.Sprintf("%d:%d", unix.Major(dep), unix.Minor(dep))
		for _, e := range entries {
			if e.name == mapname {
				continue
			}

			err = s.ReassignTable(e.name, depT, devT)
			if err != nil {
				logger.Warn("Failed to reassign dependent table", logger.Ctx{"name": e.name, "dep": depT, "err": err})
			}
		}
	}

	return nil
}
