// Package windowsapi wraps the few process queries the listener host needs:
// a process snapshot used to resolve process_name filters, and a debugger
// check used by the collection policy.
package windowsapi

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrProcessNotFound is returned when no running process matches a name.
var ErrProcessNotFound = errors.New("process not found")

// ProcessInfo holds basic information about a running process obtained from
// a process snapshot.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	ExeFile   string
	ImagePath string // empty when the process could not be opened
}

// FindProcessByName returns the lowest PID whose image name matches name,
// case-insensitively. The ".exe" suffix is optional.
func FindProcessByName(name string) (uint32, error) {
	procs, err := GetProcessSnapshot()
	if err != nil {
		return 0, fmt.Errorf("process snapshot: %w", err)
	}
	pids := matchProcesses(procs, name)
	if len(pids) == 0 {
		return 0, fmt.Errorf("%q: %w", name, ErrProcessNotFound)
	}
	return pids[0], nil
}

// matchProcesses returns the sorted PIDs of procs whose image name is name.
func matchProcesses(procs map[uint32]ProcessInfo, name string) []uint32 {
	want := normalizeImageName(name)
	if want == "" {
		return nil
	}
	var pids []uint32
	for pid, p := range procs {
		if normalizeImageName(p.ExeFile) == want {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	return pids
}

func normalizeImageName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}
