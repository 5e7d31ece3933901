// Package procwatch enumerates container processes, keeps a parent/child
// tree of them and reports new and ended processes to subscribers.
//
// The classifier only sees immutable ProcessSnapshot values and the lineage
// of a pid; how they were obtained (gopsutil, a fake in tests) is hidden
// behind IProcessLister.
package procwatch

import (
	"path"
	"strings"
	"time"
)

// MaxLineageDepth bounds lineage walks so a corrupted or cyclic parent link
// can never loop forever.
const MaxLineageDepth = 50

// ProcessSnapshot is a point-in-time view of one process.
type ProcessSnapshot struct {
	PID              int       `json:"pid"`
	ParentPID        int       `json:"parentPid"`
	Command          string    `json:"command"`
	Argv             []string  `json:"argv"`
	WorkingDirectory string    `json:"workingDirectory"`
	OwnerUID         int       `json:"ownerUid"`
	OwnerGID         int       `json:"ownerGid"`
	StartedAt        int64     `json:"startedAt"` // process create time in ms, 0 if unknown
	ObservedAt       time.Time `json:"observedAt"`

	// Derived once at construction.
	CommandLine string `json:"commandLine"`
	Basename    string `json:"-"`
}

// Lineage is the ancestor chain of a process, nearest parent first.
type Lineage []ProcessSnapshot

// NewSnapshot builds a snapshot. Command is the first argv token when there
// is one, otherwise the kernel comm name.
func NewSnapshot(pid, ppid int, comm string, argv []string, cwd string, uid, gid int, observedAt time.Time) ProcessSnapshot {
	command := comm
	if len(argv) > 0 && argv[0] != "" {
		command = argv[0]
	}
	args := make([]string, len(argv))
	copy(args, argv)

	return ProcessSnapshot{
		PID:              pid,
		ParentPID:        ppid,
		Command:          command,
		Argv:             args,
		WorkingDirectory: cwd,
		OwnerUID:         uid,
		OwnerGID:         gid,
		ObservedAt:       observedAt,
		CommandLine:      strings.Join(args, " "),
		Basename:         strings.ToLower(path.Base(command)),
	}
}

// SameProcess reports whether two snapshots describe the same logical
// process. Pids are recycled, so when both start times are known they must
// agree as well.
func (p ProcessSnapshot) SameProcess(other ProcessSnapshot) bool {
	if p.PID != other.PID {
		return false
	}
	if p.StartedAt != 0 && other.StartedAt != 0 {
		return p.StartedAt == other.StartedAt
	}
	return true
}

// ParentCommand returns the command of the nearest ancestor, or "".
func (l Lineage) ParentCommand() string {
	if len(l) == 0 {
		return ""
	}
	return l[0].Command
}
