package procwatch

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// IProcessLister abstracts process enumeration for testability
type IProcessLister interface {
	// List returns a snapshot of every live, non-zombie process.
	List(ctx context.Context) ([]ProcessSnapshot, error)
}

// GopsutilLister implements IProcessLister on top of gopsutil, which reads
// /proc on Linux.
type GopsutilLister struct{}

func (l *GopsutilLister) List(ctx context.Context) ([]ProcessSnapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	now := time.Now()
	snapshots := make([]ProcessSnapshot, 0, len(procs))
	for _, p := range procs {
		snap, ok := snapshotOf(ctx, p, now)
		if !ok {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// snapshotOf reads one process. Processes that exit mid-read or are zombies
// are skipped; unreadable optional fields (cwd, ids) degrade to zero values.
func snapshotOf(ctx context.Context, p *process.Process, now time.Time) (ProcessSnapshot, bool) {
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return ProcessSnapshot{}, false
	}

	if statuses, err := p.StatusWithContext(ctx); err == nil {
		for _, s := range statuses {
			if s == process.Zombie {
				return ProcessSnapshot{}, false
			}
		}
	}

	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ProcessSnapshot{}, false
	}
	argv, _ := p.CmdlineSliceWithContext(ctx)
	cwd, _ := p.CwdWithContext(ctx)

	uid, gid := 0, 0
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 0 {
		uid = int(uids[0])
	}
	if gids, err := p.GidsWithContext(ctx); err == nil && len(gids) > 0 {
		gid = int(gids[0])
	}

	snap := NewSnapshot(int(p.Pid), int(ppid), name, argv, cwd, uid, gid, now)
	if created, err := p.CreateTimeWithContext(ctx); err == nil {
		snap.StartedAt = created
	}
	return snap, true
}
