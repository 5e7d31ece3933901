package procwatch

// processTree tracks the processes seen in the last scan, keyed by pid.
// Parent links are followed through ParentPID. It is not safe for
// concurrent use; Watcher guards it.
type processTree struct {
	processes map[int]ProcessSnapshot
}

func newProcessTree() *processTree {
	return &processTree{processes: make(map[int]ProcessSnapshot)}
}

func (t *processTree) add(p ProcessSnapshot) {
	t.processes[p.PID] = p
}

func (t *processTree) remove(pid int) {
	delete(t.processes, pid)
}

func (t *processTree) get(pid int) (ProcessSnapshot, bool) {
	p, ok := t.processes[pid]
	return p, ok
}

// lineage walks parent links from the immediate parent of pid up to, but
// excluding, rootPID.
func (t *processTree) lineage(pid, rootPID int) Lineage {
	p, ok := t.processes[pid]
	if !ok {
		return nil
	}

	var lineage Lineage
	current := p.ParentPID
	for current != rootPID && current > 0 {
		ancestor, ok := t.processes[current]
		if !ok {
			break
		}
		lineage = append(lineage, ancestor)
		if len(lineage) >= MaxLineageDepth {
			break
		}
		current = ancestor.ParentPID
	}
	return lineage
}
