package engine

import (
	"strings"
	"sync"
)

// groupGate counts running tasks per concurrency group and parks the tasks
// that find their group full. A group's limit is taken from the task asking
// for a slot, so a reload that changes a source's limit applies to the next
// check.
type groupGate struct {
	mu      sync.Mutex
	running map[string]int
	parked  map[string][]queuedTask
}

// admit takes a slot in the task's group or parks the task behind the
// running ones. An empty group or a non-positive limit is always admitted
// and needs no release.
func (g *groupGate) admit(qt queuedTask) (string, bool) {
	key := strings.TrimSpace(qt.task.Group)
	if key == "" || qt.task.GroupLimit <= 0 {
		return "", true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]int)
		g.parked = make(map[string][]queuedTask)
	}
	if g.running[key] >= qt.task.GroupLimit {
		g.parked[key] = append(g.parked[key], qt)
		return "", false
	}
	g.running[key]++
	return key, true
}

// release frees the slot held under key. When a task is parked in that
// group, the slot passes to it and release returns it for the caller to run.
func (g *groupGate) release(key string) (queuedTask, bool) {
	if key == "" {
		return queuedTask{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if q := g.parked[key]; len(q) > 0 {
		next := q[0]
		q[0] = queuedTask{}
		if len(q) == 1 {
			delete(g.parked, key)
		} else {
			g.parked[key] = q[1:]
		}
		return next, true
	}
	if n := g.running[key]; n > 1 {
		g.running[key] = n - 1
	} else {
		delete(g.running, key)
	}
	return queuedTask{}, false
}

// takeParked empties every parked list.
func (g *groupGate) takeParked() []queuedTask {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []queuedTask
	for key, q := range g.parked {
		out = append(out, q...)
		delete(g.parked, key)
	}
	return out
}

// snapshot returns running and parked tasks per group.
func (g *groupGate) snapshot() (running map[string]int, parked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	running = make(map[string]int, len(g.running))
	for k, n := range g.running {
		running[k] = n
	}
	for _, q := range g.parked {
		parked += len(q)
	}
	return running, parked
}
