package lock

import (
	"sort"
	"sync"
)

const (
	white = iota
	gray
	black
)

// DeadlockDetector is a wait-for graph. An edge waiting -> holding means the
// waiting session is queued behind a lock the holding session owns. Edges are
// reference counted, so one session blocked on the same holder by several
// requests keeps the edge until the last of them goes away.
type DeadlockDetector struct {
	mu    sync.RWMutex
	edges map[string]map[string]int
}

func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{edges: make(map[string]map[string]int)}
}

// AddWaitRelation records that waiting waits for holding. Self edges are ignored.
func (d *DeadlockDetector) AddWaitRelation(waiting, holding string) {
	if waiting == holding {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, ok := d.edges[waiting]
	if !ok {
		targets = make(map[string]int)
		d.edges[waiting] = targets
	}
	targets[holding]++
}

// RemoveWaitRelation drops one reference of the edge, missing edges are ignored.
func (d *DeadlockDetector) RemoveWaitRelation(waiting, holding string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets, ok := d.edges[waiting]
	if !ok {
		return
	}
	if targets[holding] <= 1 {
		delete(targets, holding)
	} else {
		targets[holding]--
	}
	if len(targets) == 0 {
		delete(d.edges, waiting)
	}
}

// RemoveSession drops every edge from or to the session.
func (d *DeadlockDetector) RemoveSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.edges, sessionID)
	for waiting, targets := range d.edges {
		delete(targets, sessionID)
		if len(targets) == 0 {
			delete(d.edges, waiting)
		}
	}
}

// Edges returns a copy of the graph, neighbours sorted.
func (d *DeadlockDetector) Edges() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string][]string, len(d.edges))
	for waiting, targets := range d.edges {
		result[waiting] = sortedKeys(targets)
	}
	return result
}

// DetectDeadlock returns a cycle of the graph with its first session repeated
// at the end, e.g. [A B C A], or nil when the graph is acyclic. Sessions and
// their neighbours are visited in sorted order so the result is stable for a
// given graph. The graph is not modified.
func (d *DeadlockDetector) DetectDeadlock() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	colors := make(map[string]int)
	for _, start := range d.nodes() {
		if colors[start] != white {
			continue
		}
		if cycle := d.visit(start, colors, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

// DetectDeadlockFor returns a cycle that runs through sessionID, starting and
// ending with it, or nil when the session is not part of any cycle.
func (d *DeadlockDetector) DetectDeadlockFor(sessionID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visited := make(map[string]bool)
	path := []string{sessionID}
	var walk func(node string) []string
	walk = func(node string) []string {
		for _, next := range sortedKeys(d.edges[node]) {
			if next == sessionID {
				return append(append([]string(nil), path...), sessionID)
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			path = append(path, next)
			if cycle := walk(next); cycle != nil {
				return cycle
			}
			path = path[:len(path)-1]
		}
		return nil
	}
	visited[sessionID] = true
	return walk(sessionID)
}

func (d *DeadlockDetector) visit(node string, colors map[string]int, stack []string) []string {
	colors[node] = gray
	stack = append(stack, node)
	for _, next := range sortedKeys(d.edges[node]) {
		switch colors[next] {
		case gray:
			for i, session := range stack {
				if session == next {
					cycle := append([]string(nil), stack[i:]...)
					return append(cycle, next)
				}
			}
		case white:
			if cycle := d.visit(next, colors, stack); cycle != nil {
				return cycle
			}
		}
	}
	colors[node] = black
	return nil
}

func (d *DeadlockDetector) nodes() []string {
	seen := make(map[string]int)
	for waiting, targets := range d.edges {
		seen[waiting] = 1
		for holding := range targets {
			seen[holding] = 1
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
