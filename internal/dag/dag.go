// Package dag builds and queries the parent->children adjacency graph
// over a session's messages. GoClaw itself never builds or analyzes
// this structure — it trusts a flat append log — so this package is
// built in the teacher's idiom (small, heavily logged, table-driven)
// rather than adapted from a specific teacher file.
package dag

import (
	"sort"

	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/message"
)

// MissingParentDiagnostic records a child whose parent identifier does
// not resolve within the session.
type MissingParentDiagnostic struct {
	ChildID  string
	ParentID string
}

// Statistics summarizes the shape of a built graph.
type Statistics struct {
	Roots           int
	Leaves          int
	Orphans         int
	MaxDepth        int
	AverageBranching float64
}

// DAG is the built parent->children graph for one session's messages.
// It remains queryable even when cycles are present; repair commits
// refuse to introduce new ones (see internal/repair).
type DAG struct {
	byID       map[string]*message.Message
	children   map[string][]*message.Message // keyed by parent id ("" = roots)
	hasCycle   bool
	cycleIDs   []string
	missing    []MissingParentDiagnostic
}

// Build constructs a DAG from msgs. Children of each parent are sorted
// by timestamp ascending, ties broken by identifier lexicographic
// order, for deterministic iteration (spec.md §4.3, §9).
func Build(msgs []*message.Message) *DAG {
	d := &DAG{
		byID:     make(map[string]*message.Message, len(msgs)),
		children: make(map[string][]*message.Message),
	}

	for _, m := range msgs {
		d.byID[m.ID] = m
	}

	for _, m := range msgs {
		parent := m.ParentID
		if parent != "" {
			if _, ok := d.byID[parent]; !ok {
				d.missing = append(d.missing, MissingParentDiagnostic{ChildID: m.ID, ParentID: parent})
			}
		}
		d.children[parent] = append(d.children[parent], m)
	}

	for parent, kids := range d.children {
		sort.SliceStable(kids, func(i, j int) bool {
			if !kids[i].Timestamp.Equal(kids[j].Timestamp) {
				return kids[i].Timestamp.Before(kids[j].Timestamp)
			}
			return kids[i].ID < kids[j].ID
		})
		d.children[parent] = kids
	}

	d.hasCycle, d.cycleIDs = detectCycles(d.byID)

	corelog.L_debug("dag: built", "messages", len(msgs), "roots", len(d.children[""]),
		"missingParents", len(d.missing), "hasCycle", d.hasCycle)

	return d
}

// detectCycles runs a three-color DFS over the parent relation. A back
// edge (an ancestor reached again while still "in progress") marks a
// cycle; all nodes on a detected back-edge chain are reported.
func detectCycles(byID map[string]*message.Message) (bool, []string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var cycleIDs []string
	found := false

	var visit func(id string, stack []string)
	visit = func(id string, stack []string) {
		if found {
			return
		}
		color[id] = gray
		stack = append(stack, id)

		m, ok := byID[id]
		if ok && m.ParentID != "" {
			if _, ok := byID[m.ParentID]; ok {
				switch color[m.ParentID] {
				case white:
					visit(m.ParentID, stack)
				case gray:
					found = true
					cycleIDs = append([]string{}, stack...)
					cycleIDs = append(cycleIDs, m.ParentID)
				}
			}
		}
		color[id] = black
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			visit(id, nil)
		}
		if found {
			break
		}
	}

	return found, cycleIDs
}

// ChildrenOf returns the children of id in deterministic order. id=""
// returns the roots.
func (d *DAG) ChildrenOf(id string) []*message.Message {
	return d.children[id]
}

// ParentOf returns the parent Message of id, or nil if id is a root or
// unknown.
func (d *DAG) ParentOf(id string) *message.Message {
	m, ok := d.byID[id]
	if !ok || m.ParentID == "" {
		return nil
	}
	return d.byID[m.ParentID]
}

// Get returns the message with the given identifier, or nil.
func (d *DAG) Get(id string) *message.Message {
	return d.byID[id]
}

// Ancestry returns the root-to-id path (inclusive), or nil if id is
// unknown. Stops early (without reaching a root) if a cycle or missing
// parent is encountered, since the path isn't well-founded in that case.
func (d *DAG) Ancestry(id string) []*message.Message {
	m, ok := d.byID[id]
	if !ok {
		return nil
	}
	var chain []*message.Message
	visited := make(map[string]bool)
	cur := m
	for {
		chain = append([]*message.Message{cur}, chain...)
		visited[cur.ID] = true
		if cur.ParentID == "" {
			break
		}
		parent, ok := d.byID[cur.ParentID]
		if !ok || visited[parent.ID] {
			break
		}
		cur = parent
	}
	return chain
}

// Subtree returns a preorder traversal of id and all its descendants.
func (d *DAG) Subtree(id string) []*message.Message {
	m, ok := d.byID[id]
	if !ok {
		return nil
	}
	var out []*message.Message
	var walk func(n *message.Message)
	walk = func(n *message.Message) {
		out = append(out, n)
		for _, c := range d.children[n.ID] {
			walk(c)
		}
	}
	walk(m)
	return out
}

// IsDescendant reports whether candidate is reachable from ancestor by
// following children edges (used by the Repair Engine's cycle-prevention
// check, spec.md §4.5).
func (d *DAG) IsDescendant(ancestor, candidate string) bool {
	if ancestor == candidate {
		return false
	}
	for _, m := range d.Subtree(ancestor) {
		if m.ID == candidate {
			return true
		}
	}
	return false
}

// HasCycles reports whether a cycle was detected during Build.
func (d *DAG) HasCycles() bool { return d.hasCycle }

// CycleOffenders returns the identifiers implicated in a detected cycle,
// or nil if none. Never both "has cycles" with an empty list nor the
// reverse (spec.md §8).
func (d *DAG) CycleOffenders() []string { return d.cycleIDs }

// MissingParents returns every child whose parent id does not resolve.
func (d *DAG) MissingParents() []MissingParentDiagnostic { return d.missing }

// IsOrphan reports whether id's parent identifier is present and
// non-empty but unresolved (spec.md §4.3's orphan definition — a root
// with no parent at all is not an orphan).
func (d *DAG) IsOrphan(id string) bool {
	m, ok := d.byID[id]
	if !ok || m.ParentID == "" {
		return false
	}
	_, resolved := d.byID[m.ParentID]
	return !resolved
}

// Roots returns every root message (empty ParentID), in deterministic
// order. Orphans, whose ParentID names a missing message, are not
// included.
func (d *DAG) Roots() []*message.Message {
	return d.children[""]
}

// Statistics computes counts of roots, leaves, orphans, max depth, and
// average branching factor.
func (d *DAG) Statistics() Statistics {
	stats := Statistics{Roots: len(d.children[""])}

	var maxDepth int
	var branchSum, branchNodes int
	for id := range d.byID {
		if d.IsOrphan(id) {
			stats.Orphans++
		}
		if len(d.children[id]) == 0 {
			stats.Leaves++
		} else {
			branchSum += len(d.children[id])
			branchNodes++
		}
	}
	visiting := make(map[string]bool, len(d.byID))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if visiting[id] {
			return 0 // cycle guard: don't loop forever over corrupted input
		}
		visiting[id] = true
		defer delete(visiting, id)

		kids := d.children[id]
		if len(kids) == 0 {
			return 1
		}
		best := 0
		for _, c := range kids {
			if v := depthOf(c.ID); v > best {
				best = v
			}
		}
		return best + 1
	}
	for _, root := range d.Roots() {
		if v := depthOf(root.ID); v > maxDepth {
			maxDepth = v
		}
	}
	stats.MaxDepth = maxDepth
	if branchNodes > 0 {
		stats.AverageBranching = float64(branchSum) / float64(branchNodes)
	}
	return stats
}

// AllMessages returns every message indexed by this DAG, unordered.
func (d *DAG) AllMessages() []*message.Message {
	out := make([]*message.Message, 0, len(d.byID))
	for _, m := range d.byID {
		out = append(out, m)
	}
	return out
}
