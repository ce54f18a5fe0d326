// Package analyzer implements thread detection and corruption scoring
// over a built DAG (spec.md §4.4). GoClaw trusts its append log and never
// performs this kind of structural analysis, so there is no teacher file
// to adapt directly; this package follows the teacher's idiom instead
// (small, table-driven where possible, logged at L_debug through
// internal/corelog) layered on top of internal/dag and internal/message.
package analyzer

import (
	"strings"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/dag"
	"github.com/sessionmend/sessionmend/internal/message"
)

// Analyzer turns a built DAG into a Session: threads assigned, every
// message and thread's corruption score populated.
type Analyzer struct {
	cfg *coreconfig.CorruptionConfig
}

// New builds an Analyzer against the given corruption-scoring weights.
func New(cfg *coreconfig.CorruptionConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze detects threads and computes corruption scores for every
// message, thread, and the session as a whole.
func (a *Analyzer) Analyze(d *dag.DAG, sessionID string) *Session {
	session := &Session{SessionID: sessionID, Messages: d.AllMessages()}

	threads, mainPathSet, mainThreadID := a.detectThreads(d)
	session.Threads = threads

	threadOfMessage := make(map[string]*Thread, len(session.Messages))
	for _, t := range threads {
		for _, m := range t.Messages {
			threadOfMessage[m.ID] = t
		}
	}

	for _, m := range session.Messages {
		m.ThreadID = ""
		if t := threadOfMessage[m.ID]; t != nil {
			m.ThreadID = t.ID
		}
		m.Orphan = d.IsOrphan(m.ID)
		m.CorruptionScore = a.scoreMessage(d, m, mainPathSet, threadOfMessage)
	}

	var totalWeighted, totalCount float64
	for _, t := range threads {
		t.CorruptionScore = a.scoreThread(t)
		n := float64(len(t.Messages))
		totalWeighted += t.CorruptionScore * n
		totalCount += n
	}
	if totalCount > 0 {
		session.CorruptionScore = message.ClampScore(totalWeighted / totalCount)
	}

	corelog.L_debug("analyzer: session analyzed", "sessionId", sessionID,
		"threads", len(threads), "mainThread", mainThreadID, "score", session.CorruptionScore)

	return session
}

// detectThreads implements the thread-detection rules of spec.md §4.4:
// the main thread is the longest root-to-leaf path through non-sidechain
// messages (ties broken by earliest root timestamp); every other
// connected component becomes a side thread rooted at its earliest
// message, carrying a parent-thread id when it branches directly off
// main; components rooted at an orphan become orphan threads.
func (a *Analyzer) detectThreads(d *dag.DAG) (threads []*Thread, mainPathSet map[string]bool, mainThreadID string) {
	visited := make(map[string]bool)
	mainPathSet = make(map[string]bool)

	roots := d.Roots()
	var mainRoot *message.Message
	var mainPath []*message.Message
	for _, root := range roots {
		path := longestNonSidechainPath(d, root, make(map[string]bool))
		if len(path) > len(mainPath) {
			mainPath = path
			mainRoot = root
		}
	}

	if mainRoot != nil {
		main := &Thread{
			ID:       threadID(mainRoot.ID),
			Messages: mainPath,
			Type:     ThreadMain,
		}
		threads = append(threads, main)
		mainThreadID = main.ID
		for _, m := range mainPath {
			mainPathSet[m.ID] = true
			visited[m.ID] = true
		}
	}

	// Other true roots (whole other components): side threads with no
	// parent thread, since a root has no parent to branch from.
	for _, root := range roots {
		if visited[root.ID] {
			continue
		}
		threads = append(threads, a.buildBranchThread(d, root.ID, "", visited))
	}

	// Branches hanging off the main path: children of a main-path message
	// that are not themselves the next main-path message (includes
	// sidechain children and non-sidechain branches not selected as main).
	for _, m := range mainPath {
		for _, c := range d.ChildrenOf(m.ID) {
			if visited[c.ID] {
				continue
			}
			threads = append(threads, a.buildBranchThread(d, c.ID, mainThreadID, visited))
		}
	}

	// Orphan roots: messages whose parent identifier is present but
	// unresolved. Each forms its own orphan thread.
	for _, m := range d.AllMessages() {
		if visited[m.ID] || !d.IsOrphan(m.ID) {
			continue
		}
		threads = append(threads, a.buildOrphanThread(d, m.ID, visited))
	}

	// Defensive fallback: anything still unvisited (only reachable via a
	// cycle with no resolvable root) becomes its own orphan thread so
	// every message ends up in exactly one thread.
	for _, m := range d.AllMessages() {
		if visited[m.ID] {
			continue
		}
		visited[m.ID] = true
		threads = append(threads, &Thread{ID: threadID(m.ID), Messages: []*message.Message{m}, Type: ThreadOrphan})
	}

	return threads, mainPathSet, mainThreadID
}

// buildBranchThread materializes the side thread rooted (for connectivity
// purposes) at branchRootID, marking its whole subtree visited. The
// thread's displayed root is the earliest-timestamp message within that
// subtree, per spec.md §4.4 ("rooted at its earliest message").
func (a *Analyzer) buildBranchThread(d *dag.DAG, branchRootID, parentThreadID string, visited map[string]bool) *Thread {
	subtree := filterUnvisited(d.Subtree(branchRootID), visited)
	for _, m := range subtree {
		visited[m.ID] = true
	}
	ordered := orderFromEarliest(subtree)
	root := ordered[0]
	t := &Thread{ID: threadID(root.ID), Messages: ordered, Type: ThreadSide, ParentThreadID: parentThreadID}
	if d.IsOrphan(root.ID) {
		t.Type = ThreadOrphan
	}
	return t
}

// buildOrphanThread materializes an orphan thread rooted at orphanID.
func (a *Analyzer) buildOrphanThread(d *dag.DAG, orphanID string, visited map[string]bool) *Thread {
	subtree := filterUnvisited(d.Subtree(orphanID), visited)
	for _, m := range subtree {
		visited[m.ID] = true
	}
	return &Thread{ID: threadID(orphanID), Messages: subtree, Type: ThreadOrphan}
}

func filterUnvisited(msgs []*message.Message, visited map[string]bool) []*message.Message {
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if !visited[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// orderFromEarliest reorders msgs (a preorder subtree walk) so the
// earliest-timestamp message leads, followed by the remainder in their
// original relative order.
func orderFromEarliest(msgs []*message.Message) []*message.Message {
	if len(msgs) <= 1 {
		return msgs
	}
	earliestIdx := 0
	for i, m := range msgs {
		e := msgs[earliestIdx]
		if m.Timestamp.Before(e.Timestamp) || (m.Timestamp.Equal(e.Timestamp) && m.ID < e.ID) {
			earliestIdx = i
		}
	}
	if earliestIdx == 0 {
		return msgs
	}
	out := make([]*message.Message, 0, len(msgs))
	out = append(out, msgs[earliestIdx])
	out = append(out, msgs[:earliestIdx]...)
	out = append(out, msgs[earliestIdx+1:]...)
	return out
}

// longestNonSidechainPath returns the longest root-to-leaf path starting
// at root, descending only through non-sidechain children. visiting
// guards against infinite recursion on a cyclic parent graph.
func longestNonSidechainPath(d *dag.DAG, root *message.Message, visiting map[string]bool) []*message.Message {
	if root.Sidechain || visiting[root.ID] {
		return nil
	}
	visiting[root.ID] = true
	defer delete(visiting, root.ID)

	best := []*message.Message{root}
	for _, c := range d.ChildrenOf(root.ID) {
		if c.Sidechain {
			continue
		}
		tail := longestNonSidechainPath(d, c, visiting)
		if tail == nil {
			continue
		}
		candidate := make([]*message.Message, 0, 1+len(tail))
		candidate = append(candidate, root)
		candidate = append(candidate, tail...)
		if len(candidate) > len(best) {
			best = candidate
		}
	}
	return best
}

// scoreMessage computes the weighted, clamped per-message corruption
// score described in spec.md §4.4.
func (a *Analyzer) scoreMessage(d *dag.DAG, m *message.Message, mainPathSet map[string]bool, threadOf map[string]*Thread) float64 {
	var score float64

	if d.IsOrphan(m.ID) {
		score += a.cfg.WeightMissingParent
	} else if m.ParentID == "" {
		if t := threadOf[m.ID]; t != nil && len(t.Messages) > 0 && t.Messages[0].ID != m.ID {
			// A root identifier appearing mid-thread: "null for a non-root".
			score += a.cfg.WeightMissingParent
		}
	}

	if parent := d.ParentOf(m.ID); parent != nil && m.Timestamp.Before(parent.Timestamp) {
		score += a.cfg.WeightTimestampViolation
	}

	if m.Sidechain && !ancestryTouchesMain(d, m.ID, mainPathSet) {
		score += a.cfg.WeightDisconnectedSidechain
	}

	if containsMarker(m.Content.Text(), a.cfg.Markers) {
		score += a.cfg.WeightContentMarker
	}

	return message.ClampScore(score)
}

func ancestryTouchesMain(d *dag.DAG, id string, mainPathSet map[string]bool) bool {
	if len(mainPathSet) == 0 {
		return false
	}
	for _, a := range d.Ancestry(id) {
		if mainPathSet[a.ID] {
			return true
		}
	}
	return false
}

func containsMarker(text string, markers []string) bool {
	for _, marker := range markers {
		if marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// scoreThread is the mean of its messages' scores, plus 0.2 if the
// thread is orphaned, clamped to [0,1].
func (a *Analyzer) scoreThread(t *Thread) float64 {
	if len(t.Messages) == 0 {
		return 0
	}
	var sum float64
	for _, m := range t.Messages {
		sum += m.CorruptionScore
	}
	mean := sum / float64(len(t.Messages))
	if t.Type == ThreadOrphan {
		mean += 0.2
	}
	return message.ClampScore(mean)
}
