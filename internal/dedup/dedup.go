// Package dedup implements the Duplicate Detector: it scans a record
// stream for duplicated tool_result content blocks by block identifier
// and proposes a deduplicated stream retaining only the first
// occurrence of each. Grounded on the teacher's block-scanning helpers
// in internal/session/types.go (ExtractToolCalls et al.), adapted from
// "extract a kind of block" to "find duplicate identifiers and redact
// all but the first".
package dedup

import (
	"strings"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/message"
)

// Metrics reports the outcome of a Scan, per spec.md §4.2.
type Metrics struct {
	BlocksProcessed int
	BlocksValid     int
	BlocksInvalid   int
	// InvalidBreakdown counts invalid blocks by reason.
	InvalidBreakdown map[string]int
}

// ErrExcessiveDuplication is returned by Scan when the sum of duplicated
// block counts exceeds the configured OOM-guard threshold.
var ErrExcessiveDuplication = coreerrors.New(coreerrors.KindInvariantViolation, "excessive tool_result duplication")

// Scan walks msgs in order and reports, for every tool_result block
// identifier that occurs 2 or more times across the whole stream, its
// total occurrence count. Only identifiers with count >= 2 are included.
// maxDuplicateBlocks is the configured OOM guard (spec.md §4.2,
// coreconfig.DedupConfig.MaxDuplicateBlocks); 0 disables the guard.
func Scan(msgs []*message.Message, maxDuplicateBlocks int) (map[string]int, Metrics, error) {
	counts := make(map[string]int)
	metrics := Metrics{InvalidBreakdown: make(map[string]int)}

	for _, m := range msgs {
		if !m.Content.IsBlocks() {
			continue
		}
		for _, b := range m.Content.Blocks {
			if b.Kind != message.BlockToolResult {
				continue
			}
			metrics.BlocksProcessed++
			id := strings.TrimSpace(b.ToolResultID)
			if id == "" {
				metrics.BlocksInvalid++
				metrics.InvalidBreakdown["empty_identifier"]++
				continue
			}
			metrics.BlocksValid++
			counts[id]++
		}
	}

	dupes := make(map[string]int)
	totalDuplicated := 0
	for id, n := range counts {
		if n >= 2 {
			dupes[id] = n
			totalDuplicated += n
		}
	}

	if maxDuplicateBlocks > 0 && totalDuplicated > maxDuplicateBlocks {
		return nil, metrics, ErrExcessiveDuplication.WithDetail("totalDuplicated", totalDuplicated).WithDetail("threshold", maxDuplicateBlocks)
	}

	return dupes, metrics, nil
}

// Dedup returns a new message slice where, for every identifier present
// in dupes, only the first occurrence of a tool_result block with that
// identifier is retained; later occurrences are dropped from their
// message's block list. Non-tool_result blocks and invalid
// (empty-identifier) tool_result blocks are always preserved untouched.
// Time complexity O(n); space O(m) where m = len(dupes).
func Dedup(msgs []*message.Message, dupes map[string]int) []*message.Message {
	if len(dupes) == 0 {
		return msgs
	}

	seen := make(map[string]bool, len(dupes))
	out := make([]*message.Message, len(msgs))

	for i, m := range msgs {
		if !m.Content.IsBlocks() {
			out[i] = m
			continue
		}

		changed := false
		kept := make([]message.Block, 0, len(m.Content.Blocks))
		for _, b := range m.Content.Blocks {
			if b.Kind == message.BlockToolResult {
				id := strings.TrimSpace(b.ToolResultID)
				if id != "" {
					if _, isDupe := dupes[id]; isDupe {
						if seen[id] {
							changed = true
							continue // drop this later occurrence
						}
						seen[id] = true
					}
				}
			}
			kept = append(kept, b)
		}

		if !changed {
			out[i] = m
			continue
		}
		clone := *m
		clone.Content = message.NewBlocksContent(kept)
		out[i] = &clone
	}

	return out
}
