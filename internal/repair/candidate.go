// Package repair implements the Repair Engine: ranked parent-candidate
// generation for an orphaned message, and pre-commit validation of a
// proposed re-parenting. GoClaw has no analogue (it never repairs
// corrupted archives), so this package follows the teacher's idiom
// (small, table-driven, heavily logged) rather than adapting a specific
// teacher file, on top of internal/dag and internal/message.
package repair

import (
	"sort"
	"strings"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/dag"
	"github.com/sessionmend/sessionmend/internal/message"
)

// SimilarityFunc scores the lexical similarity of two content strings in
// [0,1]. The core never mandates embeddings; callers may inject any
// function here (spec.md §4.5).
type SimilarityFunc func(a, b string) float64

// Candidate is one ranked parent suggestion for an orphaned message.
type Candidate struct {
	ParentID      string
	Score         float64
	ContentScore  float64
	TemporalScore float64
	RoleScore     float64
	DeltaSeconds  float64
}

// Engine ranks repair candidates against a configured similarity
// function and weight set.
type Engine struct {
	cfg        *coreconfig.RankingConfig
	similarity SimilarityFunc
}

// New builds an Engine. A nil similarity falls back to DefaultSimilarity
// (token-set Jaccard).
func New(cfg *coreconfig.RankingConfig, similarity SimilarityFunc) *Engine {
	if similarity == nil {
		similarity = DefaultSimilarity
	}
	return &Engine{cfg: cfg, similarity: similarity}
}

// DefaultSimilarity is the token-set Jaccard similarity between the
// whitespace-tokenized lowercase forms of a and b.
func DefaultSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA)
	for tok := range setB {
		if !setA[tok] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// roleCompatibility implements the table in spec.md §4.5: the orphan is
// the would-be child, candidate the would-be parent.
func roleCompatibility(orphan, candidate *message.Message) float64 {
	if orphan.Sidechain || candidate.Sidechain {
		return 0.5
	}
	if orphan.Role == message.RoleSystem || candidate.Role == message.RoleSystem {
		return 1.0
	}
	switch {
	case orphan.Role == message.RoleUser && candidate.Role == message.RoleAssistant:
		return 1.0
	case orphan.Role == message.RoleAssistant && candidate.Role == message.RoleUser:
		return 1.0
	case orphan.Role == message.RoleAssistant && candidate.Role == message.RoleAssistant:
		return 0.3
	case orphan.Role == message.RoleUser && candidate.Role == message.RoleUser:
		return 0.3
	default:
		return 0.5
	}
}

// temporalScore implements the decay function score = max(0, 1 - delta/deltaMax).
func temporalScore(orphan, candidate *message.Message, deltaMaxSeconds int) (score, deltaSeconds float64) {
	delta := orphan.Timestamp.Sub(candidate.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	deltaSeconds = delta.Seconds()
	if deltaMaxSeconds <= 0 {
		return 0, deltaSeconds
	}
	score = 1 - deltaSeconds/float64(deltaMaxSeconds)
	if score < 0 {
		score = 0
	}
	return score, deltaSeconds
}

// RankCandidates produces every non-orphan candidate for orphan, scored
// and sorted per spec.md §4.5: composite score descending, ties broken
// by smaller time delta then lexicographically smaller identifier.
// Candidates below cfg.MinScoreFloor are dropped; the result is
// truncated to cfg.MaxCandidates. Never fails: an empty slice is a
// valid result.
func (e *Engine) RankCandidates(d *dag.DAG, orphan *message.Message) []Candidate {
	var candidates []Candidate

	for _, m := range d.AllMessages() {
		if m.ID == orphan.ID || d.IsOrphan(m.ID) {
			continue
		}

		contentScore := e.similarity(orphan.Content.Text(), m.Content.Text())
		tScore, delta := temporalScore(orphan, m, e.cfg.TemporalWindowSeconds)
		rScore := roleCompatibility(orphan, m)

		composite := e.cfg.WeightContent*contentScore + e.cfg.WeightTemporal*tScore + e.cfg.WeightRole*rScore
		composite = message.ClampScore(composite)

		if composite < e.cfg.MinScoreFloor {
			continue
		}

		candidates = append(candidates, Candidate{
			ParentID:      m.ID,
			Score:         composite,
			ContentScore:  contentScore,
			TemporalScore: tScore,
			RoleScore:     rScore,
			DeltaSeconds:  delta,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DeltaSeconds != b.DeltaSeconds {
			return a.DeltaSeconds < b.DeltaSeconds
		}
		return a.ParentID < b.ParentID
	})

	if e.cfg.MaxCandidates > 0 && len(candidates) > e.cfg.MaxCandidates {
		candidates = candidates[:e.cfg.MaxCandidates]
	}

	corelog.L_debug("repair: ranked candidates", "orphanId", orphan.ID, "count", len(candidates))
	return candidates
}
