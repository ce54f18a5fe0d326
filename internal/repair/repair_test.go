package repair

import (
	"testing"
	"time"

	"github.com/sessionmend/sessionmend/internal/coreconfig"
	"github.com/sessionmend/sessionmend/internal/dag"
	"github.com/sessionmend/sessionmend/internal/message"
)

func at(seconds int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, seconds, 0, time.UTC)
}

func TestDefaultSimilarity(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		expect float64
	}{
		{"identical", "fix the bug", "fix the bug", 1.0},
		{"disjoint", "alpha beta", "gamma delta", 0.0},
		{"both empty", "", "", 0.0},
		{"partial overlap", "fix the bug now", "fix the bug later", 0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultSimilarity(tt.a, tt.b)
			if got != tt.expect {
				t.Errorf("DefaultSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.expect)
			}
		})
	}
}

func TestRoleCompatibility(t *testing.T) {
	u := func(role message.Role, sidechain bool) *message.Message {
		return &message.Message{Role: role, Sidechain: sidechain}
	}
	tests := []struct {
		name             string
		orphan, candidate *message.Message
		expect           float64
	}{
		{"user orphan, assistant candidate", u(message.RoleUser, false), u(message.RoleAssistant, false), 1.0},
		{"assistant orphan, user candidate", u(message.RoleAssistant, false), u(message.RoleUser, false), 1.0},
		{"system candidate", u(message.RoleUser, false), u(message.RoleSystem, false), 1.0},
		{"assistant-assistant", u(message.RoleAssistant, false), u(message.RoleAssistant, false), 0.3},
		{"user-user", u(message.RoleUser, false), u(message.RoleUser, false), 0.3},
		{"sidechain orphan", u(message.RoleUser, true), u(message.RoleAssistant, false), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roleCompatibility(tt.orphan, tt.candidate); got != tt.expect {
				t.Errorf("roleCompatibility() = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestRankCandidates_ScenarioA(t *testing.T) {
	m1 := &message.Message{ID: "m1", Role: message.RoleUser, Timestamp: at(10), Content: message.NewPlainContent("hello there")}
	m2 := &message.Message{ID: "m2", ParentID: "m1", Role: message.RoleAssistant, Timestamp: at(20), Content: message.NewPlainContent("following up on the bug report now")}
	m3 := &message.Message{ID: "m3", ParentID: "ghost", Role: message.RoleUser, Timestamp: at(22), Content: message.NewPlainContent("following up on the bug report later")}

	d := dag.Build([]*message.Message{m1, m2, m3})
	cfg := coreconfig.Default().Ranking
	engine := New(&cfg, nil)

	candidates := engine.RankCandidates(d, m3)
	if len(candidates) == 0 {
		t.Fatal("expected at least one candidate")
	}
	if candidates[0].ParentID != "m2" {
		t.Fatalf("top candidate = %s, want m2", candidates[0].ParentID)
	}
	if candidates[0].Score < 0.7 {
		t.Errorf("top candidate score = %v, want >= 0.7", candidates[0].Score)
	}
}

func TestRankCandidates_FloorExcludesLowScores(t *testing.T) {
	orphan := &message.Message{ID: "orphan", ParentID: "ghost", Role: message.RoleUser, Timestamp: at(0), Content: message.NewPlainContent("zzz")}
	far := &message.Message{ID: "far", Role: message.RoleUser, Timestamp: at(100000), Content: message.NewPlainContent("totally unrelated text")}

	d := dag.Build([]*message.Message{orphan, far})
	cfg := coreconfig.Default().Ranking
	cfg.MinScoreFloor = 0.9
	engine := New(&cfg, nil)

	candidates := engine.RankCandidates(d, orphan)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates above a 0.9 floor, got %+v", candidates)
	}
}

func TestValidate_RejectsDescendantAsParent(t *testing.T) {
	m1 := &message.Message{ID: "m1", Role: message.RoleUser, Timestamp: at(0)}
	m2 := &message.Message{ID: "m2", ParentID: "m1", Role: message.RoleAssistant, Timestamp: at(1)}
	d := dag.Build([]*message.Message{m1, m2})

	result := Validate(d, "m1", "m2")
	if result.Passed {
		t.Fatal("expected validation to fail: m2 is a descendant of m1")
	}
	if result.Checks[CheckNotDescendant] {
		t.Error("expected not_descendant check to fail")
	}
}

func TestValidate_RejectsFutureParent(t *testing.T) {
	orphan := &message.Message{ID: "orphan", Role: message.RoleUser, Timestamp: at(0)}
	futureParent := &message.Message{ID: "future", Role: message.RoleAssistant, Timestamp: at(100)}
	d := dag.Build([]*message.Message{orphan, futureParent})

	result := Validate(d, "orphan", "future")
	if result.Passed {
		t.Fatal("expected validation to fail: parent timestamp is after orphan's")
	}
	if result.Checks[CheckTimestampMonotonic] {
		t.Error("expected timestamp_monotonic check to fail")
	}
}

func TestValidate_AcceptsValidReparenting(t *testing.T) {
	m1 := &message.Message{ID: "m1", Role: message.RoleUser, Timestamp: at(0)}
	orphan := &message.Message{ID: "orphan", Role: message.RoleUser, Timestamp: at(5)}
	d := dag.Build([]*message.Message{m1, orphan})

	result := Validate(d, "orphan", "m1")
	if !result.Passed {
		t.Fatalf("expected validation to pass, failures: %v", result.Failures)
	}
}
