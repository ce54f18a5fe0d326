// Package message defines the typed conversation record model: roles,
// content blocks, and the Message entity itself. Generalized from the
// teacher's fixed GoClaw record shapes (internal/session/types.go) to
// the spec's generic {user,assistant,system,summary,file-history} role
// enum and a PlainText|Blocks content sum type.
package message

import (
	"fmt"
	"time"

	"github.com/sessionmend/sessionmend/internal/coreerrors"
)

// Role is the enum of recognized message roles.
type Role string

const (
	RoleUser        Role = "user"
	RoleAssistant   Role = "assistant"
	RoleSystem      Role = "system"
	RoleSummary     Role = "summary"
	RoleFileHistory Role = "file-history"
)

// ValidRole reports whether r is one of the recognized roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleSummary, RoleFileHistory:
		return true
	default:
		return false
	}
}

// BlockKind identifies the kind of a content block.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is one element of a Blocks-shaped Content value.
type Block struct {
	Kind BlockKind

	// Text holds the textual payload for BlockText.
	Text string

	// ToolUseID identifies a tool_use block.
	ToolUseID string
	ToolName  string

	// ToolResultID identifies the tool_result block this content element
	// carries; duplication of these across a record stream is a known
	// corruption pattern handled by internal/dedup.
	ToolResultID string
}

// Content is the sum type described in spec.md/SPEC_FULL.md's design
// notes: Content = PlainText(string) | Blocks(list<Block>). Exactly one
// of the two forms is populated.
type Content struct {
	Plain  *string
	Blocks []Block
}

// NewPlainContent builds a scalar-string Content value.
func NewPlainContent(text string) Content {
	return Content{Plain: &text}
}

// NewBlocksContent builds a block-list Content value.
func NewBlocksContent(blocks []Block) Content {
	return Content{Blocks: blocks}
}

// IsBlocks reports whether this Content is the block-list form.
func (c Content) IsBlocks() bool { return c.Plain == nil }

// Text concatenates the textual portions of the content, matching the
// teacher's ExtractTextContent helper (internal/session/types.go).
func (c Content) Text() string {
	if c.Plain != nil {
		return *c.Plain
	}
	var out string
	for _, b := range c.Blocks {
		if b.Kind == BlockText && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ToolResultIDs returns the block identifiers of every tool_result block
// present, in order, including duplicates.
func (c Content) ToolResultIDs() []string {
	if c.Plain != nil {
		return nil
	}
	var ids []string
	for _, b := range c.Blocks {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolResultID)
		}
	}
	return ids
}

// Message is one record in a session: the central entity of the graph
// engine.
type Message struct {
	ID       string
	ParentID string // empty means root
	Role     Role
	Content  Content
	// Timestamp carries timezone-aware instant semantics; monotonic
	// ordering within a thread is expected but not guaranteed by
	// corrupted input.
	Timestamp time.Time
	SessionID string
	Sidechain bool

	// Derived fields, set only by internal/analyzer; never by the loader.
	SemanticTopic   string
	ThreadID        string
	Orphan          bool
	CorruptionScore float64
}

// Validate enforces the Message invariants from spec.md §3: non-empty
// identifier and a clamped, in-range corruption score. Uniqueness within
// a session is a Session-level invariant, checked by internal/dag.
func (m *Message) Validate() error {
	if m.ID == "" {
		return coreerrors.New(coreerrors.KindParseError, "message identifier must not be empty")
	}
	if !ValidRole(m.Role) {
		return coreerrors.Newf(coreerrors.KindParseError, "unrecognized role %q for message %s", m.Role, m.ID)
	}
	if m.CorruptionScore < 0 || m.CorruptionScore > 1 {
		return coreerrors.Newf(coreerrors.KindInvariantViolation,
			"corruption score %.4f out of range [0,1] for message %s", m.CorruptionScore, m.ID)
	}
	return nil
}

// ClampScore clamps v into [0, 1], the invariant every corruption score
// in the system must satisfy.
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// IsRoot reports whether this message has no parent (a thread root).
func (m *Message) IsRoot() bool { return m.ParentID == "" }

func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%s role=%s parent=%s t=%s}", m.ID, m.Role, m.ParentID, m.Timestamp.Format(time.RFC3339))
}
