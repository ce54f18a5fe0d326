package analyzer

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sessionmend/sessionmend/internal/message"
)

// ThreadType is the enum of thread classifications, per spec.md §3.
type ThreadType string

const (
	ThreadMain   ThreadType = "main"
	ThreadSide   ThreadType = "side"
	ThreadOrphan ThreadType = "orphan"
)

// Thread is a connected sequence of messages identified by the
// analyzer.
type Thread struct {
	ID              string
	Messages        []*message.Message // ancestry order; Messages[0] is the root
	Type            ThreadType
	SemanticTopic   string // reserved; never populated by the core (spec.md §9)
	CorruptionScore float64
	ParentThreadID  string // set for side threads whose root branches off main
}

// Root returns the thread's first message.
func (t *Thread) Root() *message.Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[0]
}

// threadID computes a stable hash of a root identifier, per spec.md §3
// ("thread id (stable hash of the root identifier)").
func threadID(rootID string) string {
	sum := sha256.Sum256([]byte(rootID))
	return hex.EncodeToString(sum[:])[:16]
}
