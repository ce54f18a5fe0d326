package analyzer

import "github.com/sessionmend/sessionmend/internal/message"

// Session is the complete analysis result for one archive: every message,
// partitioned into threads, with corruption scores populated throughout.
type Session struct {
	SessionID       string
	Messages        []*message.Message
	Threads         []*Thread
	CorruptionScore float64
}

// MainThread returns the session's main thread, or nil if no main thread
// could be selected (the session has no non-sidechain root).
func (s *Session) MainThread() *Thread {
	for _, t := range s.Threads {
		if t.Type == ThreadMain {
			return t
		}
	}
	return nil
}

// ThreadByID returns the thread with the given id, or nil.
func (s *Session) ThreadByID(id string) *Thread {
	for _, t := range s.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}
