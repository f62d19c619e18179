package stream

import (
	"strings"
	"sync"
)

// Transcript is the ordered, append-only list of text fragments recognized
// during one session.
type Transcript struct {
	mu        sync.RWMutex
	fragments []string
}

// Append adds a fragment. Blank fragments are ignored; the return value
// reports whether text was recorded.
func (t *Transcript) Append(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	t.mu.Lock()
	t.fragments = append(t.fragments, text)
	t.mu.Unlock()
	return true
}

// Reset clears all fragments
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.fragments = nil
	t.mu.Unlock()
}

// Text joins the fragments with single spaces and, when non-empty, a single
// trailing space so consecutive sessions can be concatenated as typed.
func (t *Transcript) Text() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.fragments) == 0 {
		return ""
	}
	return strings.Join(t.fragments, " ") + " "
}

// Fragments returns a copy of the recorded fragments
func (t *Transcript) Fragments() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, len(t.fragments))
	copy(out, t.fragments)
	return out
}

// Len returns the number of fragments
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fragments)
}
