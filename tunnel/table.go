// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package tunnel

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoSession is returned by WithSession when no entry matches the given
// id, either because it never existed or because it has since been swept.
var ErrNoSession = errors.New("no session")

// SessionTable is a process-wide registry of active Sessions, shared by all
// concurrent HTTP handlers and a background sweeper. A single writer lock
// guards every access; lookup-and-mutate is always a write-lock critical
// section, so no Session is ever touched outside the lock.
type SessionTable struct {
	mu       sync.Mutex
	sessions []*Session
}

// NewSessionTable returns an empty table.
func NewSessionTable() *SessionTable {
	return &SessionTable{}
}

// Insert appends session to the table.
func (t *SessionTable) Insert(session *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = append(t.sessions, session)
}

// WithSession finds the unique entry whose id matches, runs fn on it, and if
// the session now reports IsDone removes it from the table. Returns
// ErrNoSession if no entry matches.
func WithSession[R any](t *SessionTable, id string, fn func(*Session) R) (R, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero R
	for i, session := range t.sessions {
		if session.ID != id {
			continue
		}
		result := fn(session)
		if session.IsDone() {
			t.removeAt(i)
		}
		return result, nil
	}
	return zero, ErrNoSession
}

// removeAt deletes the entry at index i. Callers must hold t.mu.
func (t *SessionTable) removeAt(i int) {
	t.sessions[i].Close()
	t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
}

// Sweep removes every entry for which IsTimedOut holds, intended to be
// invoked on a periodic tick. Entries are examined and removed in reverse
// index order so that removing one never invalidates the index of an
// entry not yet examined. It returns the number of entries removed.
func (t *SessionTable) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for i := len(t.sessions) - 1; i >= 0; i-- {
		if t.sessions[i].IsTimedOut() {
			t.removeAt(i)
			removed++
		}
	}
	return removed
}

// Len reports the current number of tracked sessions, for stats/diagnostics
// only; it is not part of the protocol.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
