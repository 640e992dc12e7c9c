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
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// IdleTimeout is the duration of inactivity after which a Session is
// considered timed out and eligible for sweeping.
const IdleTimeout = 30 * time.Second

// nonBlockingDeadline is the read/write deadline used to emulate a
// non-blocking syscall on top of net.Conn, which has no native non-blocking
// mode. A deadline this close to now makes the next I/O call return almost
// immediately with a timeout error if it would otherwise block.
const nonBlockingDeadline = 1 * time.Millisecond

// Outcome is the tri-state result of a non-blocking Session operation,
// mirroring the reference implementation's NonBlocking<T>.
type Outcome int

const (
	// Success indicates the operation completed; its payload carries the
	// result (bytes read, or bytes written).
	Success Outcome = iota
	// WouldBlock indicates the operation could not complete right now
	// without waiting.
	WouldBlock
	// Err indicates the operation failed with an I/O error.
	Err
)

// ReadResult is returned by Session.ReadChunk.
type ReadResult struct {
	Outcome Outcome
	Data    []byte
	Err     error
}

// WriteResult is returned by Session.WriteChunk.
type WriteResult struct {
	Outcome Outcome
	N       int
	Err     error
}

// Session owns one backend TCP socket on behalf of a single tunnel. It is
// single-owner: the SessionTable's locking discipline ensures at most one
// caller holds it for mutation at any instant.
type Session struct {
	// ID is the opaque, process-unique identifier assigned at connect time.
	ID string

	stream net.Conn

	sentEOF     bool
	receivedEOF bool
	lastUsed    time.Time
}

// Connect opens a TCP connection to addr and returns a fresh Session
// with sentEOF=false, receivedEOF=false, lastUsed=now.
func Connect(id, addr string) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect session %s to %s", id, addr)
	}
	return &Session{
		ID:       id,
		stream:   conn,
		lastUsed: time.Now(),
	}, nil
}

// ReadChunk attempts a non-blocking read of up to maxSize bytes. A
// zero-length Success means EOF, and latches receivedEOF. WouldBlock leaves
// EOF state untouched.
func (s *Session) ReadChunk(maxSize int) ReadResult {
	s.lastUsed = time.Now()

	s.stream.SetReadDeadline(time.Now().Add(nonBlockingDeadline))
	defer s.stream.SetReadDeadline(time.Time{})

	buf := make([]byte, maxSize)
	n, err := s.stream.Read(buf)
	if err != nil {
		if n == 0 && err == io.EOF {
			s.receivedEOF = true
			return ReadResult{Outcome: Success, Data: buf[:0]}
		}
		if isTimeout(err) {
			return ReadResult{Outcome: WouldBlock}
		}
		return ReadResult{Outcome: Err, Err: err}
	}
	if n == 0 {
		s.receivedEOF = true
	}
	return ReadResult{Outcome: Success, Data: buf[:n]}
}

// WriteChunk attempts a non-blocking write of chunk. Partial writes (0 <= n
// <= len(chunk)) are valid; the caller resubmits the unsent suffix.
func (s *Session) WriteChunk(chunk []byte) WriteResult {
	s.lastUsed = time.Now()

	s.stream.SetWriteDeadline(time.Now().Add(nonBlockingDeadline))
	defer s.stream.SetWriteDeadline(time.Time{})

	n, err := s.stream.Write(chunk)
	if err != nil {
		if isTimeout(err) && n == 0 {
			return WriteResult{Outcome: WouldBlock}
		}
		if isTimeout(err) {
			// Partial write before the deadline fired; report what went
			// out rather than discarding it.
			return WriteResult{Outcome: Success, N: n}
		}
		return WriteResult{Outcome: Err, Err: err}
	}
	return WriteResult{Outcome: Success, N: n}
}

// SendEOF shuts down the write half of the backend socket. It is
// idempotent; shutdown errors are swallowed, matching the reference
// implementation's `.ok()`.
func (s *Session) SendEOF() {
	s.lastUsed = time.Now()
	s.sentEOF = true
	if tcp, ok := s.stream.(*net.TCPConn); ok {
		tcp.CloseWrite()
		return
	}
	// Non-TCP conns (e.g. in tests) have no half-close; fall back to a
	// full close so writers observe the shutdown.
	s.stream.Close()
}

// IsDone reports whether both directions have EOF'd.
func (s *Session) IsDone() bool {
	return s.sentEOF && s.receivedEOF
}

// IsTimedOut reports whether the Session has been idle longer than
// IdleTimeout.
func (s *Session) IsTimedOut() bool {
	return time.Since(s.lastUsed) > IdleTimeout
}

// Close releases the backend socket. Safe to call even if SendEOF already
// shut down the write half.
func (s *Session) Close() error {
	return s.stream.Close()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
