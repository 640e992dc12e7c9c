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

// Package tunnel implements the core squidtun protocol: the time-bucketed
// authentication proof, opaque session identifiers, the backend-socket
// Session, and the process-wide SessionTable.
package tunnel

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultProofWindow is the default allowed clock-skew window, in seconds,
// used by CheckProof.
const DefaultProofWindow = 60

// ProofForTime computes the hex SHA-1 digest of password || t || password,
// with t rendered as its decimal ASCII representation. It is deterministic
// and total for all inputs.
func ProofForTime(password string, t int64) string {
	h := sha1.New()
	h.Write([]byte(password))
	h.Write([]byte(strconv.FormatInt(t, 10)))
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// CurrentProof computes ProofForTime for the current second-aligned epoch
// time.
func CurrentProof(password string) string {
	return ProofForTime(password, time.Now().Unix())
}

// CheckProof reports whether candidate equals ProofForTime(password, t) for
// some second-aligned t in [now-window, now+window). The comparison is
// constant-time to avoid leaking proof bytes through handler timing; the
// reference implementation this protocol is based on used plain byte
// equality, but spec guidance calls for the upgrade.
func CheckProof(password, candidate string, window int64) bool {
	if window <= 0 {
		window = DefaultProofWindow
	}
	now := time.Now().Unix()
	candidateBytes := []byte(candidate)
	for t := now - window; t < now+window; t++ {
		expected := []byte(ProofForTime(password, t))
		if len(expected) == len(candidateBytes) &&
			subtle.ConstantTimeCompare(expected, candidateBytes) == 1 {
			return true
		}
	}
	return false
}
