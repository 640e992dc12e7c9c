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

package main

import (
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/unixpickle/squidtun/std"
	"github.com/unixpickle/squidtun/tunnel"
)

// maxDownloadChunk is the maximum number of backend bytes read per
// /download call, matching the reference implementation's max_read_size.
const maxDownloadChunk = 65536

// Router dispatches the four squidtun HTTP endpoints against a
// SessionTable. It implements http.Handler.
type Router struct {
	Table    *tunnel.SessionTable
	Password string
	Window   int64
	Remote   string
	Compress bool
	Quiet    bool
	Stats    *std.Stats
}

func (rt *Router) logln(v ...interface{}) {
	if !rt.Quiet {
		log.Println(v...)
	}
}

// ServeHTTP parses "/<api>/<arg>/<cache-buster>" and dispatches to the
// matching handler. Paths that don't match this shape, or name an unknown
// api, fail with 400 "invalid request".
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 3 || parts[0] != "" {
		writeError(w, "invalid request")
		return
	}
	api, arg := parts[1], parts[2]

	switch api {
	case "connect":
		rt.handleConnect(w, arg)
	case "upload":
		rt.handleUpload(w, r, arg)
	case "download":
		rt.handleDownload(w, arg)
	case "close":
		rt.handleClose(w, arg)
	default:
		writeError(w, "invalid request")
	}
}

func (rt *Router) handleConnect(w http.ResponseWriter, proof string) {
	if !tunnel.CheckProof(rt.Password, proof, rt.Window) {
		writeError(w, "incorrect password")
		return
	}

	id := tunnel.GenerateSessionID()
	session, err := tunnel.Connect(id, rt.Remote)
	if err != nil {
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.ConnectErrors, 1)
		}
		writeError(w, "connect error: "+err.Error())
		return
	}

	rt.Table.Insert(session)
	if rt.Stats != nil {
		atomic.AddInt64(&rt.Stats.SessionsCreated, 1)
	}
	rt.logln("session opened", "id:", id, "backend:", rt.Remote)
	writeSuccess(w, []byte(id))
}

func (rt *Router) handleUpload(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "read error: "+err.Error())
		return
	}

	if rt.Compress {
		rt.handleCompressedUpload(w, id, body)
		return
	}

	result, err := tunnel.WithSession(rt.Table, id, func(s *tunnel.Session) tunnel.WriteResult {
		return s.WriteChunk(body)
	})
	if err != nil {
		writeError(w, "no session")
		return
	}

	switch result.Outcome {
	case tunnel.Success:
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.BytesUploaded, int64(result.N))
		}
		writeSuccess(w, []byte(strconv.Itoa(result.N)))
	case tunnel.WouldBlock:
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.BlockedWrites, 1)
		}
		writeError(w, "blocked")
	default:
		writeError(w, "write error: "+result.Err.Error())
	}
}

// handleCompressedUpload decompresses the whole body, then calls
// WriteChunk exactly once against the decompressed buffer — the same
// single-call, non-retrying contract as the uncompressed path. Only the
// payload inside the HTTP body is affected by compression; the outer
// critical-section/WouldBlock semantics of §4.5/§5 are unchanged.
func (rt *Router) handleCompressedUpload(w http.ResponseWriter, id string, compressed []byte) {
	data, err := std.DecompressPayload(compressed)
	if err != nil {
		writeError(w, "decompress error: "+err.Error())
		return
	}

	result, err := tunnel.WithSession(rt.Table, id, func(s *tunnel.Session) tunnel.WriteResult {
		return s.WriteChunk(data)
	})
	if err != nil {
		writeError(w, "no session")
		return
	}

	switch result.Outcome {
	case tunnel.Success:
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.BytesUploaded, int64(result.N))
		}
		writeSuccess(w, []byte(strconv.Itoa(result.N)))
	case tunnel.WouldBlock:
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.BlockedWrites, 1)
		}
		writeError(w, "blocked")
	default:
		writeError(w, "write error: "+result.Err.Error())
	}
}

func (rt *Router) handleDownload(w http.ResponseWriter, id string) {
	result, err := tunnel.WithSession(rt.Table, id, func(s *tunnel.Session) tunnel.ReadResult {
		return s.ReadChunk(maxDownloadChunk)
	})
	if err != nil {
		writeError(w, "no session")
		return
	}

	switch result.Outcome {
	case tunnel.Success:
		payload := result.Data
		if rt.Compress && len(payload) > 0 {
			payload = std.CompressPayload(payload)
		}
		if rt.Stats != nil {
			atomic.AddInt64(&rt.Stats.BytesDownloaded, int64(len(result.Data)))
		}
		body := make([]byte, 0, len(payload)+1)
		body = append(body, 0x01)
		body = append(body, payload...)
		writeSuccess(w, body)
	case tunnel.WouldBlock:
		writeSuccess(w, []byte{0x00})
	default:
		writeError(w, "io error: "+result.Err.Error())
	}
}

func (rt *Router) handleClose(w http.ResponseWriter, id string) {
	_, err := tunnel.WithSession(rt.Table, id, func(s *tunnel.Session) struct{} {
		s.SendEOF()
		return struct{}{}
	})
	if err != nil {
		writeError(w, "no session")
		return
	}
	rt.logln("session closed", "id:", id)
	writeSuccess(w, []byte("closed stdout"))
}

func writeSuccess(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(msg))
}
