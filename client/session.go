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
	"bytes"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/unixpickle/squidtun/std"
	"github.com/unixpickle/squidtun/tunnel"
)

// maxUploadChunk is the largest slice of the local socket read per
// iteration of the upload loop.
const maxUploadChunk = 65536

// ClientSession drives one tunneled local TCP connection: an /connect
// handshake, then an upload loop and a download loop running concurrently
// against the server's HTTP API.
type ClientSession struct {
	Client    *http.Client
	ProxyAddr string
	Host      string
	Password  string
	Compress  bool
	Stats     *std.Stats

	id string
}

// Establish performs the /connect handshake, populating the session id.
func (cs *ClientSession) Establish() error {
	proof := tunnel.CurrentProof(cs.Password)
	resp, err := cs.get("/connect/" + proof)
	if err != nil {
		return errors.Wrap(err, "connect request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read connect response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("connect failed: %s", body)
	}

	cs.id = string(body)
	return nil
}

// Run drives conn's two halves through the upload and download loops until
// both complete or either fails.
func (cs *ClientSession) Run(conn net.Conn) error {
	errs := make(chan error, 2)
	go func() { errs <- cs.uploadLoop(conn) }()
	go func() { errs <- cs.downloadLoop(conn) }()

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}

// uploadLoop reads from conn and drains each chunk to the server via
// repeated /upload calls, until conn reaches EOF (reported to the server
// with /close) or an error occurs.
func (cs *ClientSession) uploadLoop(conn net.Conn) error {
	buf := make([]byte, maxUploadChunk)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			if err := cs.drainUpload(buf[:n]); err != nil {
				return err
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				resp, err := cs.get("/close/" + cs.id)
				if err != nil {
					return errors.Wrap(err, "close request")
				}
				resp.Body.Close()
				return nil
			}
			return errors.Wrap(readErr, "local read")
		}
	}
}

// drainUpload fully accepts data into the backend via repeated POSTs,
// advancing by the accepted byte count each call. A non-numeric accept
// count is a fatal protocol error.
func (cs *ClientSession) drainUpload(data []byte) error {
	offset := 0
	for offset < len(data) {
		chunk := data[offset:]
		if cs.Compress {
			chunk = std.CompressPayload(chunk)
		}

		resp, err := cs.post("/upload/"+cs.id, chunk)
		if err != nil {
			return errors.Wrap(err, "upload request")
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(err, "read upload response")
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("upload failed: %s", body)
		}

		accepted, err := strconv.Atoi(string(body))
		if err != nil {
			return errors.Wrapf(err, "non-numeric upload response %q", body)
		}
		offset += accepted
		if cs.Stats != nil {
			atomic.AddInt64(&cs.Stats.BytesUploaded, int64(accepted))
		}
	}
	return nil
}

// downloadLoop polls /download and forwards data to conn until the server
// reports EOF on the backend or an error occurs.
func (cs *ClientSession) downloadLoop(conn net.Conn) error {
	for {
		resp, err := cs.get("/download/" + cs.id)
		if err != nil {
			return errors.Wrap(err, "download request")
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(err, "read download response")
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("download failed: %s", body)
		}
		if len(body) == 0 {
			return errors.New("empty download response")
		}

		switch body[0] {
		case 0x00:
			continue
		case 0x01:
			payload := body[1:]
			if len(payload) == 0 {
				closeWrite(conn)
				return nil
			}
			if cs.Compress {
				payload, err = std.DecompressPayload(payload)
				if err != nil {
					return errors.Wrap(err, "decompress download payload")
				}
			}
			if _, err := conn.Write(payload); err != nil {
				return errors.Wrap(err, "local write")
			}
			if cs.Stats != nil {
				atomic.AddInt64(&cs.Stats.BytesDownloaded, int64(len(payload)))
			}
		default:
			return errors.Errorf("unexpected download prefix byte %#x", body[0])
		}
	}
}

func (cs *ClientSession) get(path string) (*http.Response, error) {
	url := "http://" + cs.ProxyAddr + path + "/" + tunnel.GenerateSessionID()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Host = cs.Host
	req.Close = true
	return cs.Client.Do(req)
}

func (cs *ClientSession) post(path string, body []byte) (*http.Response, error) {
	url := "http://" + cs.ProxyAddr + path + "/" + tunnel.GenerateSessionID()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Host = cs.Host
	req.Close = true
	return cs.Client.Do(req)
}

// closeWrite half-closes conn's write direction when possible, so the
// local application observes EOF once the backend has no more data.
func closeWrite(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
}
