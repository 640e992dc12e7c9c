package main

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/unixpickle/squidtun/std"
	"github.com/unixpickle/squidtun/tunnel"
)

// testTunnelServer is a minimal, direct implementation of the four squidtun
// endpoints, independent of the server package, used to exercise
// ClientSession against something that speaks the real wire protocol.
type testTunnelServer struct {
	table    *tunnel.SessionTable
	password string
	remote   string
}

func (s *testTunnelServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 3 {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	api, arg := parts[1], parts[2]

	switch api {
	case "connect":
		if !tunnel.CheckProof(s.password, arg, tunnel.DefaultProofWindow) {
			http.Error(w, "incorrect password", http.StatusBadRequest)
			return
		}
		id := tunnel.GenerateSessionID()
		sess, err := tunnel.Connect(id, s.remote)
		if err != nil {
			http.Error(w, "connect error: "+err.Error(), http.StatusBadRequest)
			return
		}
		s.table.Insert(sess)
		w.Write([]byte(id))
	case "upload":
		body, _ := io.ReadAll(r.Body)
		result, err := tunnel.WithSession(s.table, arg, func(sess *tunnel.Session) tunnel.WriteResult {
			return sess.WriteChunk(body)
		})
		if err != nil {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		if result.Outcome != tunnel.Success {
			http.Error(w, "blocked", http.StatusBadRequest)
			return
		}
		w.Write([]byte(strconv.Itoa(result.N)))
	case "download":
		result, err := tunnel.WithSession(s.table, arg, func(sess *tunnel.Session) tunnel.ReadResult {
			return sess.ReadChunk(65536)
		})
		if err != nil {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		if result.Outcome == tunnel.WouldBlock {
			w.Write([]byte{0x00})
			return
		}
		if result.Outcome == tunnel.Err {
			http.Error(w, "io error: "+result.Err.Error(), http.StatusBadRequest)
			return
		}
		w.Write(append([]byte{0x01}, result.Data...))
	case "close":
		_, err := tunnel.WithSession(s.table, arg, func(sess *tunnel.Session) struct{} {
			sess.SendEOF()
			return struct{}{}
		})
		if err != nil {
			http.Error(w, "no session", http.StatusBadRequest)
			return
		}
		w.Write([]byte("closed stdout"))
	default:
		http.Error(w, "invalid request", http.StatusBadRequest)
	}
}

func startEchoBackendClient(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestClientSessionRoundTrip(t *testing.T) {
	backend := startEchoBackendClient(t)
	srv := httptest.NewServer(&testTunnelServer{
		table:    tunnel.NewSessionTable(),
		password: "swordfish",
		remote:   backend,
	})
	defer srv.Close()

	proxyAddr := strings.TrimPrefix(srv.URL, "http://")

	local, remote := net.Pipe()
	defer local.Close()

	cs := &ClientSession{
		Client:    &http.Client{},
		ProxyAddr: proxyAddr,
		Host:      "origin.example.com",
		Password:  "swordfish",
		Compress:  false,
		Stats:     &std.Stats{},
	}
	if err := cs.Establish(); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cs.Run(remote) }()

	if _, err := local.Write([]byte("ping")); err != nil {
		t.Fatalf("failed to write to local pipe: %v", err)
	}

	buf := make([]byte, 4)
	local.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(local, buf); err != nil {
		t.Fatalf("failed to read echoed bytes: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected echoed %q, got %q", "ping", buf)
	}

	local.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ClientSession.Run did not terminate after local close")
	}
}

func TestClientSessionEstablishBadPassword(t *testing.T) {
	srv := httptest.NewServer(&testTunnelServer{
		table:    tunnel.NewSessionTable(),
		password: "correct",
		remote:   "127.0.0.1:1",
	})
	defer srv.Close()

	cs := &ClientSession{
		Client:    &http.Client{},
		ProxyAddr: strings.TrimPrefix(srv.URL, "http://"),
		Host:      "origin.example.com",
		Password:  "wrong",
	}
	if err := cs.Establish(); err == nil {
		t.Fatalf("expected Establish to fail with a bad password")
	}
}
