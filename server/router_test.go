package main

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/unixpickle/squidtun/std"
	"github.com/unixpickle/squidtun/tunnel"
)

func newTestRouter(t *testing.T, remote string) (*Router, *std.Stats) {
	t.Helper()
	stats := &std.Stats{}
	return &Router{
		Table:    tunnel.NewSessionTable(),
		Password: "hunter2",
		Window:   tunnel.DefaultProofWindow,
		Remote:   remote,
		Compress: false,
		Quiet:    true,
		Stats:    stats,
	}, stats
}

// startEchoBackend starts a tiny TCP backend that echoes whatever it reads.
func startEchoBackend(t *testing.T) string {
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
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String()
}

func TestRouterConnectRejectsBadProof(t *testing.T) {
	router, _ := newTestRouter(t, "127.0.0.1:1")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/connect/not-a-real-proof/1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "incorrect password" {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestRouterFullSessionLifecycle(t *testing.T) {
	backend := startEchoBackend(t)
	router, stats := newTestRouter(t, backend)
	srv := httptest.NewServer(router)
	defer srv.Close()

	proof := tunnel.CurrentProof(router.Password)
	resp, err := http.Get(srv.URL + "/connect/" + proof + "/1")
	if err != nil {
		t.Fatalf("connect request failed: %v", err)
	}
	idBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, idBytes)
	}
	id := string(idBytes)
	if id == "" {
		t.Fatalf("expected a non-empty session id")
	}
	if stats.SessionsCreated != 1 {
		t.Fatalf("expected SessionsCreated=1, got %d", stats.SessionsCreated)
	}

	uploadResp, err := http.Post(srv.URL+"/upload/"+id+"/1", "application/octet-stream", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	uploadBody, _ := io.ReadAll(uploadResp.Body)
	uploadResp.Body.Close()
	if uploadResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", uploadResp.StatusCode, uploadBody)
	}
	if string(uploadBody) != "5" {
		t.Fatalf("expected accept count 5, got %q", uploadBody)
	}

	var downloadBody []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		downloadResp, err := http.Get(srv.URL + "/download/" + id + "/1")
		if err != nil {
			t.Fatalf("download request failed: %v", err)
		}
		downloadBody, _ = io.ReadAll(downloadResp.Body)
		downloadResp.Body.Close()
		if len(downloadBody) > 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(downloadBody) == 0 || downloadBody[0] != 0x01 {
		t.Fatalf("expected a data frame, got %v", downloadBody)
	}
	if string(downloadBody[1:]) != "hello" {
		t.Fatalf("expected echoed payload, got %q", downloadBody[1:])
	}

	closeResp, err := http.Get(srv.URL + "/close/" + id + "/1")
	if err != nil {
		t.Fatalf("close request failed: %v", err)
	}
	closeBody, _ := io.ReadAll(closeResp.Body)
	closeResp.Body.Close()
	if string(closeBody) != "closed stdout" {
		t.Fatalf("unexpected close body: %q", closeBody)
	}
}

func TestRouterDownloadWouldBlock(t *testing.T) {
	backend := startEchoBackend(t)
	router, _ := newTestRouter(t, backend)
	srv := httptest.NewServer(router)
	defer srv.Close()

	proof := tunnel.CurrentProof(router.Password)
	resp, _ := http.Get(srv.URL + "/connect/" + proof + "/1")
	idBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	id := string(idBytes)

	downloadResp, err := http.Get(srv.URL + "/download/" + id + "/1")
	if err != nil {
		t.Fatalf("download request failed: %v", err)
	}
	body, _ := io.ReadAll(downloadResp.Body)
	downloadResp.Body.Close()
	if len(body) != 1 || body[0] != 0x00 {
		t.Fatalf("expected a lone would-block byte, got %v", body)
	}
}

func TestRouterUnknownSessionIs400(t *testing.T) {
	router, _ := newTestRouter(t, "127.0.0.1:1")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/download/does-not-exist/1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || string(body) != "no session" {
		t.Fatalf("expected 400 'no session', got %d %q", resp.StatusCode, body)
	}
}

func TestRouterInvalidPathIs400(t *testing.T) {
	router, _ := newTestRouter(t, "127.0.0.1:1")
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bogus")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || string(body) != "invalid request" {
		t.Fatalf("expected 400 'invalid request', got %d %q", resp.StatusCode, body)
	}
}

func TestRouterCompressedUploadAndDownload(t *testing.T) {
	backend := startEchoBackend(t)
	router, _ := newTestRouter(t, backend)
	router.Compress = true
	srv := httptest.NewServer(router)
	defer srv.Close()

	proof := tunnel.CurrentProof(router.Password)
	resp, _ := http.Get(srv.URL + "/connect/" + proof + "/1")
	idBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	id := string(idBytes)

	payload := std.CompressPayload([]byte("compressed round trip"))
	uploadResp, err := http.Post(srv.URL+"/upload/"+id+"/1", "application/octet-stream", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	uploadBody, _ := io.ReadAll(uploadResp.Body)
	uploadResp.Body.Close()
	if uploadResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", uploadResp.StatusCode, uploadBody)
	}
	if string(uploadBody) != "21" {
		t.Fatalf("expected accept count 21 (decompressed length), got %q", uploadBody)
	}

	var downloadBody []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		downloadResp, err := http.Get(srv.URL + "/download/" + id + "/1")
		if err != nil {
			t.Fatalf("download request failed: %v", err)
		}
		downloadBody, _ = io.ReadAll(downloadResp.Body)
		downloadResp.Body.Close()
		if len(downloadBody) > 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(downloadBody) == 0 || downloadBody[0] != 0x01 {
		t.Fatalf("expected a data frame, got %v", downloadBody)
	}
	decompressed, err := std.DecompressPayload(downloadBody[1:])
	if err != nil {
		t.Fatalf("failed to decompress download payload: %v", err)
	}
	if string(decompressed) != "compressed round trip" {
		t.Fatalf("expected echoed payload, got %q", decompressed)
	}
}
