package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestNewTransportNilResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(nil, false)

	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost != 200 {
		t.Errorf("MaxConnsPerHost = %d, want 200", tr.MaxConnsPerHost)
	}
	if tr.IdleConnTimeout != 90*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 90s", tr.IdleConnTimeout)
	}
	if tr.DialContext != nil {
		t.Error("DialContext should be nil when resolver is nil")
	}
}

func TestNewTransportWithResolver(t *testing.T) {
	t.Parallel()

	tr := NewTransport(&dnscache.Resolver{}, false)
	if tr.DialContext == nil {
		t.Error("DialContext should be set when resolver is non-nil")
	}
}

func TestNewTransportForceHTTP2(t *testing.T) {
	t.Parallel()

	if !NewTransport(nil, true).ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true when forceHTTP2=true")
	}
	if NewTransport(nil, false).ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be false when forceHTTP2=false")
	}
}

func TestClient_Do(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat" {
			t.Errorf("path = %q, want /v1/chat", r.URL.Path)
		}
		if r.URL.RawQuery != "foo=bar" {
			t.Errorf("query = %q, want foo=bar", r.URL.RawQuery)
		}
		// The caller's credential authenticates against the proxy only.
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization forwarded: %q", got)
		}
		if got := r.Header.Get("Connection"); got != "" {
			t.Errorf("Connection forwarded: %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Custom", "response-header")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", 5*time.Second, nil) // trailing slash trimmed

	req := httptest.NewRequest(http.MethodPost, "/v1/chat?foo=bar", nil)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-client-token")
	req.Header.Set("Connection", "keep-alive")

	resp, err := c.Do(context.Background(), req, []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Custom") != "response-header" {
		t.Error("missing response header X-Custom")
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %q, want the forwarded payload", body)
	}
}

func TestClient_DoTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(srv.URL, 50*time.Millisecond, nil)
	req := httptest.NewRequest(http.MethodGet, "/slow", nil)

	if _, err := c.Do(context.Background(), req, nil); err == nil {
		t.Fatal("expected timeout error from buffered client")
	}
}

func TestClient_DoStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		io.WriteString(w, "data: chunk1\n\n")
		f.Flush()
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, "data: chunk2\n\n")
		f.Flush()
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)

	status, header, ch, err := c.DoStream(context.Background(), req, []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if ct := header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		got.Write(chunk.Data)
	}
	body := got.String()
	if !strings.Contains(body, "chunk1") || !strings.Contains(body, "chunk2") {
		t.Errorf("stream body = %q, want both chunks", body)
	}
}

func TestClient_DoStreamUpstreamStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"bad request"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)

	status, _, ch, err := c.DoStream(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
	for range ch {
		// Drain; the body is still delivered for error reporting.
	}
}

func TestClient_DoStreamCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: chunk1\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	_, _, ch, err := c.DoStream(ctx, req, nil)
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}

	<-ch // first chunk
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return // producer exited
			}
		case <-deadline:
			t.Fatal("stream channel not closed after cancel")
		}
	}
}

func TestCopyResponseHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("X-Request-Id", "abc")
	src.Set("Connection", "keep-alive")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Encoding", "gzip")

	dst := http.Header{}
	CopyResponseHeaders(dst, src)

	if dst.Get("Content-Type") != "application/json" || dst.Get("X-Request-Id") != "abc" {
		t.Errorf("regular headers not copied: %v", dst)
	}
	for _, h := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Encoding"} {
		if dst.Get(h) != "" {
			t.Errorf("%s should be stripped, got %q", h, dst.Get(h))
		}
	}
}
