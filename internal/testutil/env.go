package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Logger returns a logger that discards output unless FORMSCAN_TEST_LOG is set.
func Logger() *slog.Logger {
	if os.Getenv("FORMSCAN_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WriteJSON marshals v with two-space indentation and writes it to path.
func WriteJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", filepath.Base(path), err)
	}
	WriteFile(t, path, data)
}

// PageServer serves fixture page images over HTTP and records requests.
// Unknown paths return 404.
type PageServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	statuses map[string]int
	delays   map[string]time.Duration
	cutoffs  map[string]bool
	hits     map[string]int
}

// NewPageServer starts a server that is closed when the test ends.
func NewPageServer(t testing.TB) *PageServer {
	t.Helper()
	s := &PageServer{
		files:    make(map[string][]byte),
		statuses: make(map[string]int),
		delays:   make(map[string]time.Duration),
		cutoffs:  make(map[string]bool),
		hits:     make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Add registers body under path and returns its absolute URL.
func (s *PageServer) Add(path string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
	return s.URL + path
}

// Fail makes path answer with status instead of a body.
func (s *PageServer) Fail(path string, status int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[path] = status
	return s.URL + path
}

// Truncate makes path send its headers and the first half of body, then
// drop the connection. The declared Content-Length is the full body.
func (s *PageServer) Truncate(path string, body []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
	s.cutoffs[path] = true
	return s.URL + path
}

// Delay holds the response for path until d elapses or the client goes away.
func (s *PageServer) Delay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[path] = d
}

// Hits returns how many times path was requested.
func (s *PageServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *PageServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.files[r.URL.Path]
	status := s.statuses[r.URL.Path]
	delay := s.delays[r.URL.Path]
	cutoff := s.cutoffs[r.URL.Path]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if cutoff {
		s.dropMidBody(w, body)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

func (s *PageServer) dropMidBody(w http.ResponseWriter, body []byte) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	conn, buf, err := hj.Hijack()
	if err != nil {
		return
	}
	defer conn.Close()
	fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: application/octet-stream\r\nContent-Length: %d\r\n\r\n", len(body))
	_, _ = buf.Write(body[:len(body)/2])
	_ = buf.Flush()
}
