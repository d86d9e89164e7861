package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockOrigin represents a mock origin server for testing
type MockOrigin struct {
	Server       *httptest.Server
	URL          string
	Latency      time.Duration
	RequestCount atomic.Int64

	mu          sync.Mutex
	lastRequest *http.Request
}

// NewMockOrigin creates a new mock origin server. Every endpoint waits
// latency before answering.
func NewMockOrigin(latency time.Duration) *MockOrigin {
	mo := &MockOrigin{Latency: latency}

	mux := http.NewServeMux()

	// Echo endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","method":"%s","path":"%s","proto":"%s"}`,
			r.Method, r.URL.RequestURI(), r.Proto)
	})

	// Data endpoint
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":"test data","id":1}`))
	})

	// Large endpoint: /large?size=N returns N bytes
	mux.HandleFunc("/large", func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.Atoi(r.URL.Query().Get("size"))
		if err != nil || size < 0 {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", size)))
	})

	// Slow endpoint
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"slow response"}`))
	})

	// Error endpoint (returns 500)
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mo.RequestCount.Add(1)

		mo.mu.Lock()
		mo.lastRequest = r.Clone(r.Context())
		mo.mu.Unlock()

		if mo.Latency > 0 {
			time.Sleep(mo.Latency)
		}
		mux.ServeHTTP(w, r)
	})

	mo.Server = httptest.NewServer(handler)
	mo.URL = mo.Server.URL

	return mo
}

// Host returns the origin's "host:port"
func (mo *MockOrigin) Host() string {
	return strings.TrimPrefix(mo.URL, "http://")
}

// LastRequest returns the most recent request the origin received
func (mo *MockOrigin) LastRequest() *http.Request {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.lastRequest
}

// Stop stops the mock origin server
func (mo *MockOrigin) Stop() {
	if mo.Server != nil {
		mo.Server.Close()
	}
}

// GetRequestCount returns the total number of requests received
func (mo *MockOrigin) GetRequestCount() int64 {
	return mo.RequestCount.Load()
}
