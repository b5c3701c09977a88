package vendorstub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake vendor should behave.
type Options struct {
	// AccessKey and SecretKey are enforced on PUTs as LOW credentials. If
	// both are empty, the check is skipped.
	AccessKey string
	SecretKey string

	// Media is served from GET /media/<name>.
	Media map[string][]byte

	// FailPuts causes the first N PUT requests to return HTTP 503.
	// Subsequent attempts succeed.
	FailPuts int
}

// Operation represents a recorded vendor interaction.
type Operation struct {
	Kind       string
	Identifier string
	Filename   string
	Bytes      int64
	Header     http.Header
	Attempt    int
	Status     int
	Timestamp  time.Time
}

// Vendor hosts a single httptest.Server for uploads and media.
type Vendor struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	puts       int
}

// Start spins up a new vendor stub using the provided options.
func Start(opts Options) *Vendor {
	v := &Vendor{opts: opts}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	return v
}

// Close shuts down the underlying HTTP server.
func (v *Vendor) Close() {
	if v.server != nil {
		v.server.Close()
	}
}

// BaseURL is the upload endpoint.
func (v *Vendor) BaseURL() string {
	return v.server.URL
}

// MediaURL returns the download URL for a configured media entry.
func (v *Vendor) MediaURL(name string) string {
	return v.server.URL + "/media/" + name
}

// Operations returns a copy of all recorded operations in the order they occurred.
func (v *Vendor) Operations() []Operation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Operation, len(v.operations))
	copy(out, v.operations)
	return out
}

// Puts returns the recorded PUT operations that succeeded.
func (v *Vendor) Puts() []Operation {
	var out []Operation
	for _, op := range v.Operations() {
		if op.Kind == "put" && op.Status == http.StatusOK {
			out = append(out, op)
		}
	}
	return out
}

func (v *Vendor) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/media/"):
		v.handleMedia(w, r)
	case r.Method == http.MethodPut:
		v.handlePut(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (v *Vendor) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/media/")
	body, ok := v.opts.Media[name]
	op := Operation{Kind: "fetch", Filename: name, Bytes: int64(len(body)), Status: http.StatusOK}
	if !ok {
		op.Status = http.StatusNotFound
		v.record(op)
		http.NotFound(w, r)
		return
	}
	v.record(op)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	_, _ = w.Write(body)
}

func (v *Vendor) handlePut(w http.ResponseWriter, r *http.Request) {
	if !v.expectLow(w, r) {
		return
	}
	identifier, filename, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if identifier == "" || filename == "" {
		http.Error(w, "path must be /<identifier>/<file>", http.StatusBadRequest)
		return
	}
	written, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	v.mu.Lock()
	v.puts++
	attempt := v.puts
	v.mu.Unlock()

	op := Operation{
		Kind:       "put",
		Identifier: identifier,
		Filename:   filename,
		Bytes:      written,
		Header:     r.Header.Clone(),
		Attempt:    attempt,
		Status:     http.StatusOK,
		Timestamp:  time.Now(),
	}
	if attempt <= v.opts.FailPuts {
		op.Status = http.StatusServiceUnavailable
		v.record(op)
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	v.record(op)
	w.WriteHeader(http.StatusOK)
}

func (v *Vendor) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.operations = append(v.operations, op)
}

func (v *Vendor) expectLow(w http.ResponseWriter, r *http.Request) bool {
	key := strings.TrimSpace(v.opts.AccessKey)
	secret := strings.TrimSpace(v.opts.SecretKey)
	if key == "" && secret == "" {
		return true
	}
	if got := r.Header.Get("Authorization"); got != fmt.Sprintf("LOW %s:%s", key, secret) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
