package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestJobCounters(t *testing.T) {
	rec := New()
	rec.JobSubmitted("Archive")
	rec.JobSubmitted("archive")
	rec.JobFinished("archive", OutcomeDone, 3*time.Second)
	rec.JobFinished("", OutcomeError, time.Second)
	rec.SetQueueDepth(4)

	if got := testutil.ToFloat64(rec.jobsSubmitted.WithLabelValues("archive")); got != 2 {
		t.Fatalf("expected 2 submitted archive jobs, got %v", got)
	}
	if got := testutil.ToFloat64(rec.jobsFinished.WithLabelValues("unknown", OutcomeError)); got != 1 {
		t.Fatalf("expected unknown source type label, got %v", got)
	}
	if got := testutil.ToFloat64(rec.queueDepth); got != 4 {
		t.Fatalf("expected queue depth 4, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.jobDuration); n != 2 {
		t.Fatalf("expected two duration series, got %d", n)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/api/uploads", "/api/uploads"},
		{"/api/uploads/", "/api/uploads"},
		{"/api/uploads/12345/events", "/api/uploads/:id/events"},
		{"/api/uploads/5f0c3a2e-8d7b-4a51-9a3e-0c2a1f6b7d9e", "/api/uploads/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/5f0c3a2e-8d7b-4a51-9a3e-0c2a1f6b7d9e", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(rec.requests.WithLabelValues("GET", "/api/uploads/:id", "418")); got != 1 {
		t.Fatalf("expected one recorded request, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	rec := New()
	rec.JobSubmitted("vimeo")

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `videoingest_jobs_submitted_total{source_type="vimeo"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("expected %q in exposition", want)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected runtime collectors to be registered")
	}
}
