package vimeo

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

type patchCall struct {
	offset  int64
	body    string
	version string
	ctype   string
}

type fakeVimeo struct {
	t *testing.T

	mu          sync.Mutex
	created     []createRequest
	patches     []patchCall
	received    []byte
	statusCalls int
	failPatchAt int
	shortAck    bool
	statuses    []videoResource
	srvURL      string
}

func (f *fakeVimeo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/me/videos":
		if r.Header.Get("Authorization") != "bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.created = append(f.created, req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uri":  "/videos/123",
			"link": "https://vimeo.com/123",
			"upload": map[string]any{
				"approach":    req.Upload.Approach,
				"upload_link": f.srvURL + "/tus/123",
			},
		})
	case r.Method == http.MethodPatch && r.URL.Path == "/tus/123":
		offset, _ := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
		body, _ := io.ReadAll(r.Body)
		f.patches = append(f.patches, patchCall{
			offset:  offset,
			body:    string(body),
			version: r.Header.Get("Tus-Resumable"),
			ctype:   r.Header.Get("Content-Type"),
		})
		if f.failPatchAt > 0 && len(f.patches) == f.failPatchAt {
			http.Error(w, "offset conflict", http.StatusConflict)
			return
		}
		accepted := int64(len(body))
		if f.shortAck && accepted > 1 && len(f.patches)%2 == 1 {
			accepted = accepted / 2
		}
		if int64(len(f.received)) == offset {
			f.received = append(f.received, body[:accepted]...)
		}
		w.Header().Set("Upload-Offset", strconv.FormatInt(offset+accepted, 10))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/videos/123":
		f.statusCalls++
		idx := f.statusCalls - 1
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		_ = json.NewEncoder(w).Encode(f.statuses[idx])
	default:
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		http.NotFound(w, r)
	}
}

func status(uploadStatus, transcodeStatus string) videoResource {
	var v videoResource
	v.URI = "/videos/123"
	v.Link = "https://vimeo.com/123"
	v.Upload.Status = uploadStatus
	v.Transcode.Status = transcodeStatus
	return v
}

func newFake(t *testing.T) (*fakeVimeo, *httptest.Server) {
	fake := &fakeVimeo{t: t}
	srv := httptest.NewServer(fake)
	fake.srvURL = srv.URL
	t.Cleanup(srv.Close)
	return fake, srv
}

func testConfig(base string) Config {
	return Config{
		APIBase:      base,
		AccessToken:  "token",
		ChunkSize:    4,
		PollInterval: 2 * time.Millisecond,
		PollAttempts: 5,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func fileJob(t *testing.T, content string) *models.Job {
	t.Helper()
	job, err := models.NewJob(models.JobParams{
		ID:         "job-tus",
		SourceType: SourceTypeTus,
		Scope:      models.ScopeMovie,
		TargetID:   "5",
		Title:      "Café Society",
		Visibility: models.Visibility{Published: true},
		File:       &models.FilePayload{Name: "cafe.mp4", Size: int64(len(content)), Body: strings.NewReader(content)},
	}, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func linkJob(t *testing.T) *models.Job {
	t.Helper()
	job, err := models.NewJob(models.JobParams{
		ID:         "job-pull",
		SourceType: SourceTypePull,
		Scope:      models.ScopeEpisode,
		TargetID:   "9",
		URL:        "https://cdn.example.com/videos/ep1.mp4",
	}, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

type recorder struct {
	mu     sync.Mutex
	events []upload.Progress
}

func (r *recorder) sink(p upload.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
}

func TestTusUploadsChunksAndPolls(t *testing.T) {
	fake, srv := newFake(t)
	done := status("complete", "complete")
	done.PlayerEmbedURL = "https://player.vimeo.com/video/123"
	fake.statuses = []videoResource{status("complete", "in_progress"), done}

	rec := &recorder{}
	result := NewTusProvider(testConfig(srv.URL)).Execute(context.Background(), fileJob(t, "0123456789"), rec.sink)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if result.VendorID != "123" || result.VendorPath != "/videos/123" || result.PlayerURL != "https://player.vimeo.com/video/123" {
		t.Fatalf("unexpected result %+v", result)
	}

	if len(fake.created) != 1 {
		t.Fatalf("expected one create, got %d", len(fake.created))
	}
	created := fake.created[0]
	if created.Upload.Approach != "tus" || created.Upload.Size != "10" || created.Privacy.View != "anybody" || created.Name != "Cafe Society" {
		t.Fatalf("unexpected create request %+v", created)
	}

	wantOffsets := []int64{0, 4, 8}
	if len(fake.patches) != len(wantOffsets) {
		t.Fatalf("expected %d patches, got %d", len(wantOffsets), len(fake.patches))
	}
	for i, call := range fake.patches {
		if call.offset != wantOffsets[i] {
			t.Fatalf("patch %d offset = %d, want %d", i, call.offset, wantOffsets[i])
		}
		if call.version != "1.0.0" || call.ctype != "application/offset+octet-stream" {
			t.Fatalf("patch %d headers: version=%q type=%q", i, call.version, call.ctype)
		}
	}
	if string(fake.received) != "0123456789" {
		t.Fatalf("vendor received %q", fake.received)
	}

	last := -1
	sawProcessing := false
	for _, ev := range rec.events {
		if ev.Status == models.StatusUploading {
			if ev.Percent < last || ev.Percent > 100 {
				t.Fatalf("percent sequence broke at %d after %d", ev.Percent, last)
			}
			last = ev.Percent
		}
		if ev.Status == models.StatusProcessing {
			sawProcessing = true
		}
	}
	if last != 100 || !sawProcessing {
		t.Fatalf("expected uploading to 100 then processing, got %+v", rec.events)
	}
}

func TestTusResendsUnacknowledgedBytes(t *testing.T) {
	fake, srv := newFake(t)
	fake.shortAck = true
	fake.statuses = []videoResource{status("complete", "complete")}

	rec := &recorder{}
	result := NewTusProvider(testConfig(srv.URL)).Execute(context.Background(), fileJob(t, "abcdefgh"), rec.sink)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if string(fake.received) != "abcdefgh" {
		t.Fatalf("vendor received %q", fake.received)
	}
	if result.PlayerURL != "https://vimeo.com/123" {
		t.Fatalf("expected link fallback, got %q", result.PlayerURL)
	}
}

func TestTusConflictAbortsWithOffset(t *testing.T) {
	fake, srv := newFake(t)
	fake.failPatchAt = 2
	fake.statuses = []videoResource{status("complete", "complete")}

	rec := &recorder{}
	result := NewTusProvider(testConfig(srv.URL)).Execute(context.Background(), fileJob(t, "0123456789"), rec.sink)
	if result.Success {
		t.Fatal("expected failure")
	}
	if upload.KindOf(result.Err) != upload.FailureVendor {
		t.Fatalf("expected vendor failure, got %v", result.Err)
	}
	if !strings.Contains(result.Err.Error(), "offset 4") || !strings.Contains(result.Err.Error(), "409") {
		t.Fatalf("expected failing offset and status in %q", result.Err)
	}
	if len(fake.patches) != 2 {
		t.Fatalf("expected no PATCH after the conflict, got %d", len(fake.patches))
	}
	if fake.statusCalls != 0 {
		t.Fatalf("expected no polling after a failed transfer, got %d", fake.statusCalls)
	}
}

func TestTusTranscodeErrorIsProcessingFailure(t *testing.T) {
	fake, srv := newFake(t)
	fake.statuses = []videoResource{status("complete", "error")}

	rec := &recorder{}
	result := NewTusProvider(testConfig(srv.URL)).Execute(context.Background(), fileJob(t, "abc"), rec.sink)
	if upload.KindOf(result.Err) != upload.FailureProcessing {
		t.Fatalf("expected processing failure, got %v", result.Err)
	}
}

func TestRequestTimeoutIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.RequestTimeout = 20 * time.Millisecond
	rec := &recorder{}
	result := NewTusProvider(cfg).Execute(context.Background(), fileJob(t, "abc"), rec.sink)
	if result.Success {
		t.Fatal("expected failure")
	}
	if kind := upload.KindOf(result.Err); kind != upload.FailureTransport {
		t.Fatalf("expected a hung request to be a transport failure, got %s (%v)", kind, result.Err)
	}
}

func TestTusRequiresToken(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.AccessToken = ""
	rec := &recorder{}
	result := NewTusProvider(cfg).Execute(context.Background(), fileJob(t, "abc"), rec.sink)
	if upload.KindOf(result.Err) != upload.FailureConfiguration {
		t.Fatalf("expected configuration failure, got %v", result.Err)
	}
}

func TestPullReportsFetchingThenProcessing(t *testing.T) {
	fake, srv := newFake(t)
	fake.statuses = []videoResource{
		status("in_progress", ""),
		status("complete", "in_progress"),
		status("complete", "complete"),
	}

	rec := &recorder{}
	result := NewPullProvider(testConfig(srv.URL)).Execute(context.Background(), linkJob(t), rec.sink)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	created := fake.created[0]
	if created.Upload.Approach != "pull" || created.Upload.Link != "https://cdn.example.com/videos/ep1.mp4" || created.Privacy.View != "unlisted" {
		t.Fatalf("unexpected create request %+v", created)
	}
	var texts []string
	for _, ev := range rec.events {
		if ev.Percent >= 0 {
			t.Fatalf("pull progress must not carry a percentage: %+v", ev)
		}
		texts = append(texts, ev.Text)
	}
	if strings.Join(texts, ",") != "fetching,processing" {
		t.Fatalf("unexpected progress texts %v", texts)
	}
}

func TestPullTimeoutIsDistinctFromTransport(t *testing.T) {
	fake, srv := newFake(t)
	fake.statuses = []videoResource{status("in_progress", "")}

	cfg := testConfig(srv.URL)
	cfg.PollAttempts = 3
	rec := &recorder{}
	result := NewPullProvider(cfg).Execute(context.Background(), linkJob(t), rec.sink)
	if upload.KindOf(result.Err) != upload.FailureTimeout {
		t.Fatalf("expected timeout failure, got %v", result.Err)
	}
	if fake.statusCalls != 3 {
		t.Fatalf("expected the full attempt budget, got %d polls", fake.statusCalls)
	}

	srv.Close()
	result = NewPullProvider(cfg).Execute(context.Background(), linkJob(t), rec.sink)
	if upload.KindOf(result.Err) != upload.FailureTransport {
		t.Fatalf("expected transport failure against a closed server, got %v", result.Err)
	}
	if result.Err.Error() == "" || strings.Contains(result.Err.Error(), "did not finish processing") {
		t.Fatalf("transport failure must not read like a timeout: %q", result.Err)
	}
}

func TestPullCancelStopsPolling(t *testing.T) {
	fake, srv := newFake(t)
	fake.statuses = []videoResource{status("in_progress", "")}

	cfg := testConfig(srv.URL)
	cfg.PollInterval = 50 * time.Millisecond
	cfg.PollAttempts = 1000
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	go func() {
		time.Sleep(120 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	result := NewPullProvider(cfg).Execute(ctx, linkJob(t), rec.sink)
	if upload.KindOf(result.Err) != upload.FailureCanceled {
		t.Fatalf("expected canceled failure, got %v", result.Err)
	}
	if elapsed := time.Since(start); elapsed > 120*time.Millisecond+cfg.PollInterval+100*time.Millisecond {
		t.Fatalf("cancellation took %s", elapsed)
	}
}
