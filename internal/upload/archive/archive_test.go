package archive

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

type recordedPut struct {
	path    string
	rawPath string
	header  http.Header
	body    []byte
}

type archiveServer struct {
	mu       sync.Mutex
	puts     []recordedPut
	status   int
	response string
}

func (s *archiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.puts = append(s.puts, recordedPut{path: r.URL.Path, rawPath: r.URL.EscapedPath(), header: r.Header.Clone(), body: body})
	status := s.status
	response := s.response
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:   endpoint,
		AccessKey:  "key",
		SecretKey:  "secret",
		SizeHint:   true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC) },
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func fileJob(t *testing.T, name, content string) *models.Job {
	t.Helper()
	job, err := models.NewJob(models.JobParams{
		ID:         "job-1",
		SourceType: SourceTypeFile,
		Scope:      models.ScopeMovie,
		TargetID:   "10",
		Language:   "fr",
		Title:      "Amélie à Paris",
		File: &models.FilePayload{
			Name:        name,
			Size:        int64(len(content)),
			ContentType: "video/mp4",
			Body:        strings.NewReader(content),
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func collect() (*[]upload.Progress, upload.ProgressSink) {
	var mu sync.Mutex
	events := &[]upload.Progress{}
	return events, func(p upload.Progress) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, p)
	}
}

func TestFileProviderPutsWithArchiveHeaders(t *testing.T) {
	backend := &archiveServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	provider := NewFileProvider(testConfig(srv.URL))
	content := strings.Repeat("v", 4096)
	events, sink := collect()
	result := provider.Execute(context.Background(), fileJob(t, "My Film.mp4", content), sink)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}

	if len(backend.puts) != 1 {
		t.Fatalf("expected one PUT, got %d", len(backend.puts))
	}
	put := backend.puts[0]
	want := Identifier("My Film.mp4", "job-1", time.Date(2024, 3, 9, 10, 11, 12, 0, time.UTC))
	if put.rawPath != "/"+want+"/My%20Film.mp4" {
		t.Fatalf("unexpected path %q", put.rawPath)
	}
	checks := map[string]string{
		"Authorization":               "LOW key:secret",
		"X-Amz-Auto-Make-Bucket":      "1",
		"X-Archive-Meta01-Collection": defaultCollection,
		"X-Archive-Meta-Mediatype":    defaultMediaType,
		"X-Archive-Meta-Title":        "Amelie a Paris",
		"X-Archive-Meta-Language":     "fr",
		"X-Archive-Size-Hint":         "4096",
	}
	for name, value := range checks {
		if got := put.header.Get(name); got != value {
			t.Errorf("header %s = %q, want %q", name, got, value)
		}
	}
	if string(put.body) != content {
		t.Fatalf("body mismatch: %d bytes", len(put.body))
	}

	if result.VendorID != want || result.VendorPath != "/details/"+want || result.PlayerURL != "https://archive.org/details/"+want {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(*events) == 0 || (*events)[len(*events)-1].Percent != 100 {
		t.Fatalf("expected progress ending at 100, got %+v", *events)
	}
}

func TestFileProviderReportsVendorErrorBody(t *testing.T) {
	backend := &archiveServer{status: http.StatusForbidden, response: "<Error>bad key</Error>"}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	_, sink := collect()
	result := NewFileProvider(testConfig(srv.URL)).Execute(context.Background(), fileJob(t, "a.mp4", "abc"), sink)
	if result.Success {
		t.Fatal("expected failure")
	}
	if upload.KindOf(result.Err) != upload.FailureVendor {
		t.Fatalf("expected vendor failure, got %v", result.Err)
	}
	if !strings.Contains(result.Err.Error(), "bad key") || !strings.Contains(result.Err.Error(), "403") {
		t.Fatalf("expected status and body in error, got %q", result.Err)
	}
}

func TestFileProviderRequiresCredentials(t *testing.T) {
	backend := &archiveServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.SecretKey = ""
	_, sink := collect()
	result := NewFileProvider(cfg).Execute(context.Background(), fileJob(t, "a.mp4", "abc"), sink)
	if upload.KindOf(result.Err) != upload.FailureConfiguration {
		t.Fatalf("expected configuration failure, got %v", result.Err)
	}
	if len(backend.puts) != 0 {
		t.Fatal("expected no network call without credentials")
	}
}

func TestLinkProviderStreamsSourceBody(t *testing.T) {
	backend := &archiveServer{}
	archiveSrv := httptest.NewServer(backend)
	defer archiveSrv.Close()

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="Trailer Final.mov"`)
		w.Header().Set("Content-Type", "video/quicktime")
		_, _ = io.WriteString(w, "linked-bytes")
	}))
	defer source.Close()

	job, err := models.NewJob(models.JobParams{
		ID:         "job-2",
		SourceType: SourceTypeLink,
		Scope:      models.ScopeEpisode,
		TargetID:   "3",
		URL:        source.URL + "/download?id=1",
	}, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	_, sink := collect()
	result := NewLinkProvider(testConfig(archiveSrv.URL)).Execute(context.Background(), job, sink)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	put := backend.puts[0]
	if !strings.HasSuffix(put.rawPath, "/Trailer%20Final.mov") {
		t.Fatalf("expected content-disposition filename, got %q", put.rawPath)
	}
	if string(put.body) != "linked-bytes" {
		t.Fatalf("unexpected body %q", put.body)
	}
	if put.header.Get("X-Archive-Meta-Title") != "Trailer Final" {
		t.Fatalf("unexpected title %q", put.header.Get("X-Archive-Meta-Title"))
	}
	if put.header.Get("Content-Type") != "video/quicktime" {
		t.Fatalf("unexpected content type %q", put.header.Get("Content-Type"))
	}
}

func TestLinkProviderSourceFailureIsTransport(t *testing.T) {
	backend := &archiveServer{}
	archiveSrv := httptest.NewServer(backend)
	defer archiveSrv.Close()
	source := httptest.NewServer(http.NotFoundHandler())
	defer source.Close()

	job, err := models.NewJob(models.JobParams{
		ID: "job-3", SourceType: SourceTypeLink, Scope: models.ScopeMovie, TargetID: "1", URL: source.URL + "/missing.mp4",
	}, nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	_, sink := collect()
	result := NewLinkProvider(testConfig(archiveSrv.URL)).Execute(context.Background(), job, sink)
	if upload.KindOf(result.Err) != upload.FailureTransport {
		t.Fatalf("expected transport failure, got %v", result.Err)
	}
	if len(backend.puts) != 0 {
		t.Fatal("expected no PUT when the source fetch fails")
	}
}

func TestFilenameFromResponseFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://cdn.example.com/media/clip%20one.mp4?sig=abc", nil)
	resp := &http.Response{Header: http.Header{}, Request: req}
	if got := FilenameFromResponse(resp); got != "clip one.mp4" {
		t.Fatalf("unexpected filename %q", got)
	}
	req = httptest.NewRequest(http.MethodGet, "https://cdn.example.com/", nil)
	resp = &http.Response{Header: http.Header{}, Request: req}
	if got := FilenameFromResponse(resp); got != fallbackFilename {
		t.Fatalf("expected fallback filename, got %q", got)
	}
}

func TestIdentifierShape(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	id := Identifier("Ünïcode Title (Final).mp4", "job", at)
	if !regexp.MustCompile(`^[a-z0-9._-]+-20240102030405-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected identifier %q", id)
	}
	if other := Identifier("Ünïcode Title (Final).mp4", "job-2", at); other == id {
		t.Fatal("expected job id to change the identifier")
	}
}
