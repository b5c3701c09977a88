// Package archive uploads jobs to an archive-style object endpoint with a
// single streaming PUT per item.
package archive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

const (
	SourceTypeFile = "archive"
	SourceTypeLink = "archive_link"

	defaultEndpoint   = "https://s3.us.archive.org"
	defaultCollection = "opensource_movies"
	defaultMediaType  = "movies"
	defaultDetailsURL = "https://archive.org"

	maxSlugLength = 64
)

// Config holds the archive credentials and item metadata defaults.
type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Collection string
	MediaType  string
	DetailsURL string
	// SizeHint sends x-archive-size-hint when the payload length is known.
	SizeHint   bool
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Enabled reports whether credentials are configured.
func (cfg Config) Enabled() bool {
	return strings.TrimSpace(cfg.AccessKey) != "" && strings.TrimSpace(cfg.SecretKey) != ""
}

func (cfg Config) withDefaults() Config {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if strings.TrimSpace(cfg.Collection) == "" {
		cfg.Collection = defaultCollection
	}
	if strings.TrimSpace(cfg.MediaType) == "" {
		cfg.MediaType = defaultMediaType
	}
	if strings.TrimSpace(cfg.DetailsURL) == "" {
		cfg.DetailsURL = defaultDetailsURL
	}
	cfg.DetailsURL = strings.TrimRight(strings.TrimSpace(cfg.DetailsURL), "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// item is one PUT: the identifier, the object name and the streamed body.
type item struct {
	filename    string
	size        int64
	contentType string
	body        io.Reader
}

type putter struct {
	cfg Config
}

func (p putter) put(ctx context.Context, job *models.Job, it item, sink upload.ProgressSink) upload.Result {
	if !p.cfg.Enabled() {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "archive upload", "access key and secret are required"))
	}

	identifier := Identifier(it.filename, job.ID, p.cfg.Now())
	target := fmt.Sprintf("%s/%s/%s", p.cfg.Endpoint, identifier, url.PathEscape(it.filename))

	tracker := upload.NewPercentTracker(it.size, sink)
	counter := upload.NewCountingReader(it.body, tracker.Advance)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, counter)
	if err != nil {
		return upload.Failed(upload.Wrap(upload.FailureConfiguration, "build archive request", err))
	}
	if it.size >= 0 {
		req.ContentLength = it.size
	} else {
		req.ContentLength = -1
	}
	if req.ContentLength == 0 {
		req.Body = http.NoBody
	}

	title := job.Title
	if title == "" {
		title = models.TitleFromFilename(it.filename)
	}
	contentType := it.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Authorization", fmt.Sprintf("LOW %s:%s", p.cfg.AccessKey, p.cfg.SecretKey))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-amz-auto-make-bucket", "1")
	req.Header.Set("x-archive-meta01-collection", p.cfg.Collection)
	req.Header.Set("x-archive-meta-mediatype", p.cfg.MediaType)
	req.Header.Set("x-archive-meta-title", upload.SanitizeHeader(title))
	if job.Language != "" {
		req.Header.Set("x-archive-meta-language", upload.SanitizeHeader(job.Language))
	}
	if p.cfg.SizeHint && it.size > 0 {
		req.Header.Set("x-archive-size-hint", strconv.FormatInt(it.size, 10))
	}

	p.cfg.Logger.Info("archive upload started", "job_id", job.ID, "identifier", identifier, "size", it.size)
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return upload.Failed(upload.FromError(ctx, "archive put", err))
	}
	defer upload.Drain(resp.Body)
	if !upload.IsSuccess(resp.StatusCode) {
		return upload.Failed(upload.Fail(upload.FailureVendor, "archive put", "%s", upload.ResponseDetail(resp)))
	}

	p.cfg.Logger.Info("archive upload finished", "job_id", job.ID, "identifier", identifier, "bytes", counter.Total())
	sink(upload.Uploading(100, "upload complete"))
	path := "/details/" + identifier
	return upload.Succeeded(identifier, path, p.cfg.DetailsURL+path)
}

// Identifier derives a collection-unique item identifier from the filename,
// a UTC timestamp and a short digest that also covers the job id.
func Identifier(filename, jobID string, at time.Time) string {
	stamp := at.UTC().Format("20060102150405")
	slug := slugify(models.TitleFromFilename(filename))
	if slug == "" {
		slug = "video"
	}
	sum := blake2b.Sum256([]byte(filename + "|" + stamp + "|" + jobID))
	return fmt.Sprintf("%s-%s-%s", slug, stamp, hex.EncodeToString(sum[:4]))
}

func slugify(name string) string {
	folded := strings.ToLower(upload.SanitizeHeader(name))
	var b strings.Builder
	lastDash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		case unicode.IsSpace(r), r == '-':
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxSlugLength {
			break
		}
	}
	return strings.Trim(b.String(), "-._")
}
