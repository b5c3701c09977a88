package archive

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

const fallbackFilename = "video.mp4"

// FileProvider uploads the job's own stream.
type FileProvider struct {
	putter
}

// NewFileProvider builds the file-sourced archive provider.
func NewFileProvider(cfg Config) *FileProvider {
	return &FileProvider{putter{cfg: cfg.withDefaults()}}
}

func (p *FileProvider) SourceType() string { return SourceTypeFile }

func (p *FileProvider) Payload() models.PayloadKind { return models.PayloadFile }

func (p *FileProvider) Execute(ctx context.Context, job *models.Job, sink upload.ProgressSink) upload.Result {
	upload.MustArgs(job, sink)
	file, failure := upload.RequireFile(job, SourceTypeFile)
	if failure != nil {
		return upload.Failed(failure)
	}
	return p.put(ctx, job, item{
		filename:    path.Base(strings.ReplaceAll(file.Name, `\`, "/")),
		size:        file.Size,
		contentType: file.ContentType,
		body:        file.Body,
	}, sink)
}

// LinkProvider proxies a remote GET body straight into the PUT.
type LinkProvider struct {
	putter
}

// NewLinkProvider builds the link-sourced archive provider.
func NewLinkProvider(cfg Config) *LinkProvider {
	return &LinkProvider{putter{cfg: cfg.withDefaults()}}
}

func (p *LinkProvider) SourceType() string { return SourceTypeLink }

func (p *LinkProvider) Payload() models.PayloadKind { return models.PayloadLink }

func (p *LinkProvider) Execute(ctx context.Context, job *models.Job, sink upload.ProgressSink) upload.Result {
	upload.MustArgs(job, sink)
	link, failure := upload.RequireLink(job, SourceTypeLink)
	if failure != nil {
		return upload.Failed(failure)
	}
	if !p.cfg.Enabled() {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "archive upload", "access key and secret are required"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return upload.Failed(upload.Wrap(upload.FailureConfiguration, "build source request", err))
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return upload.Failed(upload.FromError(ctx, "fetch source", err))
	}
	defer upload.Drain(resp.Body)
	if !upload.IsSuccess(resp.StatusCode) {
		return upload.Failed(upload.Fail(upload.FailureTransport, "fetch source", "%s", upload.ResponseDetail(resp)))
	}

	return p.put(ctx, job, item{
		filename:    FilenameFromResponse(resp),
		size:        resp.ContentLength,
		contentType: resp.Header.Get("Content-Type"),
		body:        resp.Body,
	}, sink)
}

// FilenameFromResponse prefers the Content-Disposition filename and falls
// back to the last URL path segment.
func FilenameFromResponse(resp *http.Response) string {
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return path.Base(strings.ReplaceAll(name, `\`, "/"))
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if name := lastSegment(resp.Request.URL); name != "" {
			return name
		}
	}
	return fallbackFilename
}

func lastSegment(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	return base
}
