package vimeo

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

// TusProvider creates a video, PATCHes the file in fixed-size chunks and
// waits for transcoding.
type TusProvider struct {
	client
}

// NewTusProvider builds the tus provider.
func NewTusProvider(cfg Config) *TusProvider {
	return &TusProvider{client{cfg: cfg.withDefaults(defaultPollAttempts)}}
}

func (p *TusProvider) SourceType() string { return SourceTypeTus }

func (p *TusProvider) Payload() models.PayloadKind { return models.PayloadFile }

func (p *TusProvider) Execute(ctx context.Context, job *models.Job, sink upload.ProgressSink) upload.Result {
	upload.MustArgs(job, sink)
	file, failure := upload.RequireFile(job, SourceTypeTus)
	if failure != nil {
		return upload.Failed(failure)
	}
	if !p.cfg.Enabled() {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "vimeo upload", "access token is required"))
	}
	if file.Size < 0 {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "vimeo upload", "tus upload requires a known file size"))
	}

	video, failure := p.create(ctx, createRequest{
		Upload:  createUpload{Approach: "tus", Size: strconv.FormatInt(file.Size, 10)},
		Name:    upload.SanitizeHeader(job.Title),
		Privacy: privacyFor(job),
	})
	if failure != nil {
		return upload.Failed(failure)
	}
	if video.Upload.UploadLink == "" {
		return upload.Failed(upload.Fail(upload.FailureVendor, "create video", "malformed create response: missing upload link"))
	}
	p.cfg.Logger.Info("tus upload created", "job_id", job.ID, "uri", video.URI, "size", file.Size)

	if failure := p.transfer(ctx, video.Upload.UploadLink, file, sink); failure != nil {
		p.cfg.Logger.Warn("tus transfer failed", "job_id", job.ID, "uri", video.URI, "error", failure)
		return upload.Failed(failure)
	}

	sink(upload.Processing("transcoding"))
	final, failure := p.poll(ctx, video.URI, nil)
	if failure != nil {
		return upload.Failed(failure)
	}
	return upload.Succeeded(final.ID(), final.URI, final.PlayableURL())
}

func (p *TusProvider) transfer(ctx context.Context, link string, file *models.FilePayload, sink upload.ProgressSink) *upload.Failure {
	tracker := upload.NewPercentTracker(file.Size, sink)
	tracker.Advance(0)

	buf := make([]byte, p.cfg.ChunkSize)
	var offset int64
	for offset < file.Size {
		want := int64(len(buf))
		if remaining := file.Size - offset; remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(file.Body, buf[:want])
		if err != nil {
			if ctx.Err() != nil {
				return upload.Wrap(upload.FailureCanceled, "read chunk", ctx.Err())
			}
			return upload.Fail(upload.FailureTransport, "read chunk", "source stream ended at offset %d of %d: %v", offset+int64(n), file.Size, err)
		}

		chunk := buf[:n]
		chunkStart := offset
		for len(chunk) > 0 {
			next, failure := p.patch(ctx, link, offset, chunk)
			if failure != nil {
				return failure
			}
			if next <= offset || next > chunkStart+int64(n) {
				return upload.Fail(upload.FailureVendor, "patch chunk", "server acknowledged offset %d after sending from %d", next, offset)
			}
			chunk = chunk[next-offset:]
			offset = next
			tracker.Advance(offset)
		}
	}
	return nil
}

// patch sends one chunk and returns the offset the server acknowledged.
func (p *TusProvider) patch(ctx context.Context, link string, offset int64, chunk []byte) (int64, *upload.Failure) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, link, bytes.NewReader(chunk))
	if err != nil {
		return 0, upload.Wrap(upload.FailureConfiguration, "build patch request", err)
	}
	req.Header.Set("Tus-Resumable", tusVersion)
	req.Header.Set("Upload-Offset", offsetHeader(offset))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Accept", acceptHeader)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, upload.FromError(ctx, fmt.Sprintf("patch chunk at offset %d", offset), err)
	}
	defer upload.Drain(resp.Body)
	if !upload.IsSuccess(resp.StatusCode) {
		return 0, upload.Fail(upload.FailureVendor, "patch chunk", "offset %d: %s", offset, upload.ResponseDetail(resp))
	}

	echoed := strings.TrimSpace(resp.Header.Get("Upload-Offset"))
	if echoed == "" {
		return offset + int64(len(chunk)), nil
	}
	next, err := strconv.ParseInt(echoed, 10, 64)
	if err != nil {
		return 0, upload.Fail(upload.FailureVendor, "patch chunk", "offset %d: invalid Upload-Offset %q", offset, echoed)
	}
	return next, nil
}
