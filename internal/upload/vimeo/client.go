// Package vimeo implements the resumable tus upload and the vendor pull
// upload against a Vimeo-compatible REST API.
package vimeo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

const (
	SourceTypeTus  = "vimeo"
	SourceTypePull = "vimeo_link"

	defaultAPIBase          = "https://api.vimeo.com"
	defaultChunkSize        = 5 << 20
	defaultPollInterval     = 5 * time.Second
	defaultPollAttempts     = 120
	defaultPullPollAttempts = 360
	defaultRequestTimeout   = 30 * time.Second

	acceptHeader = "application/vnd.vimeo.*+json;version=3.4"
	tusVersion   = "1.0.0"

	statusComplete   = "complete"
	statusError      = "error"
	statusInProgress = "in_progress"
)

// Config holds the API credentials, chunking and polling budget.
type Config struct {
	APIBase        string
	AccessToken    string
	ChunkSize      int
	PollInterval   time.Duration
	PollAttempts   int
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Enabled reports whether an access token is configured.
func (cfg Config) Enabled() bool {
	return strings.TrimSpace(cfg.AccessToken) != ""
}

func (cfg Config) withDefaults(attempts int) Config {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = attempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

type createUpload struct {
	Approach string `json:"approach"`
	Size     string `json:"size,omitempty"`
	Link     string `json:"link,omitempty"`
}

type createRequest struct {
	Upload  createUpload `json:"upload"`
	Name    string       `json:"name,omitempty"`
	Privacy privacy      `json:"privacy"`
}

type privacy struct {
	View     string `json:"view"`
	Download bool   `json:"download"`
}

type videoResource struct {
	URI            string `json:"uri"`
	Link           string `json:"link"`
	PlayerEmbedURL string `json:"player_embed_url"`
	Upload         struct {
		Status     string `json:"status"`
		UploadLink string `json:"upload_link"`
	} `json:"upload"`
	Transcode struct {
		Status string `json:"status"`
	} `json:"transcode"`
}

// ID returns the trailing numeric id of the resource URI.
func (v videoResource) ID() string {
	uri := strings.TrimRight(v.URI, "/")
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

// PlayableURL prefers the embed URL, then the public link, then a URL built from the id.
func (v videoResource) PlayableURL() string {
	switch {
	case v.PlayerEmbedURL != "":
		return v.PlayerEmbedURL
	case v.Link != "":
		return v.Link
	default:
		return "https://vimeo.com/" + v.ID()
	}
}

type client struct {
	cfg Config
}

func privacyFor(job *models.Job) privacy {
	view := "unlisted"
	if job.Visibility.Published {
		view = "anybody"
	}
	return privacy{View: view, Download: job.Visibility.Downloadable}
}

func (c client) create(ctx context.Context, body createRequest) (videoResource, *upload.Failure) {
	payload, err := json.Marshal(body)
	if err != nil {
		return videoResource{}, upload.Wrap(upload.FailureInternal, "encode create request", err)
	}
	resp, failure := c.do(ctx, http.MethodPost, c.cfg.APIBase+"/me/videos", payload)
	if failure != nil {
		return videoResource{}, failure
	}
	defer upload.Drain(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return videoResource{}, upload.Fail(upload.FailureVendor, "create video", "%s", upload.ResponseDetail(resp))
	}
	var video videoResource
	if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
		return videoResource{}, upload.Wrap(upload.FailureVendor, "decode create response", err)
	}
	if video.URI == "" {
		return videoResource{}, upload.Fail(upload.FailureVendor, "create video", "malformed create response: missing uri")
	}
	return video, nil
}

func (c client) status(ctx context.Context, uri string) (videoResource, error) {
	target := c.cfg.APIBase + uri + "?fields=uri,link,player_embed_url,transcode.status,upload.status"
	resp, failure := c.do(ctx, http.MethodGet, target, nil)
	if failure != nil {
		return videoResource{}, failure
	}
	defer upload.Drain(resp.Body)
	if !upload.IsSuccess(resp.StatusCode) {
		return videoResource{}, fmt.Errorf("video status: %s", upload.ResponseDetail(resp))
	}
	var video videoResource
	if err := json.NewDecoder(resp.Body).Decode(&video); err != nil {
		return videoResource{}, fmt.Errorf("decode video status: %w", err)
	}
	return video, nil
}

func (c client) do(ctx context.Context, method, target string, body []byte) (*http.Response, *upload.Failure) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	req, err := http.NewRequestWithContext(reqCtx, method, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, upload.Wrap(upload.FailureConfiguration, "build vimeo request", err)
	}
	req.Header.Set("Authorization", "bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", acceptHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, upload.FromError(ctx, strings.ToLower(method)+" "+target, err)
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// poll waits for transcoding to finish. onStatus sees every decoded status.
func (c client) poll(ctx context.Context, uri string, onStatus func(videoResource)) (videoResource, *upload.Failure) {
	var last videoResource
	poller := upload.Poller{Interval: c.cfg.PollInterval, Attempts: c.cfg.PollAttempts, Logger: c.cfg.Logger}
	outcome := poller.Run(ctx, func(ctx context.Context, attempt int) (upload.PollStatus, error) {
		video, err := c.status(ctx, uri)
		if err != nil {
			return upload.PollStatus{}, err
		}
		last = video
		if onStatus != nil {
			onStatus(video)
		}
		switch {
		case video.Upload.Status == statusError:
			return upload.PollStatus{Failed: true, Detail: "upload " + statusError}, nil
		case video.Transcode.Status == statusError:
			return upload.PollStatus{Failed: true, Detail: "transcode " + statusError}, nil
		case video.Transcode.Status == statusComplete:
			return upload.PollStatus{Done: true, Detail: statusComplete}, nil
		default:
			return upload.PollStatus{Detail: "upload " + orUnknown(video.Upload.Status) + ", transcode " + orUnknown(video.Transcode.Status)}, nil
		}
	})
	if failure := outcome.Failure("await transcode"); failure != nil {
		return last, failure
	}
	if last.URI == "" {
		last.URI = uri
	}
	return last, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func orUnknown(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}

func offsetHeader(offset int64) string {
	return strconv.FormatInt(offset, 10)
}
