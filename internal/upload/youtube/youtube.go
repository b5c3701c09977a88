// Package youtube uploads file jobs through the YouTube Data API client with
// its native resumable media upload, then waits for processing to finish.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

const (
	SourceType = "youtube"

	defaultChunkSize    = 8 << 20
	defaultCategoryID   = "22"
	defaultDescription  = "Uploaded by the catalog ingestion service."
	defaultPollInterval = 10 * time.Second
	defaultPollAttempts = 180

	privacyUnlisted = "unlisted"
)

// Config holds the OAuth client, the refresh token and upload tuning.
type Config struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	// Endpoint overrides the API base URL, e.g. for a local fake.
	Endpoint     string
	ChunkSize    int
	CategoryID   string
	Description  string
	PollInterval time.Duration
	PollAttempts int
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Enabled reports whether the OAuth credentials are configured.
func (cfg Config) Enabled() bool {
	return strings.TrimSpace(cfg.ClientID) != "" &&
		strings.TrimSpace(cfg.ClientSecret) != "" &&
		strings.TrimSpace(cfg.RefreshToken) != ""
}

func (cfg Config) withDefaults() Config {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = google.Endpoint.TokenURL
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkSize < googleapi.MinUploadChunkSize {
		cfg.ChunkSize = googleapi.MinUploadChunkSize
	}
	if strings.TrimSpace(cfg.CategoryID) == "" {
		cfg.CategoryID = defaultCategoryID
	}
	if strings.TrimSpace(cfg.Description) == "" {
		cfg.Description = defaultDescription
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// Provider is the managed-SDK upload provider.
type Provider struct {
	cfg Config
}

// New builds the provider.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults()}
}

func (p *Provider) SourceType() string { return SourceType }

func (p *Provider) Payload() models.PayloadKind { return models.PayloadFile }

func (p *Provider) Execute(ctx context.Context, job *models.Job, sink upload.ProgressSink) upload.Result {
	upload.MustArgs(job, sink)
	file, failure := upload.RequireFile(job, SourceType)
	if failure != nil {
		return upload.Failed(failure)
	}
	if !p.cfg.Enabled() {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "youtube upload", "client id, client secret and refresh token are required"))
	}

	svc, failure := p.service(ctx)
	if failure != nil {
		return upload.Failed(failure)
	}

	title := job.Title
	if title == "" {
		title = models.TitleFromFilename(file.Name)
	}
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{
			Title:       upload.SanitizeHeader(title),
			Description: p.cfg.Description,
			CategoryId:  p.cfg.CategoryID,
		},
		Status: &yt.VideoStatus{PrivacyStatus: privacyUnlisted},
	}

	tracker := upload.NewPercentTracker(file.Size, sink)
	tracker.Advance(0)
	mediaOpts := []googleapi.MediaOption{googleapi.ChunkSize(p.cfg.ChunkSize)}
	if file.ContentType != "" {
		mediaOpts = append(mediaOpts, googleapi.ContentType(file.ContentType))
	}
	call := svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(file.Body, mediaOpts...).
		ProgressUpdater(func(current, total int64) {
			tracker.Advance(current)
		}).
		Context(ctx)

	p.cfg.Logger.Info("youtube upload started", "job_id", job.ID, "size", file.Size, "chunk_size", p.cfg.ChunkSize)
	inserted, err := call.Do()
	if err != nil {
		return upload.Failed(classify(ctx, "insert video", err))
	}
	if inserted == nil || inserted.Id == "" {
		return upload.Failed(upload.Fail(upload.FailureVendor, "insert video", "response carried no video id"))
	}
	tracker.Advance(file.Size)
	sink(upload.Processing("processing"))
	p.cfg.Logger.Info("youtube upload finished", "job_id", job.ID, "video_id", inserted.Id)

	if failure := p.awaitProcessing(ctx, svc, inserted.Id); failure != nil {
		return upload.Failed(failure)
	}
	return upload.Succeeded(inserted.Id, "/watch?v="+inserted.Id, "https://www.youtube.com/embed/"+inserted.Id)
}

// service exchanges the refresh token for an access token and builds an API
// client bound to it. Nothing is cached between jobs.
func (p *Provider) service(ctx context.Context) (*yt.Service, *upload.Failure) {
	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}
	oauthCfg := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.cfg.TokenURL},
		Scopes:       []string{yt.YoutubeUploadScope},
	}
	token, err := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: p.cfg.RefreshToken}).Token()
	if err != nil {
		if ctx.Err() != nil {
			return nil, upload.Wrap(upload.FailureCanceled, "exchange refresh token", ctx.Err())
		}
		return nil, upload.Wrap(upload.FailureVendor, "exchange refresh token", err)
	}

	opts := []option.ClientOption{option.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)))}
	if endpoint := strings.TrimSpace(p.cfg.Endpoint); endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(endpoint, "/")+"/"))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, upload.Wrap(upload.FailureConfiguration, "build youtube client", err)
	}
	return svc, nil
}

func (p *Provider) awaitProcessing(ctx context.Context, svc *yt.Service, id string) *upload.Failure {
	poller := upload.Poller{Interval: p.cfg.PollInterval, Attempts: p.cfg.PollAttempts, Logger: p.cfg.Logger}
	outcome := poller.Run(ctx, func(ctx context.Context, attempt int) (upload.PollStatus, error) {
		resp, err := svc.Videos.List([]string{"status", "processingDetails"}).Id(id).Context(ctx).Do()
		if err != nil {
			return upload.PollStatus{}, err
		}
		if len(resp.Items) == 0 {
			return upload.PollStatus{}, fmt.Errorf("video %s not listed yet", id)
		}
		return evaluate(resp.Items[0]), nil
	})
	return outcome.Failure("await processing")
}

// evaluate combines the upload and processing enumerations into one poll status.
func evaluate(video *yt.Video) upload.PollStatus {
	var uploadStatus, processingStatus, reason string
	if video.Status != nil {
		uploadStatus = video.Status.UploadStatus
		reason = firstNonEmpty(video.Status.FailureReason, video.Status.RejectionReason)
	}
	if video.ProcessingDetails != nil {
		processingStatus = video.ProcessingDetails.ProcessingStatus
		reason = firstNonEmpty(reason, video.ProcessingDetails.ProcessingFailureReason)
	}
	detail := fmt.Sprintf("upload %s, processing %s", orUnknown(uploadStatus), orUnknown(processingStatus))
	switch {
	case uploadStatus == "failed" || uploadStatus == "rejected" || uploadStatus == "deleted",
		processingStatus == "failed" || processingStatus == "terminated":
		if reason != "" {
			detail += ": " + reason
		}
		return upload.PollStatus{Failed: true, Detail: detail}
	case uploadStatus == "processed" && processingStatus == "succeeded":
		return upload.PollStatus{Done: true, Detail: detail}
	default:
		return upload.PollStatus{Detail: detail}
	}
}

func classify(ctx context.Context, op string, err error) *upload.Failure {
	if ctx.Err() != nil {
		return upload.Wrap(upload.FailureCanceled, op, ctx.Err())
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return upload.Fail(upload.FailureVendor, op, "status %d: %s", apiErr.Code, apiErr.Message)
	}
	return upload.FromError(ctx, op, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orUnknown(status string) string {
	if status == "" {
		return "unknown"
	}
	return status
}
