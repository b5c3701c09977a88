package vimeo

import (
	"context"

	"videoingest/internal/models"
	"videoingest/internal/upload"
)

// PullProvider asks the vendor to fetch the job's URL and waits for it to be
// fetched and transcoded.
type PullProvider struct {
	client
}

// NewPullProvider builds the pull provider. Its poll budget defaults to a
// longer window than the tus provider.
func NewPullProvider(cfg Config) *PullProvider {
	return &PullProvider{client{cfg: cfg.withDefaults(defaultPullPollAttempts)}}
}

func (p *PullProvider) SourceType() string { return SourceTypePull }

func (p *PullProvider) Payload() models.PayloadKind { return models.PayloadLink }

func (p *PullProvider) Execute(ctx context.Context, job *models.Job, sink upload.ProgressSink) upload.Result {
	upload.MustArgs(job, sink)
	link, failure := upload.RequireLink(job, SourceTypePull)
	if failure != nil {
		return upload.Failed(failure)
	}
	if !p.cfg.Enabled() {
		return upload.Failed(upload.Fail(upload.FailureConfiguration, "vimeo pull", "access token is required"))
	}

	name := job.Title
	if name == "" {
		name = models.TitleFromFilename(link)
	}
	video, failure := p.create(ctx, createRequest{
		Upload:  createUpload{Approach: "pull", Link: link},
		Name:    upload.SanitizeHeader(name),
		Privacy: privacyFor(job),
	})
	if failure != nil {
		return upload.Failed(failure)
	}
	p.cfg.Logger.Info("pull upload created", "job_id", job.ID, "uri", video.URI)
	sink(upload.Processing("fetching"))

	lastText := "fetching"
	final, failure := p.poll(ctx, video.URI, func(status videoResource) {
		text := "processing"
		if status.Upload.Status == "" || status.Upload.Status == statusInProgress {
			text = "fetching"
		}
		if text != lastText {
			lastText = text
			sink(upload.Processing(text))
		}
	})
	if failure != nil {
		p.cfg.Logger.Warn("pull upload did not complete", "job_id", job.ID, "uri", video.URI, "error", failure)
		return upload.Failed(failure)
	}
	return upload.Succeeded(final.ID(), final.URI, final.PlayableURL())
}
