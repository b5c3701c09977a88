// Package upload defines the vendor provider contract and the pieces shared
// by every protocol implementation: typed failures, byte counting, progress
// tracking, header-safe metadata, bounded polling and provider resolution.
package upload

import (
	"context"

	"videoingest/internal/models"
)

// Progress is one update pushed by a provider while it executes.
// Percent is negative when no percentage applies.
type Progress struct {
	Status  models.Status
	Percent int
	Text    string
}

// ProgressSink receives provider updates. Implementations must not block for long.
type ProgressSink func(Progress)

// Uploading builds a byte-driven progress update.
func Uploading(percent int, text string) Progress {
	return Progress{Status: models.StatusUploading, Percent: percent, Text: text}
}

// Processing builds a vendor-side progress update without a percentage.
func Processing(text string) Progress {
	return Progress{Status: models.StatusProcessing, Percent: -1, Text: text}
}

// Result is the outcome of one provider execution.
type Result struct {
	Success    bool
	VendorID   string
	VendorPath string
	PlayerURL  string
	Err        error
}

// Succeeded builds a successful Result.
func Succeeded(vendorID, vendorPath, playerURL string) Result {
	return Result{Success: true, VendorID: vendorID, VendorPath: vendorPath, PlayerURL: playerURL}
}

// Failed builds an unsuccessful Result.
func Failed(err error) Result {
	return Result{Err: err}
}

// Provider uploads a job to one vendor. Ordinary failures are reported in the
// returned Result; a nil job or sink is a programming error and panics.
type Provider interface {
	SourceType() string
	Execute(ctx context.Context, job *models.Job, sink ProgressSink) Result
}

// PayloadKinder is implemented by providers that accept a single payload kind.
type PayloadKinder interface {
	Payload() models.PayloadKind
}

// MustArgs panics when Execute is called with invalid arguments.
func MustArgs(job *models.Job, sink ProgressSink) {
	if job == nil {
		panic("upload: nil job")
	}
	if sink == nil {
		panic("upload: nil progress sink")
	}
}

// RequireFile returns the job's file payload or a configuration failure.
func RequireFile(job *models.Job, sourceType string) (*models.FilePayload, *Failure) {
	file := job.File()
	if file == nil {
		return nil, Fail(FailureConfiguration, "validate job", "source type %s requires a file payload", sourceType)
	}
	return file, nil
}

// RequireLink returns the job's URL or a configuration failure.
func RequireLink(job *models.Job, sourceType string) (string, *Failure) {
	if job.Kind() != models.PayloadLink {
		return "", Fail(FailureConfiguration, "validate job", "source type %s requires a url payload", sourceType)
	}
	return job.URL(), nil
}
