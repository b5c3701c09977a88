package models

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Scope identifies which catalog entity a job's vendor source is attached to.
type Scope string

const (
	ScopeMovie   Scope = "movie"
	ScopeEpisode Scope = "episode"
)

// ParseScope normalises user input into a Scope.
func ParseScope(value string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopeMovie:
		return ScopeMovie, nil
	case ScopeEpisode:
		return ScopeEpisode, nil
	default:
		return "", fmt.Errorf("unknown scope %q", value)
	}
}

// PayloadKind distinguishes file-sourced from link-sourced jobs.
type PayloadKind string

const (
	PayloadFile PayloadKind = "file"
	PayloadLink PayloadKind = "link"
)

// Visibility carries the catalog visibility flags written alongside a vendor source.
type Visibility struct {
	Published    bool `json:"published"`
	Downloadable bool `json:"downloadable"`
}

// FilePayload is an open, forward-only stream with its declared length.
// Size is negative when unknown.
type FilePayload struct {
	Name        string
	Size        int64
	ContentType string
	Body        io.Reader
}

// JobParams describes an ingestion request before it is turned into a Job.
type JobParams struct {
	ID         string
	SourceType string
	Scope      Scope
	TargetID   string
	Quality    string
	Language   string
	Title      string
	Visibility Visibility
	File       *FilePayload
	URL        string
}

// Job is the immutable description of one ingestion request. It is consumed
// once by the coordinator; Release must be called when execution ends.
type Job struct {
	ID         string
	SourceType string
	Scope      Scope
	TargetID   string
	Quality    string
	Language   string
	Title      string
	Visibility Visibility
	CreatedAt  time.Time

	file    *FilePayload
	url     string
	release func() error
	once    sync.Once
	err     error
}

// NewJob validates params and builds a Job. release may be nil; when set it
// runs exactly once from Release.
func NewJob(params JobParams, release func() error) (*Job, error) {
	if strings.TrimSpace(params.ID) == "" {
		return nil, errors.New("job id is required")
	}
	if strings.TrimSpace(params.SourceType) == "" {
		return nil, errors.New("source type is required")
	}
	if params.Scope != ScopeMovie && params.Scope != ScopeEpisode {
		return nil, fmt.Errorf("unknown scope %q", params.Scope)
	}
	if strings.TrimSpace(params.TargetID) == "" {
		return nil, errors.New("target id is required")
	}
	hasFile := params.File != nil
	hasURL := strings.TrimSpace(params.URL) != ""
	if hasFile == hasURL {
		return nil, errors.New("exactly one of file or url is required")
	}
	if hasFile {
		if params.File.Body == nil {
			return nil, errors.New("file body is required")
		}
		if strings.TrimSpace(params.File.Name) == "" {
			return nil, errors.New("file name is required")
		}
	}
	if hasURL {
		parsed, err := url.Parse(strings.TrimSpace(params.URL))
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("url scheme %q is not supported", parsed.Scheme)
		}
		if parsed.Host == "" {
			return nil, errors.New("url host is required")
		}
	}

	title := strings.TrimSpace(params.Title)
	if title == "" && hasFile {
		title = TitleFromFilename(params.File.Name)
	}

	job := &Job{
		ID:         strings.TrimSpace(params.ID),
		SourceType: strings.TrimSpace(params.SourceType),
		Scope:      params.Scope,
		TargetID:   strings.TrimSpace(params.TargetID),
		Quality:    strings.TrimSpace(params.Quality),
		Language:   strings.TrimSpace(params.Language),
		Title:      title,
		Visibility: params.Visibility,
		CreatedAt:  time.Now().UTC(),
		url:        strings.TrimSpace(params.URL),
		release:    release,
	}
	if hasFile {
		file := *params.File
		job.file = &file
	}
	return job, nil
}

// Kind reports the payload the job carries.
func (j *Job) Kind() PayloadKind {
	if j.file != nil {
		return PayloadFile
	}
	return PayloadLink
}

// File returns the job's file payload, or nil for link jobs.
func (j *Job) File() *FilePayload {
	return j.file
}

// URL returns the remote link for link jobs.
func (j *Job) URL() string {
	return j.url
}

// Release runs the cleanup hook once and returns its error on every call.
func (j *Job) Release() error {
	j.once.Do(func() {
		if j.release != nil {
			j.err = j.release()
		}
	})
	return j.err
}

// TitleFromFilename strips directories and the extension from a filename.
func TitleFromFilename(name string) string {
	base := strings.TrimSpace(name)
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return strings.TrimSpace(base)
}
