// Package catalog records vendor playback sources against movie and episode
// entries once an upload has finished.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"videoingest/internal/models"
)

var (
	// ErrNotFound is returned when no source matches a lookup.
	ErrNotFound = errors.New("catalog source not found")
	// ErrClosed is returned once the store has been closed.
	ErrClosed = errors.New("catalog store closed")
)

// Response codes mirror the collaborator's numeric contract; zero is success.
const (
	CodeOK         = 0
	CodeBadRequest = 400
	CodeNotFound   = 404
)

// VendorSource is one playable copy of a catalog entry hosted by a vendor.
type VendorSource struct {
	Scope        models.Scope
	TargetID     string
	SourceType   string
	Vendor       string
	VendorID     string
	VendorPath   string
	PlayerURL    string
	Language     string
	Quality      string
	Title        string
	Published    bool
	Downloadable bool
	UploadedAt   time.Time
}

// Validate checks the fields that make up the source key.
func (s VendorSource) Validate() error {
	switch {
	case strings.TrimSpace(s.TargetID) == "":
		return errors.New("target id is required")
	case strings.TrimSpace(s.SourceType) == "":
		return errors.New("source type is required")
	case strings.TrimSpace(s.VendorID) == "":
		return errors.New("vendor id is required")
	}
	return nil
}

// Response is the collaborator's verdict on an upsert.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Err converts a non-zero response code into an error.
func (r Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	if r.Message == "" {
		return fmt.Errorf("catalog responded with code %d", r.Code)
	}
	return fmt.Errorf("catalog responded with code %d: %s", r.Code, r.Message)
}

// Store is the catalog write surface used by the ingestion pipeline.
type Store interface {
	UpsertMovieVendor(ctx context.Context, src VendorSource) (Response, error)
	UpsertEpisodeVendor(ctx context.Context, src VendorSource) (Response, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Upsert dispatches on the source scope.
func Upsert(ctx context.Context, store Store, src VendorSource) (Response, error) {
	switch src.Scope {
	case models.ScopeMovie:
		return store.UpsertMovieVendor(ctx, src)
	case models.ScopeEpisode:
		return store.UpsertEpisodeVendor(ctx, src)
	default:
		return Response{}, fmt.Errorf("unsupported scope %q", src.Scope)
	}
}

var vendorNames = map[string]string{
	"archive": "archive.org",
	"vimeo":   "vimeo",
	"youtube": "youtube",
}

// VendorName maps a source type tag to the vendor name stored in the
// catalog. Link variants share their vendor's name.
func VendorName(sourceType string) string {
	tag := strings.ToLower(strings.TrimSpace(sourceType))
	tag = strings.TrimSuffix(tag, "_link")
	if name, ok := vendorNames[tag]; ok {
		return name
	}
	return tag
}
