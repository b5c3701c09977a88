package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"videoingest/internal/ingest"
	"videoingest/internal/models"
	"videoingest/internal/observability/logging"
	"videoingest/internal/upload"
)

// multipartOverhead leaves room for form fields and part headers on top of
// the file limit.
const multipartOverhead = 1 << 20

type createUploadRequest struct {
	Scope        string `json:"scope"`
	TargetID     string `json:"targetId"`
	SourceType   string `json:"sourceType"`
	Quality      string `json:"quality"`
	Language     string `json:"language"`
	Title        string `json:"title"`
	Published    bool   `json:"published"`
	Downloadable bool   `json:"downloadable"`
	URL          string `json:"url"`
}

type createUploadResponse struct {
	JobID  string        `json:"jobId"`
	Status models.Status `json:"status"`
}

type uploadedMedia struct {
	file         *os.File
	size         int64
	originalName string
	contentType  string
}

func (m *uploadedMedia) discard() error {
	closeErr := m.file.Close()
	if err := os.Remove(m.file.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp upload: %w", err)
	}
	return closeErr
}

func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	switch {
	case strings.HasPrefix(contentType, "multipart/form-data"):
		h.createUploadFromMultipart(w, r)
	case strings.HasPrefix(contentType, "application/json"):
		h.createUploadFromJSON(w, r)
	default:
		writeError(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type %q is not supported", contentType))
	}
}

func (h *Handler) createUploadFromJSON(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, multipartOverhead)
	var req createUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	h.submit(w, r, req, nil)
}

func (h *Handler) createUploadFromMultipart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes()+multipartOverhead)
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}

	var req createUploadRequest
	var media *uploadedMedia
	fail := func(status int, err error) {
		if media != nil {
			if discardErr := media.discard(); discardErr != nil {
				h.logger().Warn("failed to discard upload", "error", discardErr)
			}
		}
		writeError(w, status, err)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(statusForBodyError(err), fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		if name == "" {
			_ = part.Close()
			continue
		}
		if name == "file" {
			if media != nil {
				_ = part.Close()
				fail(http.StatusBadRequest, errors.New("only one file part is accepted"))
				return
			}
			if req.SourceType != "" && !h.knownSourceType(req.SourceType) {
				_ = part.Close()
				fail(http.StatusBadRequest, fmt.Errorf("unknown source type %q", req.SourceType))
				return
			}
			saved, saveErr := h.saveMultipartFile(part)
			if saveErr != nil {
				fail(statusForBodyError(saveErr), saveErr)
				return
			}
			media = saved
			continue
		}
		payload, readErr := io.ReadAll(io.LimitReader(part, multipartOverhead))
		_ = part.Close()
		if readErr != nil {
			fail(statusForBodyError(readErr), fmt.Errorf("read form field: %w", readErr))
			return
		}
		if err := req.setField(name, strings.TrimSpace(string(payload))); err != nil {
			fail(http.StatusBadRequest, err)
			return
		}
	}

	if media == nil {
		fail(http.StatusBadRequest, errors.New("file part is required"))
		return
	}
	if req.URL != "" {
		fail(http.StatusBadRequest, errors.New("url is not accepted together with a file"))
		return
	}
	h.submit(w, r, req, media)
}

func (req *createUploadRequest) setField(name, value string) error {
	var err error
	switch name {
	case "scope":
		req.Scope = value
	case "targetId":
		req.TargetID = value
	case "sourceType":
		req.SourceType = value
	case "quality":
		req.Quality = value
	case "language":
		req.Language = value
	case "title":
		req.Title = value
	case "url":
		req.URL = value
	case "published":
		req.Published, err = parseFormBool(value)
	case "downloadable":
		req.Downloadable, err = parseFormBool(value)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func parseFormBool(value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

func (h *Handler) saveMultipartFile(part *multipart.Part) (*uploadedMedia, error) {
	defer part.Close()
	tmp, err := os.CreateTemp(h.tempDir(), "ingest-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	media := &uploadedMedia{
		file:         tmp,
		originalName: part.FileName(),
		contentType:  part.Header.Get("Content-Type"),
	}
	written, err := io.Copy(tmp, part)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = media.discard()
		return nil, fmt.Errorf("save upload: %w", err)
	}
	media.size = written
	return media, nil
}

func (h *Handler) knownSourceType(tag string) bool {
	for _, known := range h.Jobs.SourceTypes() {
		if strings.EqualFold(strings.TrimSpace(tag), known) {
			return true
		}
	}
	return false
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, req createUploadRequest, media *uploadedMedia) {
	scope, err := models.ParseScope(req.Scope)
	if err != nil {
		if media != nil {
			_ = media.discard()
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	params := models.JobParams{
		ID:         h.newID(),
		SourceType: req.SourceType,
		Scope:      scope,
		TargetID:   req.TargetID,
		Quality:    req.Quality,
		Language:   req.Language,
		Title:      req.Title,
		Visibility: models.Visibility{Published: req.Published, Downloadable: req.Downloadable},
		URL:        req.URL,
	}
	var release func() error
	if media != nil {
		params.File = &models.FilePayload{
			Name:        media.originalName,
			Size:        media.size,
			ContentType: media.contentType,
			Body:        media.file,
		}
		release = media.discard
	}

	job, err := models.NewJob(params, release)
	if err != nil {
		if media != nil {
			_ = media.discard()
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := logging.ContextWithJobID(r.Context(), job.ID)
	if err := h.Jobs.Submit(ctx, job); err != nil {
		if releaseErr := job.Release(); releaseErr != nil {
			h.logger().Warn("failed to release rejected job", "job_id", job.ID, "error", releaseErr)
		}
		writeError(w, statusForSubmitError(err), err)
		return
	}

	logging.FromContext(ctx, h.logger()).Info("upload accepted",
		"source_type", job.SourceType,
		"scope", job.Scope,
		"target_id", job.TargetID,
		"payload", job.Kind())
	w.Header().Set("Location", "/api/uploads/"+job.ID)
	writeJSON(w, http.StatusAccepted, createUploadResponse{JobID: job.ID, Status: models.StatusQueued})
}

func statusForSubmitError(err error) int {
	switch {
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrCoordinatorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ingest.ErrDuplicateJob):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case upload.KindOf(err) == upload.FailureConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func statusForBodyError(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (h *Handler) UploadStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	state, err := h.Jobs.Status(r.Context(), jobID)
	if errors.Is(err, ingest.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload %s not found", jobID))
		return
	}
	if err != nil {
		h.logger().Error("failed to read job status", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to read job status"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if err := h.Jobs.Cancel(jobID); err != nil {
		if errors.Is(err, ingest.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload %s not found or already finished", jobID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.logger().Info("upload cancellation requested", "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "canceling"})
}
