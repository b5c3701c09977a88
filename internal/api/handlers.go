package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"videoingest/internal/broadcast"
	"videoingest/internal/models"
)

const (
	defaultMaxUploadBytes = 8 << 30
	defaultHeartbeat      = 15 * time.Second
)

// Jobs is the coordinator surface the handlers drive. *ingest.Coordinator
// satisfies it.
type Jobs interface {
	Submit(ctx context.Context, job *models.Job) error
	Cancel(jobID string) error
	Status(ctx context.Context, jobID string) (models.JobState, error)
	SourceTypes() []string
}

// Pinger is implemented by collaborators covered by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Jobs    Jobs
	Events  broadcast.Broadcaster
	Catalog Pinger
	Logger  *slog.Logger

	// TempDir receives multipart file parts until the job is released.
	TempDir        string
	MaxUploadBytes int64
	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
	NewID     func() string

	streamsMu sync.Mutex
	streams   chan struct{}
}

func NewHandler(jobs Jobs, events broadcast.Broadcaster, catalog Pinger) *Handler {
	return &Handler{Jobs: jobs, Events: events, Catalog: catalog}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/uploads", h.CreateUpload)
	mux.HandleFunc("GET /api/uploads/{id}", h.UploadStatus)
	mux.HandleFunc("DELETE /api/uploads/{id}", h.CancelUpload)
	mux.HandleFunc("GET /api/uploads/{id}/events", h.UploadEvents)
	mux.HandleFunc("GET /api/providers", h.Providers)
	mux.HandleFunc("GET /healthz", h.Health)
}

// CloseStreams ends every open event stream. The server calls it when
// shutdown begins, since Shutdown does not interrupt active responses.
func (h *Handler) CloseStreams() {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if h.streams == nil {
		h.streams = make(chan struct{})
	}
	select {
	case <-h.streams:
	default:
		close(h.streams)
	}
}

func (h *Handler) streamsDone() <-chan struct{} {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if h.streams == nil {
		h.streams = make(chan struct{})
	}
	return h.streams
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) tempDir() string {
	if h.TempDir == "" {
		return os.TempDir()
	}
	return h.TempDir
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes <= 0 {
		return defaultMaxUploadBytes
	}
	return h.MaxUploadBytes
}

func (h *Handler) heartbeat() time.Duration {
	if h.Heartbeat <= 0 {
		return defaultHeartbeat
	}
	return h.Heartbeat
}

func (h *Handler) newID() string {
	if h.NewID != nil {
		return h.NewID()
	}
	return uuid.NewString()
}

type providersResponse struct {
	SourceTypes []string `json:"sourceTypes"`
}

func (h *Handler) Providers(w http.ResponseWriter, r *http.Request) {
	types := h.Jobs.SourceTypes()
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, providersResponse{SourceTypes: types})
}
