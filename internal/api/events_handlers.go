package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"videoingest/internal/ingest"
	"videoingest/internal/models"
)

// UploadEvents streams a job's progress as Server-Sent Events until the
// terminal event is written or the client goes away.
func (h *Handler) UploadEvents(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	state, err := h.Jobs.Status(r.Context(), jobID)
	if errors.Is(err, ingest.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload %s not found", jobID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errors.New("failed to read job status"))
		return
	}

	controller := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	_ = controller.SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	if state.Status.Terminal() {
		w.WriteHeader(http.StatusOK)
		_ = writeEvent(w, eventFromState(state))
		_ = controller.Flush()
		return
	}

	sub, err := h.Events.Subscribe(r.Context(), jobID)
	if err != nil {
		h.logger().Error("failed to subscribe to job events", "job_id", jobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("progress stream unavailable"))
		return
	}
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	_ = controller.Flush()

	closing := h.streamsDone()
	ticker := time.NewTicker(h.heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closing:
			return
		case <-ticker.C:
			// A subscriber can miss the terminal event; the job state cannot.
			if state, err := h.Jobs.Status(r.Context(), jobID); err == nil && state.Status.Terminal() {
				_ = writeEvent(w, eventFromState(state))
				_ = controller.Flush()
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = controller.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				h.logger().Debug("event stream closed", "job_id", jobID, "error", err)
				return
			}
			_ = controller.Flush()
			if event.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

// eventFromState rebuilds the terminal event of a finished job.
func eventFromState(state models.JobState) models.Event {
	event := models.Event{
		JobID:  state.JobID,
		Status: state.Status,
		Text:   state.Text,
		At:     state.QueuedAt,
	}
	if state.FinishedAt != nil {
		event.At = *state.FinishedAt
	}
	switch state.Status {
	case models.StatusDone:
		event.Type = models.EventDone
		event.Percent = models.IntPtr(100)
		event.VendorID = state.VendorID
		event.PlayerURL = state.PlayerURL
	default:
		event.Type = models.EventError
		event.Error = state.Error
		event.Kind = state.Kind
	}
	return event
}
