package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"videoingest/internal/models"
)

// SubmitRequest mirrors the upload form accepted by POST /api/uploads.
type SubmitRequest struct {
	Scope        string `json:"scope"`
	TargetID     string `json:"targetId"`
	SourceType   string `json:"sourceType"`
	Quality      string `json:"quality,omitempty"`
	Language     string `json:"language,omitempty"`
	Title        string `json:"title,omitempty"`
	Published    bool   `json:"published"`
	Downloadable bool   `json:"downloadable"`
	URL          string `json:"url,omitempty"`
}

type SubmitResponse struct {
	JobID  string        `json:"jobId"`
	Status models.Status `json:"status"`
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the ingest HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("server must be an http(s) URL, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: base, http: httpClient}, nil
}

// SubmitURL asks the service to pull the media from req.URL.
func (c *Client) SubmitURL(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", strings.NewReader(string(body)))
	if err != nil {
		return SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	var resp SubmitResponse
	err = c.do(httpReq, http.StatusAccepted, &resp)
	return resp, err
}

// SubmitFile streams the file at path as a multipart upload. Form fields go
// first so the service can reject a bad request before reading the file.
func (c *Client) SubmitFile(ctx context.Context, req SubmitRequest, path string) (SubmitResponse, error) {
	file, err := os.Open(path)
	if err != nil {
		return SubmitResponse{}, err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(form, req, file, filepath.Base(path)))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", pr)
	if err != nil {
		_ = pr.Close()
		return SubmitResponse{}, err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	var resp SubmitResponse
	err = c.do(httpReq, http.StatusAccepted, &resp)
	_ = pr.Close()
	return resp, err
}

func writeForm(form *multipart.Writer, req SubmitRequest, file io.Reader, name string) error {
	fields := []struct{ key, value string }{
		{"scope", req.Scope},
		{"targetId", req.TargetID},
		{"sourceType", req.SourceType},
		{"quality", req.Quality},
		{"language", req.Language},
		{"title", req.Title},
		{"published", strconv.FormatBool(req.Published)},
		{"downloadable", strconv.FormatBool(req.Downloadable)},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := form.WriteField(field.key, field.value); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}

func (c *Client) Status(ctx context.Context, jobID string) (models.JobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID), nil)
	if err != nil {
		return models.JobState{}, err
	}
	var state models.JobState
	err = c.do(req, http.StatusOK, &state)
	return state, err
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.jobURL(jobID), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusAccepted, nil)
}

func (c *Client) Providers(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/providers", nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		SourceTypes []string `json:"sourceTypes"`
	}
	err = c.do(req, http.StatusOK, &body)
	return body.SourceTypes, err
}

// Watch delivers each event of the job's stream to fn until the terminal
// event, the end of the stream, or an error from fn.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(models.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	reader := bufio.NewReader(resp.Body)
	var data strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event models.Event
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(event); err != nil {
				return err
			}
			if event.Terminal() {
				return nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (c *Client) jobURL(jobID string) string {
	return c.baseURL + "/api/uploads/" + url.PathEscape(jobID)
}

func (c *Client) do(req *http.Request, want int, dest interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return decodeAPIError(resp)
	}
	if dest == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Message = body.Error
	}
	return apiErr
}
