package upload

import (
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 4 << 10

// ResponseDetail reads a bounded slice of a vendor error response for use as
// failure detail.
func ResponseDetail(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		return resp.Status
	}
	return resp.Status + ": " + detail
}

// Drain discards the rest of body and closes it so the connection can be reused.
func Drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

// IsSuccess reports a 2xx status code.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
