package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 10 * 1024 * 1024

// HTTP POSTs each payload to URL. 2xx is success; 408, 429, 5xx and transport
// errors are transient; any other status is permanent.
type HTTP struct {
	URL    string
	Client *http.Client
}

func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTP) Process(ctx context.Context, p Payload) (Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", p.TaskID)

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("post %s: %w", h.URL, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, Transient(fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Output: asJSON(data)}, nil
	case retryableStatus(resp.StatusCode):
		return Result{}, Transient(fmt.Errorf("processor returned %s: %s", resp.Status, tail(string(data), maxStderr)))
	default:
		return Result{}, Permanent(fmt.Errorf("processor returned %s: %s", resp.Status, tail(string(data), maxStderr)))
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
