package signals

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	DefaultReadinessURL     = "http://127.0.0.1:8188/"
	DefaultReadinessTimeout = 2 * time.Second
)

// HTTPReadiness probes the workload's local HTTP endpoint. Any 2xx or 3xx
// answer counts as ready.
type HTTPReadiness struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func (h *HTTPReadiness) Ready(ctx context.Context) bool {
	url := h.URL
	if url == "" {
		url = DefaultReadinessURL
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultReadinessTimeout
	}
	client := h.Client
	if client == nil {
		client = &http.Client{
			// A redirect means the server is up.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("invalid readiness url", "url", url, "error", err)
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("workload not ready", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
