package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient is the transport shared by the HTTP adapters.
type HTTPClient struct {
	c *http.Client
}

// NewHTTPClient creates a client with the per-call timeout applied.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{c: &http.Client{Timeout: timeout}}
}

func (h *HTTPClient) do(ctx context.Context, name string, req *http.Request, out any) error {
	resp, err := h.c.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrClassifierUnavailable, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		status := fmt.Errorf("%s %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrClassifierUnavailable, status)
		}
		return fmt.Errorf("%w: %v", ErrClassifierFailure, status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s decode: %v", ErrClassifierFailure, name, err)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
