package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes caps how much of a response body is read into node output.
const maxResponseBytes = 1 << 20

// runHTTPRequest performs one HTTP call. Non-2xx responses are node output,
// not node failure; transport errors fail the node.
func runHTTPRequest(ctx context.Context, cfg ResolvedConfig, _ StateView) (map[string]any, error) {
	url := cfg.String("url", "")
	if url == "" {
		return nil, fmt.Errorf("http_request %s: url is required", cfg.NodeID)
	}
	method := strings.ToUpper(cfg.String("method", http.MethodGet))

	var body io.Reader
	if payload := cfg.String("body", ""); payload != "" {
		body = strings.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("http_request %s: %w", cfg.NodeID, err)
	}
	if headers, ok := cfg.ExtraConfig["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: time.Duration(cfg.Int("timeout_seconds", 30)) * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request %s: %w", cfg.NodeID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("http_request %s: read body: %w", cfg.NodeID, err)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(data),
		"headers":     respHeaders,
	}, nil
}
