package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/runner"
)

// maxErrorBodyLen bounds how much of a failing response body travels in
// error messages.
const maxErrorBodyLen = 300

// apiClient talks JSON over HTTP to one remote control API domain (vm
// or proxy) with bearer-token auth and a response timeout.
type apiClient struct {
	domain  string
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(domain, baseURL, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		domain:  domain,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) configured() bool { return c.baseURL != "" }

// call performs one request and returns the decoded body plus a
// CommandRun-shaped audit record mirroring what shell execution
// produces. Any HTTP status >= 400 is a hard error carrying the
// truncated response body.
func (c *apiClient) call(ctx context.Context, method, endpoint string, payload any) (map[string]any, runner.CommandRun, error) {
	if !c.configured() {
		return nil, runner.CommandRun{}, errdefs.Unavailable("%s API base URL is not configured", c.domain)
	}
	url := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")

	var body io.Reader
	payloadBytes := 0
	if method != http.MethodGet {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, runner.CommandRun{}, errdefs.Internal("encode %s API payload: %v", c.domain, err)
		}
		if payload == nil {
			raw = []byte("{}")
		}
		payloadBytes = len(raw)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, runner.CommandRun{}, errdefs.Internal("build %s API request: %v", c.domain, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, runner.CommandRun{}, errdefs.Unavailable("%s API unreachable: %v", c.domain, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, runner.CommandRun{}, errdefs.Unavailable("%s API read response: %v", c.domain, err)
	}
	if resp.StatusCode >= 400 {
		return nil, runner.CommandRun{}, errdefs.Unavailable("%s API returned HTTP %d: %s", c.domain, resp.StatusCode, truncate(string(raw), maxErrorBodyLen))
	}

	parsed := map[string]any{}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			parsed = map[string]any{"raw": string(raw)}
		}
	}

	run := runner.CommandRun{
		Command:    []string{"api:" + c.domain, method + " " + url},
		ReturnCode: 0,
		Stdout:     truncate(string(raw), 4000),
		Note:       fmt.Sprintf("payload_bytes=%d", payloadBytes),
	}
	return parsed, run, nil
}

// apiFailureRun records a failed API attempt so fallback audit trails
// show why shell took over.
func apiFailureRun(domain, endpoint string, err error) runner.CommandRun {
	return runner.CommandRun{
		Command:    []string{"api:" + domain, endpoint},
		Simulated:  true,
		ReturnCode: 1,
		Note:       "fallback: " + err.Error(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func asInt(value any, fallback int) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

func asString(value any, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}

func asStringSlice(value any) []string {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}
