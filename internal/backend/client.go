package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	contentTypeJSON = "application/json"
	acceptAudio     = "audio/wav"

	// maxErrorBody caps how much of a failed response is kept for logs.
	maxErrorBody = 4 << 10
)

// StatusError is returned when an engine answers with a non-2xx status. Body
// is kept for logs only and never forwarded to gateway callers.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.StatusCode, e.Body)
}

// Timeouts bound each outbound call. Probe must be shorter than Call.
type Timeouts struct {
	Probe  time.Duration
	Roster time.Duration
	Call   time.Duration
}

// Client performs the HTTP calls of every engine family.
type Client struct {
	http     *http.Client
	timeouts Timeouts
}

func NewClient(httpClient *http.Client, timeouts Timeouts) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, timeouts: timeouts}
}

// Probe performs a cheap roster call with the probe timeout. Any 2xx answer
// counts as healthy.
func (c *Client) Probe(ctx context.Context, inst Instance) error {
	ctx, cancel := withTimeout(ctx, c.timeouts.Probe)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.endpoint(inst.Paths.Roster), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// FetchRoster downloads and decodes the roster of inst.
func (c *Client) FetchRoster(ctx context.Context, family Family, inst Instance) ([]Speaker, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Roster)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.endpoint(inst.Paths.Roster), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	speakers, err := family.ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("decode roster from %s: %w", inst.BaseURL, err)
	}
	return speakers, nil
}

// postQuery sends a bodiless POST carrying only query parameters and
// returns the decoded JSON object.
func (c *Client) postQuery(ctx context.Context, endpoint string, params url.Values) (map[string]any, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Call)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out map[string]any
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// postAudio POSTs body as JSON and returns the raw audio response.
func (c *Client) postAudio(ctx context.Context, endpoint string, params url.Values, body any) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, c.timeouts.Call)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", acceptAudio)
	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("engine %s returned empty audio", endpoint)
	}
	return data, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.URL.Host, err)
	}
	return data, nil
}

// withTimeout bounds ctx by d. A zero timeout leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
