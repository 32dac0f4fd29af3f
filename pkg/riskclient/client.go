package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the risk API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// MaxRetries bounds retries of throttled (429) requests (default: 2).
	MaxRetries int
	// MaxRetryWait caps a single Retry-After wait (default: 5s).
	MaxRetryWait time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the API served at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		MaxRetries:   2,
		MaxRetryWait: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Predict scores one snapshot for userID.
func (c *Client) Predict(ctx context.Context, userID string, snapshot Snapshot) (*Prediction, error) {
	body, err := withUserID(snapshot, userID)
	if err != nil {
		return nil, err
	}
	var out Prediction
	if err := c.do(ctx, http.MethodPost, "/predict", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession classifies a finished session.
func (c *Client) EndSession(ctx context.Context, userID string, snapshots []Snapshot) (*SessionOutcome, error) {
	req := struct {
		UserID    string     `json:"user_id"`
		Snapshots []Snapshot `json:"snapshots"`
	}{userID, snapshots}
	var out SessionOutcome
	if err := c.do(ctx, http.MethodPost, "/end-session", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoreDeviceProfile enrolls the user's device.
func (c *Client) StoreDeviceProfile(ctx context.Context, userID string, profile DeviceProfile) error {
	return c.do(ctx, http.MethodPost, "/store-device-profile/"+url.PathEscape(userID), profile, nil)
}

// DeviceProfile returns the enrolled device, or nil if none.
func (c *Client) DeviceProfile(ctx context.Context, userID string) (*DeviceProfile, error) {
	var out struct {
		Profile *DeviceProfile `json:"device_profile"`
	}
	if err := c.do(ctx, http.MethodGet, "/device-profile/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return out.Profile, nil
}

// ModelMeta returns the user's model metadata, or nil before first training.
func (c *Client) ModelMeta(ctx context.Context, userID string) (*ModelMeta, error) {
	var out ModelMeta
	if err := c.do(ctx, http.MethodGet, "/model-meta/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	if out.UserID == "" {
		return nil, nil
	}
	return &out, nil
}

// AllUsersMeta lists metadata for every trained user.
func (c *Client) AllUsersMeta(ctx context.Context) ([]UserMeta, error) {
	var out []UserMeta
	if err := c.do(ctx, http.MethodGet, "/all-users-meta", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns recent sessions and risk log, or nil if the user has no
// accepted sessions.
func (c *Client) History(ctx context.Context, userID string) (*History, error) {
	var out History
	if err := c.do(ctx, http.MethodGet, "/session-data/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	if out.UserID == "" {
		return nil, nil
	}
	return &out, nil
}

// Reset deletes everything stored for the user.
func (c *Client) Reset(ctx context.Context, userID string) (*ResetResult, error) {
	var out ResetResult
	if err := c.do(ctx, http.MethodDelete, "/reset-user-data/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends the request, retrying while the server throttles, and decodes a
// 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < c.MaxRetries {
			wait := c.retryAfter(resp)
			drain(resp)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		return decode(resp, out)
	}
}

func (c *Client) retryAfter(resp *http.Response) time.Duration {
	wait := time.Second
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs >= 0 {
		wait = time.Duration(secs) * time.Second
	}
	if c.MaxRetryWait > 0 && wait > c.MaxRetryWait {
		wait = c.MaxRetryWait
	}
	return wait
}

func decode(resp *http.Response, out any) error {
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// withUserID adds user_id to a snapshot object.
func withUserID(snapshot Snapshot, userID string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &fields); err != nil {
			return nil, fmt.Errorf("snapshot must be a JSON object: %w", err)
		}
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	id, err := json.Marshal(userID)
	if err != nil {
		return nil, err
	}
	fields["user_id"] = id
	return fields, nil
}
