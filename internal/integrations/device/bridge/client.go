package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/integrations/transport/nativebridge"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/pkg/errors"
)

// Error codes reported by the device shell for location requests.
const (
	codePermissionDenied    = "PERMISSION_DENIED"
	codeTimeout             = "TIMEOUT"
	codePositionUnavailable = "POSITION_UNAVAILABLE"
)

// Client talks to the device shell sidecar. It is the native HTTP tunnel,
// the location provider and the local notification scheduler.
type Client struct {
	baseURL    string
	watchEvery time.Duration
	httpc      *http.Client
}

var (
	_ nativebridge.Bridge = (*Client)(nil)
	_ tracking.Locator    = (*Client)(nil)
)

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	return &Client{
		baseURL:    baseURL,
		watchEvery: 5 * time.Second,
		httpc: &http.Client{
			// Position requests may legitimately take up to a minute.
			Timeout: 90 * time.Second,
		},
	}
}

// WithWatchInterval sets how often Watch samples the current position.
func (c *Client) WithWatchInterval(d time.Duration) *Client {
	if d > 0 {
		c.watchEvery = d
	}
	return c
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return errors.Wrap(err, "join bridge url")
	}
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal bridge request")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return bridgeError(resp.StatusCode, eb)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}

func bridgeError(status int, eb errorBody) error {
	switch eb.Code {
	case codePermissionDenied:
		return tracking.ErrPermissionDenied
	case codeTimeout:
		return tracking.ErrTimeout
	case codePositionUnavailable:
		return tracking.ErrPositionUnavailable
	}
	if eb.Message != "" {
		return fmt.Errorf("device bridge http %d: %s", status, eb.Message)
	}
	return fmt.Errorf("device bridge http %d", status)
}

func (c *Client) Request(ctx context.Context, req nativebridge.NativeRequest) (nativebridge.NativeResponse, error) {
	var out nativebridge.NativeResponse
	if err := c.call(ctx, http.MethodPost, "/http", req, &out); err != nil {
		return nativebridge.NativeResponse{}, errors.Wrap(err, "native http")
	}
	return out, nil
}

type permissionBody struct {
	Location models.PermissionStatus `json:"location"`
}

func (c *Client) CheckPermission(ctx context.Context) (models.PermissionStatus, error) {
	var out permissionBody
	if err := c.call(ctx, http.MethodGet, "/location/permission", nil, &out); err != nil {
		return models.PermissionPrompt, errors.Wrap(err, "check permission")
	}
	switch out.Location {
	case models.PermissionGranted, models.PermissionDenied:
		return out.Location, nil
	default:
		return models.PermissionPrompt, nil
	}
}

type positionRequest struct {
	EnableHighAccuracy bool  `json:"enableHighAccuracy"`
	TimeoutMs          int64 `json:"timeout"`
	MaximumAgeMs       int64 `json:"maximumAge"`
}

type positionBody struct {
	Coords struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy"`
	} `json:"coords"`
	// Milliseconds since the epoch.
	Timestamp int64 `json:"timestamp"`
}

func (c *Client) CurrentPosition(ctx context.Context, opts tracking.PositionOptions) (models.Position, error) {
	var out positionBody
	err := c.call(ctx, http.MethodPost, "/location/current", positionRequest{
		EnableHighAccuracy: opts.HighAccuracy,
		TimeoutMs:          opts.Timeout.Milliseconds(),
		MaximumAgeMs:       opts.MaximumAge.Milliseconds(),
	}, &out)
	if err != nil {
		// Keep the sentinels matchable with errors.Is.
		return models.Position{}, errors.Wrap(err, "current position")
	}
	ts := time.Now().UTC()
	if out.Timestamp > 0 {
		ts = time.UnixMilli(out.Timestamp).UTC()
	}
	return models.Position{
		Latitude:  out.Coords.Latitude,
		Longitude: out.Coords.Longitude,
		Accuracy:  out.Coords.Accuracy,
		Timestamp: ts,
	}, nil
}

// Watch samples CurrentPosition every watch interval. Failed samples are
// skipped; a denial ends the stream.
func (c *Client) Watch(ctx context.Context, opts tracking.PositionOptions) (<-chan models.Position, error) {
	out := make(chan models.Position)
	go func() {
		defer close(out)
		t := time.NewTicker(c.watchEvery)
		defer t.Stop()
		for {
			p, err := c.CurrentPosition(ctx, opts)
			switch {
			case err == nil:
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			case errors.Is(err, tracking.ErrPermissionDenied):
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return out, nil
}

// Schedule shows a local notification on the device.
func (c *Client) Schedule(ctx context.Context, n messages.LocalNotification) error {
	return errors.Wrap(c.call(ctx, http.MethodPost, "/notifications/local", n, nil), "schedule local notification")
}
