package nativebridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/pkg/errors"
)

// NativeRequest is what the native shell's HTTP plugin accepts.
type NativeRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// NativeResponse carries Data already decoded by the shell: a JSON value
// when the server sent JSON, otherwise the raw text as a JSON string.
type NativeResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Data    json.RawMessage   `json:"data"`
}

// Bridge tunnels a request through the native shell, bypassing the
// webview's cross-origin restrictions.
type Bridge interface {
	Request(ctx context.Context, req NativeRequest) (NativeResponse, error)
}

type Client struct {
	baseURL string
	bridge  Bridge
}

func New(baseURL string, bridge Bridge) *Client {
	if baseURL == "" {
		baseURL = "https://domipancho.com"
	}
	return &Client{baseURL: baseURL, bridge: bridge}
}

func (c *Client) Do(ctx context.Context, endpoint string, req transport.Request) (*transport.Response, error) {
	u, err := transport.ResolveURL(c.baseURL, endpoint)
	if err != nil {
		return nil, err
	}
	body, err := transport.EncodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	nr, err := c.bridge.Request(ctx, NativeRequest{
		URL:     u,
		Method:  transport.MethodOrGet(req.Method),
		Headers: transport.DefaultHeaders(req.Headers),
		Data:    body,
	})
	if err != nil {
		return nil, transport.RequestFailed(errors.Wrap(err, "native bridge"), endpoint)
	}
	return normalize(nr), nil
}

// normalize turns the shell's decoded payload back into bytes so callers
// see the same Response regardless of transport.
func normalize(nr NativeResponse) *transport.Response {
	h := http.Header{}
	for k, v := range nr.Headers {
		h.Set(k, v)
	}
	ct := h.Get("Content-Type")

	var body []byte
	var text string
	if len(nr.Data) > 0 && json.Unmarshal(nr.Data, &text) == nil && !transport.IsJSONContentType(ct) {
		// Non-JSON bodies arrive as a plain string.
		body = []byte(text)
	} else {
		body = []byte(nr.Data)
		if ct == "" && len(body) > 0 && looksLikeJSON(body) {
			h.Set("Content-Type", transport.ContentTypeJSON)
		}
	}
	return &transport.Response{StatusCode: nr.Status, Header: h, Body: body}
}

func looksLikeJSON(b []byte) bool {
	s := strings.TrimSpace(string(b))
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
