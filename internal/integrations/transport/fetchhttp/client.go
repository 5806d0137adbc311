package fetchhttp

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/BearBump/CourierBox/internal/integrations/transport"
	"github.com/pkg/errors"
)

// Client is the browser-like transport: plain net/http with a cookie jar,
// so the backend session cookie rides along like credentials: 'include'.
type Client struct {
	baseURL string
	headers map[string]string
	httpc   *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://domipancho.com"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL: baseURL,
		httpc: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

// WithHeaders adds headers sent on every request (e.g. a session cookie
// provisioned out of band).
func (c *Client) WithHeaders(h map[string]string) *Client {
	c.headers = h
	return c
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

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, transport.MethodOrGet(req.Method), u, rdr)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range transport.DefaultHeaders(req.Headers) {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, transport.RequestFailed(err, endpoint)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.RequestFailed(errors.Wrap(err, "read body"), endpoint)
	}
	return &transport.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       b,
	}, nil
}
