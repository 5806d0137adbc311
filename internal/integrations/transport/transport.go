package transport

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/BearBump/CourierBox/internal/errs"
	"github.com/pkg/errors"
)

const (
	HeaderRequestedWith = "X-Requested-With"
	RequestedWithXHR    = "XMLHttpRequest"
	ContentTypeJSON     = "application/json"
)

var (
	ErrRequestFailed   = errs.New(errs.CodeRequestFailed, "")
	ErrNonJSONResponse = errs.New(errs.CodeNonJSONResponse, "")
	ErrInvalidJSON     = errs.New(errs.CodeInvalidJSON, "")
	ErrLoginRedirect   = errs.New(errs.CodeLoginRedirect, "")
)

// Request is the platform-neutral request. Body is JSON-encoded when non-nil.
type Request struct {
	Method  string
	Headers map[string]string
	Body    any
}

// Response is the normalized result from every Transport.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

func (r *Response) Text() string {
	return string(r.Body)
}

var loginPageRe = regexp.MustCompile(`(?i)(type=["']?password|/login|iniciar sesi)`)

// JSON decodes the body into v. A body that is not declared as JSON is
// rejected instead of parsed; an HTML login page means the session is gone.
func (r *Response) JSON(v any) error {
	if !IsJSONContentType(r.Header.Get("Content-Type")) {
		if looksLikeLoginPage(r) {
			return errs.Wrap(errs.CodeLoginRedirect, ErrNonJSONResponse, "").
				WithDetails(map[string]any{"status": r.StatusCode})
		}
		return errs.New(errs.CodeNonJSONResponse, "").
			WithDetails(map[string]any{"status": r.StatusCode, "contentType": r.Header.Get("Content-Type")})
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errs.Wrap(errs.CodeInvalidJSON, err, "")
	}
	return nil
}

func looksLikeLoginPage(r *Response) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "html") {
		return false
	}
	return loginPageRe.Match(r.Body)
}

func IsJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == ContentTypeJSON || strings.HasSuffix(mt, "+json")
}

// Transport sends a request to endpoint and returns the normalized response.
// Network failures are RequestError values matching ErrRequestFailed.
type Transport interface {
	Do(ctx context.Context, endpoint string, req Request) (*Response, error)
}

// RequestFailed wraps a network-level failure.
func RequestFailed(err error, endpoint string) error {
	return errs.Wrap(errs.CodeRequestFailed, err, "request failed").
		WithDetails(map[string]any{"endpoint": endpoint})
}

// ResolveURL joins a relative endpoint to baseURL. Absolute http(s)
// endpoints are returned as is.
func ResolveURL(baseURL, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint, nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse base url")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse endpoint")
	}
	return base.ResolveReference(ref).String(), nil
}

// DefaultHeaders returns the headers every request carries, merged with extra.
func DefaultHeaders(extra map[string]string) map[string]string {
	h := map[string]string{
		"Content-Type":      ContentTypeJSON,
		HeaderRequestedWith: RequestedWithXHR,
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

// EncodeBody marshals body, returning nil for a nil body.
func EncodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if b, ok := body.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request body")
	}
	return b, nil
}

func MethodOrGet(m string) string {
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}
