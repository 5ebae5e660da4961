package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// Request is one exchange against the device, described at the level the
// core cares about. Form non-nil means a form-encoded POST body.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
}

// Response is the raw result of an exchange. The body is fully read so the
// decoder can be retried without re-reading the wire.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs HTTP exchanges against the device. Implementations
// own connection handling, cookie persistence and per-call timeouts.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportConfig holds the parameters for the default HTTP transport.
type TransportConfig struct {
	// BaseURL is the device root, e.g. "http://192.168.1.1".
	BaseURL string
	// Timeout applies per call, not per logical operation.
	Timeout time.Duration
	// ProxyURL optionally routes exchanges through an HTTP proxy. Empty
	// means honor the environment.
	ProxyURL string
	// Interceptors run in order on every request and response.
	Interceptors []Interceptor
	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

const defaultUserAgent = "tianyi-api"

type httpTransport struct {
	baseURL      *url.URL
	http         *http.Client
	interceptors []Interceptor
}

// NewTransport builds the default transport: cookie jar scoped by public
// suffix, optional proxy, interceptor chain with default headers.
func NewTransport(config TransportConfig) (Transport, error) {
	baseURL, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed parsing base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL %q must include scheme and host", config.BaseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed creating cookiejar: %w", err)
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.ProxyURL != "" {
		proxyURL, err := url.Parse(config.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("failed parsing proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	interceptors := []Interceptor{&DefaultHeadersInterceptor{headers: map[string]string{
		"User-Agent": userAgent,
		"Accept":     "application/json, text/html;q=0.9, */*;q=0.8",
	}}}
	interceptors = append(interceptors, config.Interceptors...)

	return &httpTransport{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
			Jar:       jar,
		},
		interceptors: interceptors,
	}, nil
}

func (t *httpTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	reqURL := *t.baseURL
	reqURL.Path = req.Path

	query := url.Values{}
	for key, values := range req.Query {
		query[key] = values
	}
	// The admin UI sends a throwaway nonce on every call to defeat caches;
	// the device ignores its value.
	query.Set("_", uuid.NewString())
	reqURL.RawQuery = query.Encode()

	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL.String(), body)
	if err != nil {
		return nil, &TransportError{Operation: req.Path, Cause: err, Retryable: false}
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	for _, interceptor := range t.interceptors {
		if err := interceptor.InterceptRequest(httpReq); err != nil {
			return nil, &TransportError{Operation: req.Path, Cause: err, Retryable: false}
		}
	}

	httpResp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Operation: req.Path, Cause: err, Retryable: true}
	}
	defer httpResp.Body.Close()

	for _, interceptor := range t.interceptors {
		if err := interceptor.InterceptResponse(httpResp); err != nil {
			return nil, &TransportError{Operation: req.Path, Cause: err, Retryable: false}
		}
	}

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Operation: req.Path, Cause: err, Retryable: true}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       raw,
	}, nil
}
