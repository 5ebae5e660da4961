package gateway

import "net/http"

// Interceptor can modify outgoing requests and inspect responses.
type Interceptor interface {
	InterceptRequest(req *http.Request) error
	InterceptResponse(resp *http.Response) error
}

// DefaultHeadersInterceptor sets default HTTP headers on every request.
type DefaultHeadersInterceptor struct {
	headers map[string]string
}

// InterceptRequest applies the default headers, without clobbering headers
// a caller already set.
func (d *DefaultHeadersInterceptor) InterceptRequest(req *http.Request) error {
	for key, value := range d.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	return nil
}

// InterceptResponse does nothing.
func (d *DefaultHeadersInterceptor) InterceptResponse(_ *http.Response) error {
	return nil
}
