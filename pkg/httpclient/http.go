package httpclient

import (
	"context"
	"net/http"
)

type BaseResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// HTTPClient is safe for concurrent use by multiple callers sharing one
// connection pool.
type HTTPClient interface {
	// Get returns the raw body and headers. Non-2xx statuses are not errors;
	// callers classify them from StatusCode.
	Get(ctx context.Context, endpoint string, queryParams map[string]string) (*BaseResponse, error)
	// Close releases idle pooled connections. The client remains usable and
	// will dial again on the next request.
	Close()
}
