package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/salon-bookings/pkg/logger"
)

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string) *ServiceProxy {
	return &ServiceProxy{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ProxyRequest forwards one call to the upstream service. path includes the
// raw query when there is one.
func (p *ServiceProxy) ProxyRequest(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	url := p.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range headers {
		if !shouldCopyHeader(key) {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	// Add request ID for tracing
	if requestID, ok := ctx.Value(logger.RequestIDKey).(string); ok {
		req.Header.Set("X-Request-ID", requestID)
	}
	req.Header.Set("X-Gateway-Forwarded", "true")

	logger.DebugContext(ctx, "Proxying request",
		"method", method,
		"url", url,
	)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-connection":    true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
}

func shouldCopyHeader(key string) bool {
	return !hopByHop[strings.ToLower(key)]
}
