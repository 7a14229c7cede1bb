// -------------------------------------------------------------------------------
// Remote - HTTP Collaborators
//
// Project: Yggdrasil
//
// Outbound HTTP clients used by the request handlers: the content fetcher,
// the lifecycle notifier and the import deliverer. All share an instrumented
// transport so outbound calls join the request's trace.
// -------------------------------------------------------------------------------

package remote

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxErrorBody bounds how much of an error response is quoted in errors.
const maxErrorBody = 512

// ErrTooLarge is returned when a download exceeds the configured limit.
var ErrTooLarge = errors.New("response exceeds size limit")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// newHTTPClient returns a traced client with the given overall timeout.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// checkStatus turns a non-2xx response into a *StatusError. The body is not
// closed.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		URL:        resp.Request.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
