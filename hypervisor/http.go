package hypervisor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// DefaultRequestTimeout bounds a single control-plane round trip.
	DefaultRequestTimeout = 30 * time.Second
	// transportRetries covers transient connection-level hiccups only;
	// application-level retry policy belongs to the caller.
	transportRetries = 2
)

// NewSocketHTTPClient creates a retrying HTTP client that dials a Unix
// domain socket. Retries apply to connection failures and HTTP 5xx; the
// backoff window is kept short so an absent socket surfaces quickly as
// an UnavailableError upstream.
func NewSocketHTTPClient(socketPath string) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = transportRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{
		Timeout: DefaultRequestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
	return rc
}

// NewHTTPClient creates a retrying HTTP client over TCP with the same retry
// policy as NewSocketHTTPClient. Used when the daemon is reached over the
// network instead of a local socket.
func NewHTTPClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = transportRetries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	return rc
}

// CheckSocket verifies that a Unix domain socket is connectable.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return err
	}
	return conn.Close()
}
