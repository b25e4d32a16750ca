package lxd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/lock"
	"github.com/burrowstack/burrow/lock/flock"
	"github.com/burrowstack/burrow/lock/mutex"
)

// apiRoot is the versioned API prefix. The host part is ignored by the
// Unix-socket transport.
const apiRoot = "http://lxd/1.0"

// Envelope is the response wrapper every LXD endpoint returns.
// Type is "sync" for immediate results, "async" when Operation references a
// background job, and "error" for failures.
type Envelope struct {
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Operation  string          `json:"operation"`
	ErrorCode  int             `json:"error_code"`
	Error      string          `json:"error"`
	Metadata   json.RawMessage `json:"metadata"`
}

// Client issues control-plane requests against one LXD daemon.
// devLock serializes device-map read-merge-write cycles across every mount
// handler bound to this daemon connection.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	project string
	devLock lock.Locker
}

// New creates a Client for the given HTTP client and API base URL.
// A nil devLock falls back to in-process exclusion.
func New(hc *retryablehttp.Client, baseURL, project string, devLock lock.Locker) *Client {
	if devLock == nil {
		devLock = mutex.New()
	}
	return &Client{http: hc, baseURL: strings.TrimSuffix(baseURL, "/"), project: project, devLock: devLock}
}

// NewSocketClient creates a Client over the daemon's Unix socket, with a
// flock-backed device lock so concurrent burrow processes serialize too.
func NewSocketClient(conf *config.Config) *Client {
	return New(hypervisor.NewSocketHTTPClient(conf.SocketPath), apiRoot, conf.Project, flock.New(conf.DeviceLockFile()))
}

// VirtualMachinesURL is the collection endpoint used for creation.
func (c *Client) VirtualMachinesURL() string {
	return c.baseURL + "/virtual-machines"
}

// VirtualMachineURL is the per-instance endpoint used for lifecycle,
// resize and device operations.
func (c *Client) VirtualMachineURL(name string) string {
	return c.baseURL + "/virtual-machines/" + name
}

// NetworkLeasesURL is the DHCP lease table for one bridge.
func (c *Client) NetworkLeasesURL(bridge string) string {
	return c.baseURL + "/networks/" + bridge + "/leases"
}

func (c *Client) operationURL(id string) string {
	return c.baseURL + "/operations/" + id
}

// withProject scopes a URL to the client's project.
func (c *Client) withProject(rawURL string) string {
	if c.project == "" {
		return rawURL
	}
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + "project=" + url.QueryEscape(c.project)
}

// Do performs one synchronous control-plane call and parses the JSON
// envelope. timeout bounds this single round trip; zero means the transport
// default. Failures are classified: an unreachable daemon yields an
// UnavailableError, a missing resource a NotFoundError, and any other error
// envelope a plain error carrying the daemon's message.
func (c *Client) Do(ctx context.Context, method, rawURL string, body any, timeout time.Duration) (*Envelope, error) {
	rawURL = c.withProject(rawURL)

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s body: %w", method, rawURL, err)
		}
		payload = bytes.NewReader(data)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, payload)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, rawURL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &hypervisor.UnavailableError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", rawURL, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse response from %s: %w", rawURL, err)
	}

	if resp.StatusCode == http.StatusNotFound || env.ErrorCode == http.StatusNotFound {
		return nil, &hypervisor.NotFoundError{Resource: method + " " + rawURL}
	}
	if env.Type == "error" {
		return nil, fmt.Errorf("%s %s: %s (code %d)", method, rawURL, env.Error, env.ErrorCode)
	}
	return &env, nil
}
