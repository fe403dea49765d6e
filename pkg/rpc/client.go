package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/babylonwatch/sentinel/pkg/utils"
	"go.uber.org/zap"
)

// Client issues REST calls against one of a set of node endpoints for a single
// network. On transport failure or a non-2xx response it advances to the next
// endpoint round-robin and retries; after one full rotation without success
// the call fails with a terminal error. Endpoint selection is session-local.
type Client struct {
	network   string
	endpoints []string
	client    *http.Client
	logger    *zap.Logger
	cursor    atomic.Uint64

	onRotate func()
}

// Opts is the set of options for a new Client.
type Opts struct {
	Network    string
	Endpoints  []string
	Timeout    time.Duration
	HTTPClient *http.Client

	// OnRotate is invoked once per endpoint advance, for instrumentation.
	OnRotate func()
}

// NewClient creates a Client with the given options.
func NewClient(logger *zap.Logger, o Opts) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	} else if hc.Timeout == 0 {
		hc.Timeout = o.Timeout
	}
	onRotate := o.OnRotate
	if onRotate == nil {
		onRotate = func() {}
	}
	return &Client{
		network:   o.Network,
		endpoints: utils.Dedup(o.Endpoints),
		client:    hc,
		logger:    logger.Named("rpc"),
		onRotate:  onRotate,
	}
}

// Get issues an HTTP GET for path with the given query values and decodes the
// JSON response into out. The rotation cursor survives across calls so a bad
// endpoint is not retried first on the next call.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("no endpoints configured for %s", c.network)
	}

	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		ep := c.endpoints[c.cursor.Load()%uint64(len(c.endpoints))]

		target := ep + path
		if len(query) > 0 {
			target += "?" + query.Encode()
		}
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if reqErr != nil {
			// Request creation failed: not an endpoint failure, just return.
			return reqErr
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.rotate(ep, err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("http %d from %s", resp.StatusCode, ep)
			_ = utils.DrainAndClose(resp.Body)
			c.rotate(ep, lastErr)
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				_ = utils.DrainAndClose(resp.Body)
				lastErr = fmt.Errorf("decode %s: %w", path, err)
				c.rotate(ep, lastErr)
				continue
			}
		}
		if cerr := utils.DrainAndClose(resp.Body); cerr != nil {
			return cerr
		}
		return nil
	}

	return fmt.Errorf("all %d endpoints failed for %s: %w", len(c.endpoints), path, lastErr)
}

func (c *Client) rotate(ep string, err error) {
	c.cursor.Add(1)
	c.onRotate()
	c.logger.Warn("endpoint failed, rotating",
		zap.String("network", c.network),
		zap.String("endpoint", ep),
		zap.Error(err))
}

// Network returns the network this client serves.
func (c *Client) Network() string { return c.network }
