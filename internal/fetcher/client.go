// Package fetcher executes outbound provider requests with per-host rate
// limiting, retry/backoff, and JSON decoding.
package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/crown-postcodes/harvest-cli/internal/ratelimit"
	"github.com/crown-postcodes/harvest-cli/internal/resilience"
)

// SourceFamily selects which provider family's rate limiter governs a
// request. The two external APIs sustain different request rates.
type SourceFamily string

const (
	FamilyArcGIS   SourceFamily = "arcgis"
	FamilyOverpass SourceFamily = "overpass"
)

// Timeouts separates the connect deadline from the response read deadline.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
}

// DefaultTimeouts returns the timeouts used for provider calls.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 20 * time.Second, Read: 120 * time.Second}
}

// SleepWindow is a randomized post-request pause, used after heavy queries
// to providers that penalize rapid-fire polling.
type SleepWindow struct {
	Min time.Duration
	Max time.Duration
}

// ClientOptions configures a Client.
type ClientOptions struct {
	UserAgent   string
	Timeouts    Timeouts
	Retry       resilience.RetryConfig
	ArcGISRPS   float64
	OverpassRPS float64
}

// Client executes one logical JSON request at a time against rate-limited
// provider hosts. All concurrent source adapters share one Client so that
// per-host buckets actually provide backpressure.
type Client struct {
	http     *http.Client
	opts     ClientOptions
	limiters map[SourceFamily]*ratelimit.HostLimiter
}

// NewClient creates a Client with one independent host limiter per provider
// family.
func NewClient(opts ClientOptions) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = "crown-postcodes/1.2 (+research; contact: configured-email)"
	}
	if opts.Timeouts.Connect == 0 {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.ArcGISRPS <= 0 {
		opts.ArcGISRPS = 5
	}
	if opts.OverpassRPS <= 0 {
		opts.OverpassRPS = 1
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.Timeouts.Connect,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeouts.Connect,
		ResponseHeaderTimeout: opts.Timeouts.Read,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeouts.Connect + opts.Timeouts.Read,
		},
		opts: opts,
		limiters: map[SourceFamily]*ratelimit.HostLimiter{
			FamilyArcGIS:   ratelimit.NewHostLimiter(opts.ArcGISRPS, int(opts.ArcGISRPS)),
			FamilyOverpass: ratelimit.NewHostLimiter(opts.OverpassRPS, 1),
		},
	}
}

// RequestOptions carries the optional parts of one logical request.
type RequestOptions struct {
	Params  url.Values
	Form    url.Values
	Headers map[string]string
	// PostHeavySleep, when set, pauses for a random duration inside the
	// window after a successful response.
	PostHeavySleep *SleepWindow
}

// GetJSON issues a GET expecting a JSON response decoded into T.
func GetJSON[T any](ctx context.Context, c *Client, family SourceFamily, rawURL string, opts RequestOptions) (*T, error) {
	return requestJSON[T](ctx, c, http.MethodGet, family, rawURL, opts)
}

// PostFormJSON issues a form-encoded POST expecting a JSON response decoded
// into T.
func PostFormJSON[T any](ctx context.Context, c *Client, family SourceFamily, rawURL string, opts RequestOptions) (*T, error) {
	return requestJSON[T](ctx, c, http.MethodPost, family, rawURL, opts)
}

func requestJSON[T any](ctx context.Context, c *Client, method string, family SourceFamily, rawURL string, opts RequestOptions) (*T, error) {
	body, err := c.do(ctx, method, family, rawURL, opts)
	if err != nil {
		return nil, err
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrapf(resilience.NewPayloadError(err), "fetcher: invalid json from %s", rawURL)
	}

	if opts.PostHeavySleep != nil {
		c.sleepWindow(ctx, *opts.PostHeavySleep)
	}
	return &out, nil
}

// do runs the rate-limit/send/classify cycle under the retry policy and
// returns the raw response body.
func (c *Client) do(ctx context.Context, method string, family SourceFamily, rawURL string, opts RequestOptions) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	if len(opts.Params) > 0 {
		q := target.Query()
		for k, vs := range opts.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	host := target.Host

	retryCfg := c.opts.Retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(string(family), method+" "+target.Path)
	}

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) ([]byte, error) {
		if lim, ok := c.limiters[family]; ok {
			if err := lim.Acquire(ctx, host); err != nil {
				return nil, eris.Wrap(err, "fetcher: rate limiter wait")
			}
		}
		return c.send(ctx, method, target.String(), opts)
	})
}

func (c *Client) send(ctx context.Context, method, target string, opts RequestOptions) ([]byte, error) {
	var reqBody io.Reader
	if method == http.MethodPost && opts.Form != nil {
		reqBody = strings.NewReader(opts.Form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: build request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures carry their own timeout typing; IsTransient
		// picks them up for the retry policy.
		return nil, eris.Wrap(err, "fetcher: send")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(resilience.NewTransientError(err, resp.StatusCode), "fetcher: read body")
	}

	status := resp.StatusCode
	switch {
	case resilience.IsRetryableStatus(status):
		return nil, eris.Wrapf(resilience.NewTransientError(eris.Errorf("http %d", status), status), "fetcher: retryable status from %s", target)
	case status >= 400:
		return nil, eris.Wrapf(resilience.NewProviderError(eris.Errorf("http %d", status), status), "fetcher: rejected by %s", target)
	}

	return body, nil
}

func (c *Client) sleepWindow(ctx context.Context, w SleepWindow) {
	if w.Max <= 0 || w.Max < w.Min {
		return
	}
	d := w.Min
	if span := w.Max - w.Min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	zap.L().Debug("fetcher: post-heavy sleep", zap.Duration("duration", d))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
