// Package source holds the stock HTTP fetchers and extractors: RSS/Atom
// feeds, CSS-selected HTML listings and JSON post APIs.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pollwatch/internal/credential"
	"pollwatch/internal/engine"
	logx "pollwatch/pkg/logx"
)

const (
	DefaultTimeout = 2 * time.Second
	maxBody        = 8 << 20
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: http status %d", e.URL, e.Code)
}

type ClientConfig struct {
	Timeout    time.Duration
	UserAgents []string
	// CacheBust appends a random query parameter and request-id header so
	// intermediate caches never answer for the origin.
	CacheBust bool
	// RatePerSec caps requests across all attempts; zero disables the limiter.
	RatePerSec float64
	Burst      int
	Headers    map[string]string
}

// Client issues GETs on behalf of fetchers, routing through the attempt's
// proxy and attaching its session cookie.
type Client struct {
	cfg     ClientConfig
	limiter *rate.Limiter
	log     logx.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func NewClient(cfg ClientConfig, log logx.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, log: log, transports: map[string]*http.Transport{}}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// Get fetches rawURL and returns the body. Non-2xx responses come back as
// *StatusError together with the status code.
func (c *Client) Get(ctx context.Context, rawURL string, creds credential.Set, accept string) ([]byte, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse url: %w", err)
	}
	if c.cfg.CacheBust {
		q := u.Query()
		q.Set(bustParam(), bustValue())
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgents[rand.IntN(len(c.cfg.UserAgents))])
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.cfg.CacheBust {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	if creds.Token != "" {
		req.Header.Set("Cookie", creds.Token)
	}

	hc, err := c.httpClient(creds.Proxy)
	if err != nil {
		return nil, 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.StatusCode, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	return body, resp.StatusCode, nil
}

func (c *Client) httpClient(proxy *credential.Resource) (*http.Client, error) {
	key := ""
	if proxy != nil {
		key = proxy.Secret
		if key == "" {
			key = "http://" + proxy.Identity
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tr, ok := c.transports[key]
	if !ok {
		tr = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: c.cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: c.cfg.Timeout,
		}
		if key != "" {
			pu, err := url.Parse(key)
			if err != nil {
				return nil, fmt.Errorf("proxy %s: %w", proxy.Identity, err)
			}
			tr.Proxy = http.ProxyURL(pu)
		}
		c.transports[key] = tr
	}
	return &http.Client{Transport: tr, Timeout: c.cfg.Timeout}, nil
}

// Close drops idle pooled connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tr := range c.transports {
		tr.CloseIdleConnections()
	}
}

// Classify maps a transport result onto an engine outcome: 429 is a rate
// limit, 401/403 an auth failure, anything else unexpected is transient.
func Classify(status int, err error) (engine.Result, bool) {
	if err == nil {
		return engine.Result{StatusCode: status}, true
	}
	var se *StatusError
	if errors.As(err, &se) {
		r := engine.Result{StatusCode: se.Code, Err: err}
		switch {
		case se.Code == http.StatusTooManyRequests:
			r.Outcome = engine.OutcomeRateLimited
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			r.Outcome = engine.OutcomeUnauthorized
		default:
			r.Outcome = engine.OutcomeTransient
		}
		return r, false
	}
	return engine.Result{Outcome: engine.OutcomeTransient, StatusCode: status, Err: err}, false
}

var bustParams = []string{"timestamp", "request_uuid", "cache_time", "unique"}

func bustParam() string { return bustParams[rand.IntN(len(bustParams))] }

func bustValue() string {
	switch rand.IntN(3) {
	case 0:
		return strconv.FormatInt(time.Now().UnixNano()/1e5, 10)
	case 1:
		return uuid.NewString()
	default:
		return fmt.Sprintf("%d-%d", time.Now().Unix(), 1000+rand.IntN(9000))
	}
}
