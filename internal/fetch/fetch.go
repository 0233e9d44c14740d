package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options tunes the Fetcher, following the functional-options shape of
// intelligencedev-manifold's internal/tools/web/fetch.go NewFetcher.
type Options struct {
	Timeout          time.Duration
	MaxBytes         int64
	UserAgent        string
	MaxRedirects     int
	PerHostInterval  time.Duration // minimum gap between requests to one host
	MaxConcurrency   int           // bounded concurrency across all hosts
	MaxRetries       int
	RespectRobots    bool
}

// Option configures a Fetcher.
type Option func(*Options)

func WithTimeout(d time.Duration) Option         { return func(o *Options) { o.Timeout = d } }
func WithMaxBytes(n int64) Option                { return func(o *Options) { o.MaxBytes = n } }
func WithUserAgent(ua string) Option             { return func(o *Options) { o.UserAgent = ua } }
func WithMaxRedirects(n int) Option              { return func(o *Options) { o.MaxRedirects = n } }
func WithPerHostInterval(d time.Duration) Option { return func(o *Options) { o.PerHostInterval = d } }
func WithMaxConcurrency(n int) Option            { return func(o *Options) { o.MaxConcurrency = n } }
func WithMaxRetries(n int) Option                { return func(o *Options) { o.MaxRetries = n } }
func WithRespectRobots(v bool) Option            { return func(o *Options) { o.RespectRobots = v } }

// Outcome classifies a fetch attempt's result.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
	OutcomeDisallowed Outcome = "disallowed"
)

// Validators are the conditional-GET state carried forward between
// crawl sessions for one document.
type Validators struct {
	ETag         string
	LastModified string
	ContentHash  string
}

// Result is one URL's fetch outcome.
type Result struct {
	URL         string
	Outcome     Outcome
	StatusCode  int
	Body        []byte
	ContentHash string
	Validators  Validators
	FetchedAt   time.Time
	Err         error
}

// Fetcher issues conditional, rate-limited, robots-aware GET requests.
type Fetcher struct {
	client  *http.Client
	opts    Options
	robots  *RobotsCache
	limiter *hostLimiter
	sem     chan struct{}
}

// New builds a Fetcher with hardened transport defaults.
func New(opts ...Option) *Fetcher {
	o := Options{
		Timeout:         20 * time.Second,
		MaxBytes:        10 * 1024 * 1024,
		UserAgent:       "kbengine-crawler/1.0",
		MaxRedirects:    10,
		PerHostInterval: 500 * time.Millisecond,
		MaxConcurrency:  16,
		MaxRetries:      3,
		RespectRobots:   true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return newFetcher(o)
}

// With derives a Fetcher from the receiver's settings plus overrides,
// used for per-site politeness tuning. The derived fetcher has its own
// client, rate limiter, and concurrency gate; it shares nothing with
// the receiver.
func (f *Fetcher) With(opts ...Option) *Fetcher {
	o := f.opts
	for _, fn := range opts {
		fn(&o)
	}
	return newFetcher(o)
}

func newFetcher(o Options) *Fetcher {
	dialer := &net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   o.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > o.MaxRedirects {
				return fmt.Errorf("fetch: stopped after %d redirects", o.MaxRedirects)
			}
			return nil
		},
	}

	f := &Fetcher{
		client:  client,
		opts:    o,
		robots:  NewRobotsCache(client, o.UserAgent, time.Hour),
		limiter: newHostLimiter(o.PerHostInterval),
		sem:     make(chan struct{}, o.MaxConcurrency),
	}
	return f
}

// Fetch performs one conditional GET, honoring robots.txt, per-host
// rate limiting, and retry-with-backoff for transient failures. 4xx
// other than 429 is terminal; 429 and 5xx retry honoring Retry-After.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, prior Validators) Result {
	if f.opts.RespectRobots {
		allowed, _, crawlDelay := f.robots.Allowed(ctx, rawURL)
		if !allowed {
			return Result{URL: rawURL, Outcome: OutcomeDisallowed, FetchedAt: time.Now()}
		}
		if crawlDelay > 0 {
			f.limiter.setMinInterval(hostOf(rawURL), crawlDelay)
		}
	}

	select {
	case f.sem <- struct{}{}:
		defer func() { <-f.sem }()
	case <-ctx.Done():
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: ctx.Err(), FetchedAt: time.Now()}
	}

	if err := f.limiter.wait(ctx, hostOf(rawURL)); err != nil {
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: time.Now()}
	}

	return f.fetchWithRetry(ctx, rawURL, prior)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string, prior Validators) Result {
	var lastErr error
	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt, lastErr); err != nil {
				return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: time.Now()}
			}
		}

		res, retryAfter, err := f.attempt(ctx, rawURL, prior)
		if err == nil {
			return res
		}
		lastErr = err
		if res.StatusCode != 0 && !isRetryable(res.StatusCode) {
			return res
		}
		if retryAfter > 0 {
			lastErr = retryAfterErr(retryAfter)
		}
	}
	return Result{URL: rawURL, Outcome: OutcomeFailed, Err: lastErr, FetchedAt: time.Now()}
}

// attempt performs exactly one HTTP round-trip. A non-nil error means
// the caller should consider retrying (transient network error, 429,
// or 5xx); a terminal 4xx is returned with err=nil and Outcome=failed
// so the caller stops retrying.
func (f *Fetcher) attempt(ctx context.Context, rawURL string, prior Validators) (Result, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: time.Now()}, 0, nil
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: time.Now()}, 0, err
	}
	defer resp.Body.Close()

	now := time.Now()

	if resp.StatusCode == http.StatusNotModified {
		return Result{
			URL: rawURL, Outcome: OutcomeUnchanged, StatusCode: resp.StatusCode,
			Validators: prior, FetchedAt: now,
		}, 0, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		err := fmt.Errorf("fetch: %s: status %d", rawURL, resp.StatusCode)
		return Result{URL: rawURL, Outcome: OutcomeFailed, StatusCode: resp.StatusCode, Err: err, FetchedAt: now}, retryAfter, err
	}

	if resp.StatusCode >= 400 {
		return Result{
			URL: rawURL, Outcome: OutcomeFailed, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("fetch: %s: terminal status %d", rawURL, resp.StatusCode), FetchedAt: now,
		}, 0, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: now}, 0, err
	}
	if int64(len(body)) > f.opts.MaxBytes {
		err := fmt.Errorf("fetch: %s: exceeds max bytes %d", rawURL, f.opts.MaxBytes)
		return Result{URL: rawURL, Outcome: OutcomeFailed, Err: err, FetchedAt: now}, 0, nil
	}

	hash := contentHash(body)
	outcome := OutcomeNew
	if prior.ContentHash != "" {
		if prior.ContentHash == hash {
			outcome = OutcomeUnchanged
		} else {
			outcome = OutcomeChanged
		}
	}

	return Result{
		URL: rawURL, Outcome: outcome, StatusCode: resp.StatusCode, Body: body, ContentHash: hash,
		Validators: Validators{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified"), ContentHash: hash},
		FetchedAt: now,
	}, 0, nil
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		return time.Until(t)
	}
	return 0
}

type retryAfterDuration time.Duration

func (d retryAfterDuration) Error() string { return "retry-after" }

func retryAfterErr(d time.Duration) error { return retryAfterDuration(d) }

// sleepBackoff waits exponentially (capped) between retry attempts,
// honoring a prior Retry-After hint when present.
func sleepBackoff(ctx context.Context, attempt int, lastErr error) error {
	delay := time.Duration(math.Pow(2, float64(attempt))) * 250 * time.Millisecond
	if d, ok := lastErr.(retryAfterDuration); ok && time.Duration(d) > delay {
		delay = time.Duration(d)
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// hostLimiter holds one rate.Limiter per host so unrelated hosts never
// throttle each other.
type hostLimiter struct {
	mu          sync.Mutex
	defaultGap  time.Duration
	limiters    map[string]*rate.Limiter
}

func newHostLimiter(defaultGap time.Duration) *hostLimiter {
	if defaultGap <= 0 {
		defaultGap = 500 * time.Millisecond
	}
	return &hostLimiter{defaultGap: defaultGap, limiters: make(map[string]*rate.Limiter)}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	return h.limiterFor(host).Wait(ctx)
}

func (h *hostLimiter) setMinInterval(host string, interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if l, ok := h.limiters[host]; ok && l.Limit() == rate.Every(interval) {
		return
	}
	h.limiters[host] = rate.NewLimiter(rate.Every(interval), 1)
}

func (h *hostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.defaultGap), 1)
		h.limiters[host] = l
	}
	return l
}
