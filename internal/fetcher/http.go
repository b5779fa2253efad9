package fetcher

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/edu-etl/internal/model"
	"github.com/sells-group/edu-etl/internal/monitoring"
	"github.com/sells-group/edu-etl/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent      string
	Headers        map[string]string
	MaxConcurrent  int
	ConnectTimeout time.Duration
	Timeout        time.Duration
	Retry          resilience.RetryConfig

	// RequestsPerSecond enables an adaptive per-host limiter when > 0.
	RequestsPerSecond float64

	Metrics *monitoring.Metrics
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		initialRate: initialRate,
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 1.2
	if newRate > a.maxRate {
		newRate = a.maxRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// unitState is the per-unit retry state machine:
// pending -> inFlight -> (succeeded | backoff -> pending | failed).
type unitState int

const (
	statePending unitState = iota
	stateInFlight
	stateBackoff
	stateSucceeded
	stateFailed
)

func (s unitState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateInFlight:
		return "in_flight"
	case stateBackoff:
		return "backoff"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// HTTPFetcher implements Fetcher over net/http. A single weighted semaphore
// bounds requests in flight across every caller sharing the fetcher.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	sem     *semaphore.Weighted
	retry   resilience.RetryConfig
	metrics *monitoring.Metrics

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "edu-etl/1.0"
	}
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: opts.MaxConcurrent,
		MaxConnsPerHost:     opts.MaxConcurrent * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		retry:    resilience.ApplyDefaults(opts.Retry),
		metrics:  opts.Metrics,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// limiterFor returns the adaptive limiter for the URL's host, or nil when
// rate limiting is disabled.
func (f *HTTPFetcher) limiterFor(rawURL string) *AdaptiveLimiter {
	if f.opts.RequestsPerSecond <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[u.Host]
	if !ok {
		burst := int(f.opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		lim = NewAdaptiveLimiter(rate.Limit(f.opts.RequestsPerSecond), burst)
		f.limiters[u.Host] = lim
	}
	return lim
}

// Fetch drives one unit through the retry state machine. The concurrency
// slot is held only for the duration of a single HTTP exchange.
func (f *HTTPFetcher) Fetch(ctx context.Context, unit model.FetchUnit) model.FetchResult {
	log := zap.L().With(zap.String("component", "fetcher"), zap.Stringer("unit", unit))
	start := time.Now()

	rawURL, err := unit.URL()
	if err != nil {
		return f.settle(unit, start, model.Failure(unit, &model.FetchError{Kind: model.ErrorKindMalformed, Err: err}, 0))
	}
	limiter := f.limiterFor(rawURL)

	var (
		state    = statePending
		attempts int
		body     []byte
		lastErr  error
		wait     time.Duration
	)

	for {
		switch state {
		case statePending:
			if err := ctx.Err(); err != nil {
				lastErr = eris.Wrap(err, "fetch cancelled")
				state = stateFailed
				continue
			}
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					lastErr = eris.Wrap(err, "rate limiter wait")
					state = stateFailed
					continue
				}
			}
			if err := f.sem.Acquire(ctx, 1); err != nil {
				lastErr = eris.Wrap(err, "acquire fetch slot")
				state = stateFailed
				continue
			}
			state = stateInFlight

		case stateInFlight:
			attempts++
			f.metrics.FetchStarted(unit.SourceID)
			body, wait, lastErr = f.attempt(ctx, rawURL, limiter)
			f.sem.Release(1)
			f.metrics.FetchFinished()

			switch {
			case lastErr == nil:
				state = stateSucceeded
			case ctx.Err() != nil, !resilience.IsTransient(lastErr), attempts >= f.retry.MaxAttempts:
				state = stateFailed
			default:
				state = stateBackoff
			}

		case stateBackoff:
			if wait <= 0 {
				wait = resilience.Backoff(attempts-1, f.retry)
			}
			log.Warn("transient fetch failure, backing off",
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			if err := resilience.Sleep(ctx, wait); err != nil {
				lastErr = eris.Wrap(err, "backoff interrupted")
				state = stateFailed
				continue
			}
			state = statePending

		case stateSucceeded:
			payload, err := DecodePayload(body)
			if err != nil {
				log.Warn("malformed payload", zap.Error(err))
				return f.settle(unit, start, model.Failure(unit, &model.FetchError{Kind: model.ErrorKindMalformed, Err: err}, attempts))
			}
			return f.settle(unit, start, model.Success(unit, payload, attempts))

		case stateFailed:
			ferr := &model.FetchError{
				Kind:       resilience.Classify(lastErr),
				StatusCode: resilience.StatusCode(lastErr),
				Err:        lastErr,
			}
			log.Warn("fetch unit failed",
				zap.String("kind", string(ferr.Kind)),
				zap.Int("status", ferr.StatusCode),
				zap.Int("attempts", attempts),
				zap.Error(lastErr),
			)
			return f.settle(unit, start, model.Failure(unit, ferr, attempts))
		}
	}
}

func (f *HTTPFetcher) settle(unit model.FetchUnit, start time.Time, res model.FetchResult) model.FetchResult {
	outcome := "success"
	if !res.OK() {
		outcome = string(res.Kind())
	}
	f.metrics.FetchSettled(unit.SourceID, outcome, time.Since(start))
	return res
}

// attempt performs one HTTP exchange and reads the whole body. A 429
// returns the delay to honor before the next attempt.
func (f *HTTPFetcher) attempt(ctx context.Context, rawURL string, limiter *AdaptiveLimiter) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		if limiter != nil {
			limiter.OnRateLimit()
		}
		return nil, f.rateLimitDelay(resp), resilience.NewTransientError(&resilience.StatusError{StatusCode: resp.StatusCode, URL: rawURL})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		serr := &resilience.StatusError{StatusCode: resp.StatusCode, URL: rawURL}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, 0, resilience.NewTransientError(serr)
		}
		return nil, 0, serr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, resilience.NewTransientError(eris.Wrap(err, "read body"))
	}
	if limiter != nil {
		limiter.OnSuccess()
	}
	return body, 0, nil
}

// rateLimitDelay is the base backoff, or Retry-After when the server sends a
// value no larger than the max backoff.
func (f *HTTPFetcher) rateLimitDelay(resp *http.Response) time.Duration {
	delay := f.retry.InitialBackoff
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			d := time.Duration(secs) * time.Second
			if d <= f.retry.MaxBackoff {
				delay = d
			}
		}
	}
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay
}

// FetchAll runs every unit concurrently; the shared semaphore bounds how
// many are in flight. It returns after every unit has settled.
func (f *HTTPFetcher) FetchAll(ctx context.Context, units []model.FetchUnit) []model.FetchResult {
	results := make([]model.FetchResult, len(units))
	var g errgroup.Group
	for i, u := range units {
		g.Go(func() error {
			results[i] = f.Fetch(ctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
