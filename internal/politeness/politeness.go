// Package politeness adapts the inter-request delay to observed latency,
// failure streaks, and frontier pressure.
package politeness

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options tunes the adaptive delay controller.
type Options struct {
	Enabled         bool
	MinDelay        time.Duration
	MaxDelay        time.Duration
	BaseDelay       time.Duration
	LatencyEMAAlpha float64
	FailureBackoff  time.Duration
	JitterPct       int

	// PerHostRate optionally caps requests per host with a token bucket,
	// independent of the adaptive delay.
	PerHostRequests int
	PerHostWindow   time.Duration
}

// Controller computes and applies the delay after each request. It is
// owned by a single engine; per-host minimums may be raised concurrently
// by robots Crawl-delay handling.
type Controller struct {
	opts Options

	latencyEMA           float64 // milliseconds
	consecutiveFailures  int
	consecutiveSuccesses int
	lastDelay            time.Duration

	mu          sync.Mutex
	hostMinimum map[string]time.Duration
	limiters    map[string]*rate.Limiter
}

// New builds a controller; zero-valued option fields fall back to the
// crawler defaults.
func New(opts Options) *Controller {
	if opts.MinDelay <= 0 {
		opts.MinDelay = 50 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 150 * time.Millisecond
	}
	if opts.LatencyEMAAlpha <= 0 || opts.LatencyEMAAlpha > 1 {
		opts.LatencyEMAAlpha = 0.2
	}
	if opts.FailureBackoff <= 0 {
		opts.FailureBackoff = 250 * time.Millisecond
	}
	if opts.JitterPct < 0 || opts.JitterPct > 100 {
		opts.JitterPct = 10
	}
	return &Controller{
		opts:        opts,
		hostMinimum: make(map[string]time.Duration),
		limiters:    make(map[string]*rate.Limiter),
	}
}

// RaiseHostMinimum lifts the minimum delay for host, typically from a
// robots.txt Crawl-delay. Lower values than the current minimum are
// ignored.
func (c *Controller) RaiseHostMinimum(host string, minimum time.Duration) {
	host = strings.ToLower(host)
	if host == "" || minimum <= 0 {
		return
	}
	c.mu.Lock()
	if minimum > c.hostMinimum[host] {
		c.hostMinimum[host] = minimum
	}
	c.mu.Unlock()
}

// Observe records the outcome of one request and sleeps for the computed
// delay. queueSize is the current frontier size; host selects any raised
// per-host minimum. The applied delay always lies within [min, max] for
// the host.
func (c *Controller) Observe(ctx context.Context, host string, statusCode int, duration time.Duration, queueSize int) time.Duration {
	if !c.opts.Enabled {
		return 0
	}

	success := statusCode >= 200 && statusCode < 400
	if success {
		c.consecutiveSuccesses++
		c.consecutiveFailures = 0
	} else {
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
	}

	sample := float64(duration.Milliseconds())
	if sample <= 0 {
		sample = float64(c.opts.BaseDelay.Milliseconds())
	}
	if c.latencyEMA == 0 {
		c.latencyEMA = sample
	} else {
		alpha := c.opts.LatencyEMAAlpha
		c.latencyEMA = alpha*sample + (1-alpha)*c.latencyEMA
	}

	queuePressure := float64(queueSize) / 1000.0
	if queuePressure > 1 {
		queuePressure = 1
	}
	queueAdjust := 1.0 - 0.3*queuePressure

	base := float64(c.opts.BaseDelay.Milliseconds())
	if latencyBased := c.latencyEMA * 0.6; latencyBased > base {
		base = latencyBased
	}
	delayMS := base * queueAdjust

	if !success {
		delayMS += float64(c.opts.FailureBackoff.Milliseconds()) * float64(c.consecutiveFailures)
	} else if c.consecutiveSuccesses > 3 {
		delayMS *= 0.8
	}

	if c.lastDelay > 0 {
		delayMS = 0.7*float64(c.lastDelay.Milliseconds()) + 0.3*delayMS
	}

	minDelay, maxDelay := c.bounds(host)
	delay := clamp(time.Duration(delayMS)*time.Millisecond, minDelay, maxDelay)

	if c.opts.JitterPct > 0 {
		jitterRange := delay * time.Duration(c.opts.JitterPct) / 100
		if jitterRange > 0 {
			jitter := time.Duration(rand.Int63n(int64(2*jitterRange+1))) - jitterRange
			delay = clamp(delay+jitter, minDelay, maxDelay)
		}
	}

	c.lastDelay = delay
	c.sleep(ctx, delay)
	return delay
}

// Wait applies the optional per-host token bucket before a request.
func (c *Controller) Wait(ctx context.Context, host string) error {
	if c.opts.PerHostRequests <= 0 || c.opts.PerHostWindow <= 0 {
		return nil
	}
	host = strings.ToLower(host)

	c.mu.Lock()
	limiter, ok := c.limiters[host]
	if !ok {
		interval := c.opts.PerHostWindow / time.Duration(c.opts.PerHostRequests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		limiter = rate.NewLimiter(rate.Every(interval), c.opts.PerHostRequests)
		c.limiters[host] = limiter
	}
	c.mu.Unlock()

	return limiter.Wait(ctx)
}

func (c *Controller) bounds(host string) (time.Duration, time.Duration) {
	minDelay := c.opts.MinDelay
	c.mu.Lock()
	if hostMin, ok := c.hostMinimum[strings.ToLower(host)]; ok && hostMin > minDelay {
		minDelay = hostMin
	}
	c.mu.Unlock()

	maxDelay := c.opts.MaxDelay
	if minDelay > maxDelay {
		maxDelay = minDelay
	}
	return minDelay, maxDelay
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
