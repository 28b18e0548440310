package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MB is a decimal megabyte.
const MB = 1_000_000

// Defaults for Throughput.
const (
	DefaultThroughputURL     = "https://speed.cloudflare.com/__down?bytes=10000000"
	DefaultMaxBytes          = 10 * MB
	DefaultWindow            = 10 * time.Second
	DefaultMinBytesPerSec    = 1 * MB / 8 // 1 Mbit/s
	DefaultThroughputTimeout = 20 * time.Second
)

var errWindowElapsed = errors.New("measurement window elapsed")

// Throughput downloads URL through the proxy until EOF, MaxBytes or
// Window, whichever comes first, and succeeds if the observed rate is at
// least MinBytesPerSec. Timing starts when the response headers arrive.
type Throughput struct {
	URL            string
	MaxBytes       int64
	Window         time.Duration
	MinBytesPerSec float64
	Limit          time.Duration
	Optional       bool
}

func (p *Throughput) Name() string { return "throughput" }

func (p *Throughput) Required() bool { return !p.Optional }

func (p *Throughput) Timeout() time.Duration {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultThroughputTimeout
}

func (p *Throughput) Run(ctx context.Context, env Env) Result {
	url := p.URL
	if url == "" {
		url = DefaultThroughputURL
	}
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	window := p.Window
	if window <= 0 {
		window = DefaultWindow
	}
	minRate := p.MinBytesPerSec
	if minRate <= 0 {
		minRate = DefaultMinBytesPerSec
	}

	client, err := env.HTTPClient()
	if err != nil {
		return Result{Outcome: Failure, Reason: err.Error()}
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: Failure, Reason: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fromError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Outcome: Failure, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	start := time.Now()
	timer := time.AfterFunc(window, func() { cancel(errWindowElapsed) })
	defer timer.Stop()
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBytes))
	elapsed := time.Since(start)
	if err != nil && !(errors.Is(context.Cause(reqCtx), errWindowElapsed) && ctx.Err() == nil) {
		r := fromError(fmt.Errorf("read body after %d bytes: %w", n, err))
		r.Bytes = n
		return r
	}
	return evaluateThroughput(n, elapsed, minRate)
}

// evaluateThroughput judges a completed download of n bytes in elapsed.
func evaluateThroughput(n int64, elapsed time.Duration, minRate float64) Result {
	r := Result{Bytes: n, Latency: elapsed}
	if n == 0 {
		r.Outcome = Failure
		r.Reason = "no data received"
		return r
	}
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = time.Nanosecond.Seconds()
	}
	r.Throughput = float64(n) / secs
	if r.Throughput >= minRate {
		r.Outcome = Success
		return r
	}
	r.Outcome = Failure
	r.Reason = fmt.Sprintf("throughput %.0f B/s below minimum %.0f B/s", r.Throughput, minRate)
	return r
}
