package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"
)

// Defaults for RoundTrip.
const (
	DefaultRoundTripURL     = "http://cp.cloudflare.com/generate_204"
	DefaultRoundTripTimeout = 10 * time.Second
)

// maxRoundTripBody caps how much of the response body is drained.
const maxRoundTripBody = 1 << 20

// RoundTrip fetches URL through the proxy and times the exchange from
// dispatch until the body is drained.
type RoundTrip struct {
	URL string

	// ExpectStatus lists accepted status codes. Empty accepts any 2xx.
	ExpectStatus []int

	Limit    time.Duration
	Optional bool
}

func (p *RoundTrip) Name() string { return "roundtrip" }

func (p *RoundTrip) Required() bool { return !p.Optional }

func (p *RoundTrip) Timeout() time.Duration {
	if p.Limit > 0 {
		return p.Limit
	}
	return DefaultRoundTripTimeout
}

func (p *RoundTrip) Run(ctx context.Context, env Env) Result {
	url := p.URL
	if url == "" {
		url = DefaultRoundTripURL
	}
	client, err := env.HTTPClient()
	if err != nil {
		return Result{Outcome: Failure, Reason: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Outcome: Failure, Reason: err.Error()}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fromError(err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxRoundTripBody))
	latency := time.Since(start)
	if err != nil {
		return fromError(fmt.Errorf("read body: %w", err))
	}

	r := Result{Latency: latency, Bytes: n}
	if p.accepts(resp.StatusCode) {
		r.Outcome = Success
	} else {
		r.Outcome = Failure
		r.Reason = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return r
}

func (p *RoundTrip) accepts(code int) bool {
	if len(p.ExpectStatus) == 0 {
		return code >= 200 && code < 300
	}
	return slices.Contains(p.ExpectStatus, code)
}
