// Package sender executes a single outbound webhook POST and classifies its
// outcome; it never retries internally — that decision belongs to the
// processor's outcome policy.
package sender

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/httputil"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/ratelimit"
)

// Outcome is the result of a single delivery attempt.
type Outcome struct {
	Success        bool
	StatusCode     int // zero if the request never completed
	ResponseTimeMs int64
	Error          string
}

// Sender issues webhook POSTs.
type Sender struct {
	client           *http.Client
	maxResponseBytes int64
	limiter          *ratelimit.Limiter
}

// New builds a Sender. defaultTimeout bounds any endpoint that doesn't
// specify its own. limiter may be nil, in which case no outbound throttling
// is applied.
func New(defaultTimeout time.Duration, limiter *ratelimit.Limiter) *Sender {
	defaults := httputil.DefaultClientDefaults()
	client, _ := httputil.NewClient(httputil.ClientConfig{Timeout: defaultTimeout}, defaults)
	return &Sender{
		client:           client,
		maxResponseBytes: httputil.ResolveMaxBodyBytes(0, defaults.MaxBodyBytes),
		limiter:          limiter,
	}
}

// Send POSTs payload to endpoint.URL, merging endpoint.Headers over the
// default Content-Type, and honoring endpoint.Timeout as a per-call deadline.
func (s *Sender) Send(ctx context.Context, endpoint subscription.WebhookEndpoint, payload []byte) Outcome {
	start := time.Now()

	timeout := time.Duration(endpoint.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = s.client.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.limiter.Wait(reqCtx); err != nil {
		return Outcome{Success: false, Error: err.Error(), ResponseTimeMs: elapsedMs(start)}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL.String(), bytes.NewReader(payload))
	if err != nil {
		return Outcome{Success: false, Error: err.Error(), ResponseTimeMs: elapsedMs(start)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range endpoint.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{Success: false, Error: err.Error(), ResponseTimeMs: elapsedMs(start)}
	}
	defer resp.Body.Close()
	_, _, _ = httputil.ReadAllWithLimit(resp.Body, s.maxResponseBytes)

	return Outcome{
		Success:        resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: elapsedMs(start),
	}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
