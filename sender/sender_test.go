package sender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/ratelimit"
)

func endpointFor(t *testing.T, rawURL string) subscription.WebhookEndpoint {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return subscription.WebhookEndpoint{WebhookID: "wh-1", URL: u, Timeout: 2000}
}

func TestSendReturnsSuccessOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(time.Second, nil)
	outcome := s.Send(context.Background(), endpointFor(t, srv.URL), []byte(`{}`))
	assert.True(t, outcome.Success)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Empty(t, outcome.Error)
}

func TestSendReturnsFailureOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(time.Second, nil)
	outcome := s.Send(context.Background(), endpointFor(t, srv.URL), []byte(`{}`))
	assert.False(t, outcome.Success)
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
}

func TestSendMergesEndpointHeadersOverDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoint := endpointFor(t, srv.URL)
	endpoint.Headers = map[string]string{"Content-Type": "text/plain"}

	s := New(time.Second, nil)
	outcome := s.Send(context.Background(), endpoint, []byte(`{}`))
	assert.True(t, outcome.Success)
}

func TestSendReportsTransportErrorForUnreachableHost(t *testing.T) {
	endpoint := endpointFor(t, "http://127.0.0.1:1")
	endpoint.Timeout = 200

	s := New(time.Second, nil)
	outcome := s.Send(context.Background(), endpoint, []byte(`{}`))
	assert.False(t, outcome.Success)
	assert.NotEmpty(t, outcome.Error)
	assert.Zero(t, outcome.StatusCode)
}

func TestSendHonorsRateLimiterCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, Burst: 1})
	endpoint := endpointFor(t, srv.URL)
	endpoint.Timeout = 1

	s := New(time.Second, limiter)
	// Exhaust the single burst token, then the tight per-call timeout should
	// make the second call fail while waiting on the limiter rather than hang.
	_ = s.Send(context.Background(), endpoint, []byte(`{}`))
	outcome := s.Send(context.Background(), endpoint, []byte(`{}`))
	assert.False(t, outcome.Success)
}
