package httputil

import (
	"net/http"
	"time"
)

// ClientConfig holds standard client configuration for outbound HTTP callers
// (the webhook Sender builds its client with it; the chain RPC client is
// dialed by ethclient and does not use it).
type ClientConfig struct {
	// BaseURL is validated via NormalizeBaseURL when non-empty.
	BaseURL string

	// Timeout is the request timeout. Zero means use default.
	Timeout time.Duration

	// HTTPClient is the base HTTP client to use. If nil, a default client
	// with a TLS 1.2+ transport is created.
	HTTPClient *http.Client

	// MaxBodyBytes caps response body size to prevent memory exhaustion.
	// Zero means use default.
	MaxBodyBytes int64
}

// ClientDefaults holds default values for client configuration.
type ClientDefaults struct {
	Timeout          time.Duration
	MaxBodyBytes     int64
	NormalizeBaseURL bool
}

// DefaultClientDefaults returns standard default values.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:          30 * time.Second,
		MaxBodyBytes:     1 << 20, // 1MiB
		NormalizeBaseURL: true,
	}
}

// NewClient creates an HTTP client with standardized configuration: timeout
// defaults, a minimum-TLS-1.2 transport when none is supplied, and base URL
// validation when cfg.BaseURL is set.
func NewClient(cfg ClientConfig, defaults ClientDefaults) (*http.Client, error) {
	if cfg.BaseURL != "" && defaults.NormalizeBaseURL {
		if _, _, err := NormalizeBaseURL(cfg.BaseURL); err != nil {
			return nil, err
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	forceTimeout := cfg.Timeout != 0

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Transport: DefaultTransportWithMinTLS12()}
	}
	client := CopyHTTPClientWithTimeout(base, timeout, forceTimeout)

	return client, nil
}

// ResolveMaxBodyBytes returns the effective max body size from config and defaults.
func ResolveMaxBodyBytes(cfg int64, defaultBytes int64) int64 {
	if cfg <= 0 {
		return defaultBytes
	}
	return cfg
}
