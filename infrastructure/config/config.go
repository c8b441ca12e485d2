// Package config loads, validates, and hot-reloads the relay's declarative
// configuration document.
package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
)

// Subscription mirrors the wire shape of one subscriptions[] entry.
type Subscription struct {
	SubID             string            `json:"subId"`
	ContractAddresses []string          `json:"contractAddresses"`
	EventSignatures   []string          `json:"eventSignatures"`
	Filters           map[string]Filter `json:"filters,omitempty"`
	Webhooks          []Webhook         `json:"webhooks"`
}

// Filter is a single predicate in a subscription's filter map.
type Filter struct {
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Webhook mirrors one subscription.webhooks[] entry.
type Webhook struct {
	WebhookID     string            `json:"webhookId"`
	URL           string            `json:"url"`
	Format        string            `json:"format"`
	Headers       map[string]string `json:"headers,omitempty"`
	TimeoutMs     int               `json:"timeoutMs"`
	RetryAttempts int               `json:"retryAttempts"`
}

// Network holds the chain connection section.
type Network struct {
	RPCURL        string `json:"rpcUrl"`
	WSURL         string `json:"wsUrl,omitempty"`
	ChainID       int64  `json:"chainId"`
	Confirmations uint64 `json:"confirmations"`
}

// Database holds the Postgres connection section.
type Database struct {
	URL               string `json:"url"`
	PoolSize          int    `json:"poolSize,omitempty"`
	ConnectionTimeout int    `json:"connectionTimeout,omitempty"`
}

// Redis is the optional cache section; its absence (URL == "") means the
// relay falls back to an in-memory cache and never treats Redis as load
// bearing.
type Redis struct {
	URL       string `json:"url,omitempty"`
	KeyPrefix string `json:"keyPrefix,omitempty"`
	TTL       int    `json:"ttl,omitempty"`
}

// Monitoring holds logging and health/metrics exposition settings.
type Monitoring struct {
	LogLevel        string `json:"logLevel"`
	MetricsEnabled  bool   `json:"metricsEnabled"`
	HealthCheckPort int    `json:"healthCheckPort"`
}

// RateLimit bounds outbound webhook POST throughput process-wide. Its
// absence (RequestsPerSecond == 0) means unlimited; it is never load
// bearing for correctness, only for not overrunning slow receivers.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// Options holds the pipeline's numeric tuning knobs.
type Options struct {
	MaxConcurrentWebhooks   int `json:"maxConcurrentWebhooks"`
	DefaultRetryAttempts    int `json:"defaultRetryAttempts"`
	DefaultRetryDelay       int `json:"defaultRetryDelay"`
	WebhookTimeout          int `json:"webhookTimeout"`
	QueueProcessingInterval int `json:"queueProcessingInterval"`
}

// Config is the full validated configuration document.
type Config struct {
	Network       Network        `json:"network"`
	Subscriptions []Subscription `json:"subscriptions"`
	Database      Database       `json:"database"`
	Redis         *Redis         `json:"redis,omitempty"`
	Monitoring    Monitoring     `json:"monitoring"`
	Options       Options        `json:"options"`
	RateLimit     RateLimit      `json:"rateLimit,omitempty"`
}

var validLogLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true}
var validFormats = map[string]bool{"generic": true, "A": true, "B": true, "C": true}

// Load reads, parses, applies environment overrides, and validates the
// configuration at path. A missing file returns ConfigMissing; any shape or
// value violation returns ConfigInvalid with every violation joined inside.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, relayerrors.ConfigMissing(path)
		}
		return nil, relayerrors.ConfigInvalid(fmt.Errorf("read %s: %w", path, err))
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, relayerrors.ConfigInvalid(fmt.Errorf("parse %s: %w", path, err))
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, relayerrors.ConfigInvalid(err)
	}
	return &cfg, nil
}

// Validate checks every rule in the configuration contract. Violations are
// joined with errors.Join so every problem is visible at once, not just the
// first one encountered.
func (c *Config) Validate() error {
	var errs []error

	if err := validateNetwork(c.Network); err != nil {
		errs = append(errs, err)
	}
	if c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("database.url is required"))
	} else if _, err := url.Parse(c.Database.URL); err != nil {
		errs = append(errs, fmt.Errorf("database.url invalid: %w", err))
	}
	if c.Database.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("database.poolSize must be positive"))
	}
	if c.Database.ConnectionTimeout < 0 {
		errs = append(errs, fmt.Errorf("database.connectionTimeout must be positive"))
	}
	if c.Redis != nil && c.Redis.URL != "" && c.Redis.TTL <= 0 {
		errs = append(errs, fmt.Errorf("redis.ttl must be > 0 when redis is configured"))
	}
	if !validLogLevels[c.Monitoring.LogLevel] {
		errs = append(errs, fmt.Errorf("monitoring.logLevel %q not in {error,warn,info,debug}", c.Monitoring.LogLevel))
	}
	if c.Monitoring.HealthCheckPort < 1 || c.Monitoring.HealthCheckPort > 65535 {
		errs = append(errs, fmt.Errorf("monitoring.healthCheckPort out of range 1..65535"))
	}
	if c.Options.MaxConcurrentWebhooks <= 0 {
		errs = append(errs, fmt.Errorf("options.maxConcurrentWebhooks must be > 0"))
	}
	if c.Options.DefaultRetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("options.defaultRetryAttempts must be >= 0"))
	}
	if c.Options.DefaultRetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("options.defaultRetryDelay must be > 0"))
	}
	if c.Options.WebhookTimeout <= 0 {
		errs = append(errs, fmt.Errorf("options.webhookTimeout must be > 0"))
	}
	if c.Options.QueueProcessingInterval <= 0 {
		errs = append(errs, fmt.Errorf("options.queueProcessingInterval must be > 0"))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.requestsPerSecond must be >= 0"))
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.burst must be >= 0"))
	}

	if len(c.Subscriptions) == 0 {
		errs = append(errs, fmt.Errorf("subscriptions must contain at least one entry"))
	}
	seen := make(map[string]bool)
	for i, sub := range c.Subscriptions {
		if err := validateSubscription(sub); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%d] (%s): %w", i, sub.SubID, err))
		}
		if sub.SubID != "" {
			if seen[sub.SubID] {
				errs = append(errs, fmt.Errorf("subscriptions[%d]: duplicate subId %q", i, sub.SubID))
			}
			seen[sub.SubID] = true
		}
	}

	return stderrors.Join(errs...)
}

func validateNetwork(n Network) error {
	var errs []error
	if !isValidSchemeURL(n.RPCURL, "http", "https", "ws", "wss") {
		errs = append(errs, fmt.Errorf("network.rpcUrl must be http(s) or ws(s)"))
	}
	if n.WSURL != "" && !isValidSchemeURL(n.WSURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("network.wsUrl must be ws or wss"))
	}
	if n.ChainID <= 0 {
		errs = append(errs, fmt.Errorf("network.chainId must be > 0"))
	}
	return stderrors.Join(errs...)
}

func isValidSchemeURL(raw string, schemes ...string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}

func validateSubscription(s Subscription) error {
	var errs []error
	if len(s.ContractAddresses) == 0 {
		errs = append(errs, fmt.Errorf("at least one contract address required"))
	}
	for _, addr := range s.ContractAddresses {
		if !isWellFormedAddress(addr) {
			errs = append(errs, fmt.Errorf("malformed contract address %q", addr))
		}
	}
	if len(s.EventSignatures) == 0 {
		errs = append(errs, fmt.Errorf("at least one event signature required"))
	}
	for _, sig := range s.EventSignatures {
		if !isParseableSignature(sig) {
			errs = append(errs, fmt.Errorf("malformed event signature %q", sig))
		}
	}
	if len(s.Webhooks) == 0 {
		errs = append(errs, fmt.Errorf("at least one webhook required"))
	}
	for i, wh := range s.Webhooks {
		if err := validateWebhook(wh); err != nil {
			errs = append(errs, fmt.Errorf("webhooks[%d]: %w", i, err))
		}
	}
	return stderrors.Join(errs...)
}

func validateWebhook(w Webhook) error {
	var errs []error
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("url must be http(s): %q", w.URL))
	}
	if !validFormats[w.Format] {
		errs = append(errs, fmt.Errorf("format %q not in {generic,A,B,C}", w.Format))
	}
	if w.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("timeoutMs must be > 0"))
	}
	if w.RetryAttempts < 0 {
		errs = append(errs, fmt.Errorf("retryAttempts must be >= 0"))
	}
	return stderrors.Join(errs...)
}

func isWellFormedAddress(addr string) bool {
	addr = strings.TrimPrefix(addr, "0x")
	if len(addr) != 40 {
		return false
	}
	for _, r := range addr {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// isParseableSignature checks the canonical Name(type1,type2,...) shape
// without requiring a full ABI; the chain client re-parses the same string.
func isParseableSignature(sig string) bool {
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return false
	}
	name := sig[:open]
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// applyEnvOverrides applies each recognized environment variable to its
// matching field. Unset variables never modify the loaded value.
func applyEnvOverrides(c *Config) {
	overrideString(&c.Network.RPCURL, "RPC_URL")
	overrideString(&c.Network.WSURL, "WS_URL")
	overrideInt64(&c.Network.ChainID, "CHAIN_ID")
	overrideUint64(&c.Network.Confirmations, "CONFIRMATIONS")

	overrideString(&c.Database.URL, "DATABASE_URL")
	overrideInt(&c.Database.PoolSize, "DATABASE_POOL_SIZE")
	overrideInt(&c.Database.ConnectionTimeout, "DATABASE_CONNECTION_TIMEOUT")

	if redisURL, ok := os.LookupEnv("REDIS_URL"); ok {
		if c.Redis == nil {
			c.Redis = &Redis{}
		}
		c.Redis.URL = redisURL
	}
	if c.Redis != nil {
		overrideString(&c.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
		overrideInt(&c.Redis.TTL, "REDIS_TTL")
	}

	overrideString(&c.Monitoring.LogLevel, "LOG_LEVEL")
	overrideBool(&c.Monitoring.MetricsEnabled, "METRICS_ENABLED")
	overrideInt(&c.Monitoring.HealthCheckPort, "HEALTH_CHECK_PORT")

	overrideInt(&c.Options.MaxConcurrentWebhooks, "MAX_CONCURRENT_WEBHOOKS")
	overrideInt(&c.Options.DefaultRetryAttempts, "DEFAULT_RETRY_ATTEMPTS")
	overrideInt(&c.Options.DefaultRetryDelay, "DEFAULT_RETRY_DELAY")
	overrideInt(&c.Options.WebhookTimeout, "WEBHOOK_TIMEOUT")
	overrideInt(&c.Options.QueueProcessingInterval, "QUEUE_PROCESSING_INTERVAL")

	overrideFloat64(&c.RateLimit.RequestsPerSecond, "RATE_LIMIT_RPS")
	overrideInt(&c.RateLimit.Burst, "RATE_LIMIT_BURST")
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overrideUint64(dst *uint64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func overrideFloat64(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func overrideBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
