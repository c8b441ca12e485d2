// Package subscription models the Subscription and WebhookEndpoint entities
// and derives them from the loaded configuration.
package subscription

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/config"
)

// FilterPredicate is one entry of a subscription's filter map.
type FilterPredicate struct {
	Op    string
	Value string
}

// WebhookEndpoint is a single delivery target belonging to a Subscription.
type WebhookEndpoint struct {
	WebhookID     string
	URL           *url.URL
	Format        string
	Headers       map[string]string
	Timeout       int // milliseconds
	RetryAttempts int
}

// Subscription binds one or more contract addresses and event signatures to
// a filter map and an ordered list of webhook endpoints.
type Subscription struct {
	SubID             string
	ContractAddresses []common.Address
	EventSignatures   []string
	Topic0s           []common.Hash
	SignatureArgs     map[string]abi.Arguments // signature -> decode arguments
	Filters           map[string]FilterPredicate
	Webhooks          []WebhookEndpoint
}

// FromConfig derives the runtime Subscription set from a validated
// config.Config. Config validation already rejected malformed shapes, so
// any error here indicates a bug in that validation, not bad input.
func FromConfig(cfg *config.Config) ([]Subscription, error) {
	out := make([]Subscription, 0, len(cfg.Subscriptions))
	for _, raw := range cfg.Subscriptions {
		sub, err := fromConfigOne(raw)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", raw.SubID, err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func fromConfigOne(raw config.Subscription) (Subscription, error) {
	sub := Subscription{
		SubID:         raw.SubID,
		SignatureArgs: make(map[string]abi.Arguments, len(raw.EventSignatures)),
		Filters:       make(map[string]FilterPredicate, len(raw.Filters)),
	}

	for _, a := range raw.ContractAddresses {
		if !common.IsHexAddress(a) {
			return Subscription{}, fmt.Errorf("malformed address %q", a)
		}
		sub.ContractAddresses = append(sub.ContractAddresses, common.HexToAddress(a))
	}

	for _, sig := range raw.EventSignatures {
		args, err := ParseArguments(sig)
		if err != nil {
			return Subscription{}, fmt.Errorf("signature %q: %w", sig, err)
		}
		sub.EventSignatures = append(sub.EventSignatures, sig)
		sub.Topic0s = append(sub.Topic0s, Topic0(sig))
		sub.SignatureArgs[sig] = args
	}

	for k, f := range raw.Filters {
		sub.Filters[k] = FilterPredicate{Op: f.Op, Value: f.Value}
	}

	for _, wh := range raw.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil {
			return Subscription{}, fmt.Errorf("webhook %s: %w", wh.WebhookID, err)
		}
		if u.User != nil {
			return Subscription{}, fmt.Errorf("webhook %s: url must not embed credentials", wh.WebhookID)
		}
		sub.Webhooks = append(sub.Webhooks, WebhookEndpoint{
			WebhookID:     wh.WebhookID,
			URL:           u,
			Format:        wh.Format,
			Headers:       wh.Headers,
			Timeout:       wh.TimeoutMs,
			RetryAttempts: wh.RetryAttempts,
		})
	}

	return sub, nil
}

// Topic0 computes the first indexed topic (the event selector) for a
// canonical signature, the same way the chain itself derives it.
func Topic0(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}

// EventName extracts the bare name from a canonical "Name(type1,type2)"
// signature.
func EventName(signature string) string {
	if idx := strings.IndexByte(signature, '('); idx > 0 {
		return signature[:idx]
	}
	return signature
}

// ParseArguments builds an abi.Arguments decoder from a canonical event
// signature without requiring the contract's full ABI JSON.
func ParseArguments(signature string) (abi.Arguments, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("not a canonical signature")
	}
	body := signature[open+1 : len(signature)-1]
	if body == "" {
		return abi.Arguments{}, nil
	}

	parts := strings.Split(body, ",")
	args := make(abi.Arguments, 0, len(parts))
	for i, rawType := range parts {
		t, err := abi.NewType(strings.TrimSpace(rawType), "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %d type %q: %w", i, rawType, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: t})
	}
	return args, nil
}
