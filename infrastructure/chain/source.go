// Package chain implements the Event Source: it tails EVM contract logs and
// assembles them into decoded domain.event.BlockchainEvent values.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/R3E-Network/evm-webhook-relay/domain/event"
	"github.com/R3E-Network/evm-webhook-relay/domain/subscription"
	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/logging"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/metrics"
)

// Handler receives each decoded event along with the subscriptions whose
// (address, topic0) filter matched it.
type Handler func(ctx context.Context, evt event.BlockchainEvent, matched []subscription.Subscription)

// Health is the Event Source's reported connectivity state.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
)

// Client is the subset of ethclient.Client the Source depends on, narrowed
// for substitutability in tests.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// HeadSubscriber is the subset of ethclient.Client used to opportunistically
// learn about new heads over a websocket connection, purely to poll sooner
// than the next PollInterval tick. A nil HeadSubscriber (no wsUrl configured,
// or the dial failed) just means the Source polls on its fixed interval.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// DialWS connects to an EVM websocket endpoint for new-head notifications.
// Errors here are never fatal to the Source: callers should log and
// continue without a HeadSubscriber.
func DialWS(ctx context.Context, wsURL string) (HeadSubscriber, error) {
	c, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DedupeCache is an optional, best-effort second layer over the in-memory
// dedupe window (backed by Redis in production). A nil DedupeCache, or any
// error returned from it, falls through to the in-memory window — it is
// never load-bearing for correctness.
type DedupeCache interface {
	SeenRecently(ctx context.Context, key string) (bool, error)
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, relayerrors.ChainPermanent("dial", err)
	}
	return c, nil
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// dedupeWindowSize bounds how many recent dedupe keys the Source retains;
// large enough to span several confirmation-depth's worth of logs.
const dedupeWindowSize = 4096

// Source polls for new logs across the union of all subscriptions' filters
// and dispatches decoded events to a Handler.
type Source struct {
	client        Client
	subs          []subscription.Subscription
	confirmations uint64
	pollInterval  time.Duration
	logger        *logging.Logger
	metrics       *metrics.Metrics
	handler       Handler
	cache         DedupeCache
	heads         HeadSubscriber
	randFloat     func() float64

	mu        sync.RWMutex
	lastBlock uint64
	health    Health
	dedupe    map[string]struct{}
	dedupeSeq []string
}

// Config configures a new Source.
type Config struct {
	Client        Client
	Subscriptions []subscription.Subscription
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	Logger        *logging.Logger
	Metrics       *metrics.Metrics
	Handler       Handler
	Cache         DedupeCache
	Heads         HeadSubscriber
}

// New builds a Source ready to Run.
func New(cfg Config) *Source {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Source{
		client:        cfg.Client,
		subs:          cfg.Subscriptions,
		confirmations: cfg.Confirmations,
		pollInterval:  interval,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		handler:       cfg.Handler,
		cache:         cfg.Cache,
		heads:         cfg.Heads,
		randFloat:     rand.Float64,
		lastBlock:     cfg.StartBlock,
		health:        HealthHealthy,
		dedupe:        make(map[string]struct{}, dedupeWindowSize),
	}
}

// UpdateSubscriptions atomically replaces the filter set; no gap in cursor.
func (s *Source) UpdateSubscriptions(subs []subscription.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = subs
}

// Health reports the current connectivity state.
func (s *Source) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// Run polls until ctx is cancelled. Transport failures trigger an
// exponential-backoff-with-full-jitter reconnect loop; the Source never
// gives up permanently.
func (s *Source) Run(ctx context.Context) {
	attempt := 0
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// newHead fires opportunistically when a websocket head subscription is
	// configured, letting the Source react sooner than the next ticker tick;
	// its absence or failure never changes correctness, only latency.
	newHead := s.watchNewHeads(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-newHead:
		case <-ticker.C:
		}

		if err := s.poll(ctx); err != nil {
			attempt++
			s.setHealth(HealthDegraded)
			wait := backoff(attempt, s.randFloat())
			s.logger.WithError(err).WithField("retry_in", wait.String()).Warn("event source poll failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0
		s.setHealth(HealthHealthy)
	}
}

// watchNewHeads returns a channel that receives a signal whenever the
// optional websocket HeadSubscriber reports a new block header. If no
// HeadSubscriber is configured, or the subscription fails, it returns a
// channel that never fires; Run then relies solely on its poll ticker.
func (s *Source) watchNewHeads(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	if s.heads == nil {
		return out
	}

	headers := make(chan *types.Header, 1)
	sub, err := s.heads.SubscribeNewHead(ctx, headers)
	if err != nil {
		s.logger.WithError(err).Warn("websocket head subscription failed, falling back to polling only")
		return out
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.logger.WithError(err).Warn("websocket head subscription ended")
				}
				return
			case <-headers:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func (s *Source) setHealth(h Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetChainHealthy(h == HealthHealthy)
	}
}

// backoff computes an exponential delay from 1s to 30s with full jitter:
// a uniform random draw in [0, min(maxBackoff, 2^attempt * minBackoff)).
func backoff(attempt int, r float64) time.Duration {
	ceiling := float64(maxBackoff)
	exp := float64(minBackoff) * float64(uint64(1)<<uint(minInt(attempt, 30)))
	if exp > ceiling {
		exp = ceiling
	}
	return time.Duration(r * exp)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Source) poll(ctx context.Context) error {
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return relayerrors.ChainTransient("block_number", err)
	}
	if head < s.confirmations {
		return nil
	}
	safeHead := head - s.confirmations

	s.mu.RLock()
	from := s.lastBlock + 1
	subs := s.subs
	s.mu.RUnlock()

	if from > safeHead {
		return nil
	}

	query := buildFilterQuery(subs, from, safeHead)
	if len(query.Addresses) == 0 || len(query.Topics) == 0 || len(query.Topics[0]) == 0 {
		s.mu.Lock()
		s.lastBlock = safeHead
		s.mu.Unlock()
		return nil
	}

	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return relayerrors.ChainTransient("filter_logs", err)
	}

	for _, lg := range logs {
		s.handleLog(ctx, lg, subs)
	}

	s.mu.Lock()
	s.lastBlock = safeHead
	s.mu.Unlock()
	return nil
}

func buildFilterQuery(subs []subscription.Subscription, from, to uint64) ethereum.FilterQuery {
	addrSet := map[common.Address]struct{}{}
	topic0Set := map[common.Hash]struct{}{}
	for _, sub := range subs {
		for _, a := range sub.ContractAddresses {
			addrSet[a] = struct{}{}
		}
		for _, t := range sub.Topic0s {
			topic0Set[t] = struct{}{}
		}
	}

	addrs := make([]common.Address, 0, len(addrSet))
	for a := range addrSet {
		addrs = append(addrs, a)
	}
	topic0s := make([]common.Hash, 0, len(topic0Set))
	for t := range topic0Set {
		topic0s = append(topic0s, t)
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
	}
	if len(topic0s) > 0 {
		q.Topics = [][]common.Hash{topic0s}
	}
	return q
}

func (s *Source) handleLog(ctx context.Context, lg types.Log, subs []subscription.Subscription) {
	matched := matchingSubscriptions(lg, subs)
	if len(matched) == 0 {
		return
	}

	evt := event.BlockchainEvent{
		ContractAddress: lg.Address,
		BlockNumber:     lg.BlockNumber,
		TxHash:          lg.TxHash,
		LogIndex:        uint32(lg.Index),
		ObservedAt:      time.Now().UTC(),
	}

	if s.seen(ctx, evt.DedupeKey()) {
		return
	}

	if len(lg.Topics) == 0 {
		return
	}
	sig, args, err := resolveSignature(lg.Topics[0], matched)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordEventProcessed("decode_error")
		}
		s.logger.WithField("tx_hash", lg.TxHash.Hex()).WithError(err).Warn("dropping log with unresolvable signature")
		return
	}
	evt.EventName = subscription.EventName(sig)

	decoded, err := args.Unpack(lg.Data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordEventProcessed("decode_error")
		}
		s.logger.WithField("tx_hash", lg.TxHash.Hex()).WithField("event", evt.EventName).WithError(err).Warn("dropping log, decode failed")
		return
	}
	evt.Args = argsToValues(args, decoded)

	if s.metrics != nil {
		s.metrics.RecordEventProcessed("matched")
	}

	if s.handler != nil {
		s.handler(ctx, evt, matched)
	}
}

func matchingSubscriptions(lg types.Log, subs []subscription.Subscription) []subscription.Subscription {
	if len(lg.Topics) == 0 {
		return nil
	}
	var out []subscription.Subscription
	for _, sub := range subs {
		if !containsAddress(sub.ContractAddresses, lg.Address) {
			continue
		}
		if !containsTopic(sub.Topic0s, lg.Topics[0]) {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsTopic(list []common.Hash, t common.Hash) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func resolveSignature(topic0 common.Hash, matched []subscription.Subscription) (string, abi.Arguments, error) {
	for _, sub := range matched {
		for i, t := range sub.Topic0s {
			if t == topic0 {
				return sub.EventSignatures[i], sub.SignatureArgs[sub.EventSignatures[i]], nil
			}
		}
	}
	return "", nil, fmt.Errorf("no subscription carries signature for topic0 %s", topic0.Hex())
}

func argsToValues(args abi.Arguments, decoded []interface{}) map[string]event.Value {
	out := make(map[string]event.Value, len(args))
	for i, arg := range args {
		if i >= len(decoded) {
			break
		}
		out[arg.Name] = toValue(decoded[i])
	}
	return out
}

func toValue(v interface{}) event.Value {
	switch x := v.(type) {
	case common.Address:
		return event.NewAddress(x)
	case *big.Int:
		return event.NewBigInt(x)
	case []byte:
		return event.NewBytes(x)
	case [32]byte:
		return event.NewBytes(x[:])
	case bool:
		return event.NewBool(x)
	case string:
		return event.NewString(x)
	default:
		return event.NewString(fmt.Sprintf("%v", x))
	}
}

// seen reports whether key has already been observed within the retained
// dedupe window, recording it if not. The optional cache is consulted first
// purely as an optimization; the in-memory window is always updated and
// remains the source of truth a cache outage cannot defeat.
func (s *Source) seen(ctx context.Context, key string) bool {
	if s.cache != nil {
		if cached, err := s.cache.SeenRecently(ctx, key); err == nil && cached {
			return true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedupe[key]; ok {
		return true
	}
	s.dedupe[key] = struct{}{}
	s.dedupeSeq = append(s.dedupeSeq, key)
	if len(s.dedupeSeq) > dedupeWindowSize {
		drop := s.dedupeSeq[0]
		s.dedupeSeq = s.dedupeSeq[1:]
		delete(s.dedupe, drop)
	}
	return false
}
