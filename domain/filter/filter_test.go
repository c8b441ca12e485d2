package filter

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/R3E-Network/evm-webhook-relay/domain/event"
)

func eventWithValue(value *big.Int) event.BlockchainEvent {
	return event.BlockchainEvent{
		Args: map[string]event.Value{
			"value": event.NewBigInt(value),
			"from":  event.NewString("0xaaaa"),
		},
	}
}

func TestMatchEmptyFilterAlwaysMatches(t *testing.T) {
	assert.True(t, Match(eventWithValue(big.NewInt(1)), nil))
}

func TestMatchGreaterThan(t *testing.T) {
	ev := eventWithValue(big.NewInt(1000))
	assert.False(t, Match(ev, map[string]Predicate{"args.value": {Op: "gt", Value: "1000"}}))
	assert.True(t, Match(ev, map[string]Predicate{"args.value": {Op: "gt", Value: "999"}}))
}

func TestMatchEquality(t *testing.T) {
	ev := eventWithValue(big.NewInt(1))
	assert.True(t, Match(ev, map[string]Predicate{"args.from": {Op: "eq", Value: "0xaaaa"}}))
	assert.False(t, Match(ev, map[string]Predicate{"args.from": {Op: "eq", Value: "0xbbbb"}}))
}

func TestMatchMissingPathIsNoMatch(t *testing.T) {
	ev := eventWithValue(big.NewInt(1))
	assert.False(t, Match(ev, map[string]Predicate{"args.missing": {Op: "eq", Value: "x"}}))
}

func TestMatchNonNumericNeverErrors(t *testing.T) {
	ev := event.BlockchainEvent{Args: map[string]event.Value{"from": event.NewString("not-a-number")}}
	assert.False(t, Match(ev, map[string]Predicate{"args.from": {Op: "gt", Value: "10"}}))
}

func TestMatchContains(t *testing.T) {
	ev := eventWithValue(big.NewInt(1))
	assert.True(t, Match(ev, map[string]Predicate{"args.from": {Op: "contains", Value: "aaa"}}))
}
