package event

import (
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BlockchainEvent is an immutable, decoded contract log. Once constructed by
// the Event Source it is never mutated; the Filter Engine, formatters, and
// Delivery Queue only ever read it.
type BlockchainEvent struct {
	ContractAddress common.Address
	EventName       string
	BlockNumber     uint64
	TxHash          common.Hash
	LogIndex        uint32
	Args            map[string]Value
	ObservedAt      time.Time
}

// DedupeKey identifies a log uniquely within a confirmation window; the
// Event Source uses it to silently drop repeats.
func (e BlockchainEvent) DedupeKey() string {
	return e.TxHash.Hex() + ":" + e.ContractAddress.Hex() + ":" + strconv.FormatUint(uint64(e.LogIndex), 10)
}

// ArgsAsInterfaceMap renders Args into a plain map[string]interface{}, the
// shape the Filter Engine's jsonpath evaluation and the formatters both need.
func (e BlockchainEvent) ArgsAsInterfaceMap() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Args))
	for k, v := range e.Args {
		out[k] = v.Interface()
	}
	return out
}
