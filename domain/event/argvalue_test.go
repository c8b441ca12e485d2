package event

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestValueRenderByKind(t *testing.T) {
	addr := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	tests := []struct {
		name string
		v    Value
		want string
	}{
		{"address", NewAddress(addr), addr.Hex()},
		{"bigint", NewBigInt(big.NewInt(1000)), "1000"},
		{"bool true", NewBool(true), "true"},
		{"bool false", NewBool(false), "false"},
		{"string", NewString("hello"), "hello"},
		{"array", NewArray([]Value{NewString("a"), NewString("b")}), "[a,b]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.v.Render())
		})
	}
}

func TestValueAccessorsReportKindMismatch(t *testing.T) {
	v := NewString("hi")
	_, ok := v.BigInt()
	assert.False(t, ok)

	s, ok := v.Str()
	assert.True(t, ok)
	assert.Equal(t, "hi", s)
}

func TestBlockchainEventDedupeKey(t *testing.T) {
	e1 := BlockchainEvent{
		TxHash:          common.HexToHash("0x01"),
		ContractAddress: common.HexToAddress("0x02"),
		LogIndex:        3,
	}
	e2 := e1
	e2.LogIndex = 4

	assert.NotEqual(t, e1.DedupeKey(), e2.DedupeKey())
	assert.Equal(t, e1.DedupeKey(), e1.DedupeKey())
}

func TestArgsAsInterfaceMap(t *testing.T) {
	e := BlockchainEvent{
		Args: map[string]Value{
			"value": NewBigInt(big.NewInt(42)),
		},
	}
	m := e.ArgsAsInterfaceMap()
	assert.Equal(t, "42", m["value"])
}
