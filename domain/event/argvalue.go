// Package event defines the blockchain event value type and the closed
// tagged-value variant used for its decoded arguments, replacing the
// open "bag of keys" dynamic objects of the source this pipeline is
// modeled on.
package event

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the closed set of argument value shapes a decoded event argument
// can take.
type Kind int

const (
	KindAddress Kind = iota
	KindBigInt
	KindBytes
	KindBool
	KindString
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindBigInt:
		return "bigint"
	case KindBytes:
		return "bytes"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is a single decoded argument. Exactly one of the typed accessors is
// meaningful, selected by Kind.
type Value struct {
	kind Kind

	address common.Address
	bigInt  *big.Int
	bytes   []byte
	boolean bool
	str     string
	array   []Value
}

// Kind reports which accessor is valid for this Value.
func (v Value) Kind() Kind { return v.kind }

func NewAddress(addr common.Address) Value { return Value{kind: KindAddress, address: addr} }
func NewBigInt(n *big.Int) Value           { return Value{kind: KindBigInt, bigInt: n} }
func NewBytes(b []byte) Value              { return Value{kind: KindBytes, bytes: b} }
func NewBool(b bool) Value                 { return Value{kind: KindBool, boolean: b} }
func NewString(s string) Value             { return Value{kind: KindString, str: s} }
func NewArray(vs []Value) Value            { return Value{kind: KindArray, array: vs} }

// Address returns the address payload and whether Kind was KindAddress.
func (v Value) Address() (common.Address, bool) {
	return v.address, v.kind == KindAddress
}

// BigInt returns the big-integer payload and whether Kind was KindBigInt.
func (v Value) BigInt() (*big.Int, bool) {
	return v.bigInt, v.kind == KindBigInt
}

// Bytes returns the byte-string payload and whether Kind was KindBytes.
func (v Value) Bytes() ([]byte, bool) {
	return v.bytes, v.kind == KindBytes
}

// Bool returns the boolean payload and whether Kind was KindBool.
func (v Value) Bool() (bool, bool) {
	return v.boolean, v.kind == KindBool
}

// Str returns the string payload and whether Kind was KindString.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Array returns the nested-value payload and whether Kind was KindArray.
func (v Value) Array() ([]Value, bool) {
	return v.array, v.kind == KindArray
}

// Render converts any Value to its canonical string form. Formatters and the
// Filter Engine do not call it; they read arguments through Interface.
func (v Value) Render() string {
	switch v.kind {
	case KindAddress:
		return v.address.Hex()
	case KindBigInt:
		if v.bigInt == nil {
			return "0"
		}
		return v.bigInt.String()
	case KindBytes:
		return fmt.Sprintf("0x%x", v.bytes)
	case KindBool:
		if v.boolean {
			return "true"
		}
		return "false"
	case KindString:
		return v.str
	case KindArray:
		out := "["
		for i, elem := range v.array {
			if i > 0 {
				out += ","
			}
			out += elem.Render()
		}
		return out + "]"
	default:
		return ""
	}
}

// Interface returns the Value in the native Go representation most useful
// to a generic JSON encoder (json.Marshal-friendly).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindAddress:
		return v.address.Hex()
	case KindBigInt:
		if v.bigInt == nil {
			return "0"
		}
		return v.bigInt.String()
	case KindBytes:
		return fmt.Sprintf("0x%x", v.bytes)
	case KindBool:
		return v.boolean
	case KindString:
		return v.str
	case KindArray:
		out := make([]interface{}, len(v.array))
		for i, elem := range v.array {
			out[i] = elem.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON lets a Value be embedded directly in a JSON-encoded payload.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}
