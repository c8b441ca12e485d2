// Package formatter transforms a matched blockchain event into one of the
// four JSON payload shapes a webhook endpoint may request. Every formatter
// is a pure function of (event, format).
package formatter

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/R3E-Network/evm-webhook-relay/domain/event"
)

const (
	FormatGeneric = "generic"
	FormatA       = "A"
	FormatB       = "B"
	FormatC       = "C"
)

// Format renders ev as format; an empty format renders as generic and an
// unrecognized format returns an error.
func Format(ev event.BlockchainEvent, format string) (map[string]interface{}, error) {
	switch format {
	case FormatA:
		return formatA(ev), nil
	case FormatB:
		return formatB(ev), nil
	case FormatC:
		return formatC(ev), nil
	case FormatGeneric, "":
		return formatGeneric(ev), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func isoTimestamp(ev event.BlockchainEvent) string {
	return ev.ObservedAt.UTC().Format(time.RFC3339)
}

// formatGeneric preserves the event structure verbatim.
func formatGeneric(ev event.BlockchainEvent) map[string]interface{} {
	return map[string]interface{}{
		"contractAddress": ev.ContractAddress.Hex(),
		"eventName":       ev.EventName,
		"blockNumber":     ev.BlockNumber,
		"txHash":          ev.TxHash.Hex(),
		"logIndex":        ev.LogIndex,
		"args":            ev.ArgsAsInterfaceMap(),
		"timestamp":       isoTimestamp(ev),
	}
}

// formatA flattens into a single-level map with arg_-prefixed, snake-cased
// keys. Nested objects are dot-flattened; arrays and dates are left as-is.
func formatA(ev event.BlockchainEvent) map[string]interface{} {
	out := map[string]interface{}{
		"contract_address": ev.ContractAddress.Hex(),
		"event_name":       ev.EventName,
		"block_number":     ev.BlockNumber,
		"tx_hash":          ev.TxHash.Hex(),
		"log_index":        ev.LogIndex,
		"timestamp":        isoTimestamp(ev),
	}
	flattenInto(out, "arg_", ev.ArgsAsInterfaceMap())
	return out
}

func flattenInto(dst map[string]interface{}, prefix string, src map[string]interface{}) {
	for k, v := range src {
		key := prefix + snakeCase(k)
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(dst, key+".", nested)
			continue
		}
		dst[key] = v
	}
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// formatB nests chain/tx facts under "metadata" and decoded args under "data".
func formatB(ev event.BlockchainEvent) map[string]interface{} {
	return map[string]interface{}{
		"metadata": map[string]interface{}{
			"contractAddress": ev.ContractAddress.Hex(),
			"eventName":       ev.EventName,
			"blockNumber":     ev.BlockNumber,
			"txHash":          ev.TxHash.Hex(),
			"logIndex":        ev.LogIndex,
			"timestamp":       isoTimestamp(ev),
		},
		"data": ev.ArgsAsInterfaceMap(),
	}
}

// formatC wraps everything under "eventData" with "parameters" for arguments.
func formatC(ev event.BlockchainEvent) map[string]interface{} {
	return map[string]interface{}{
		"eventData": map[string]interface{}{
			"contractAddress": ev.ContractAddress.Hex(),
			"eventName":       ev.EventName,
			"blockNumber":     ev.BlockNumber,
			"txHash":          ev.TxHash.Hex(),
			"logIndex":        ev.LogIndex,
			"timestamp":       isoTimestamp(ev),
			"parameters":      ev.ArgsAsInterfaceMap(),
		},
	}
}
