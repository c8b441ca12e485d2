// Package filter evaluates a subscription's filter map against a decoded
// blockchain event. It is pure: no I/O, no suspension points.
package filter

import (
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/evm-webhook-relay/domain/event"
)

// Predicate is the closed set of comparison operators a filter entry may use.
type Predicate struct {
	Op    string // eq, ne, gt, lt, in, contains
	Value string
}

// Match reports whether event ev satisfies every predicate in filters. An
// empty filter map always matches. Keys traverse ev's argument map using a
// dotted path rooted at "args" (e.g. "args.from").
func Match(ev event.BlockchainEvent, filters map[string]Predicate) bool {
	if len(filters) == 0 {
		return true
	}

	root := map[string]interface{}{"args": ev.ArgsAsInterfaceMap()}

	for path, pred := range filters {
		actual, ok := resolve(root, path)
		if !ok {
			return false
		}
		if !evaluate(actual, pred) {
			return false
		}
	}
	return true
}

// resolve walks a dotted path ("args.from") against root using jsonpath,
// returning the string rendering of whatever it finds.
func resolve(root map[string]interface{}, path string) (string, bool) {
	query := "$." + path
	result, err := jsonpath.Get(query, root)
	if err != nil {
		return "", false
	}
	switch v := result.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		return toComparableString(v), true
	}
}

func toComparableString(v interface{}) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "true"
		}
		return "false"
	case []interface{}:
		var parts []string
		for _, e := range t {
			parts = append(parts, toComparableString(e))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// evaluate applies a single predicate. Numeric operators coerce both sides
// to arbitrary-precision decimals; a coercion failure on either side is a
// no-match, never an error, per the filter contract.
func evaluate(actual string, pred Predicate) bool {
	switch pred.Op {
	case "eq":
		return actual == pred.Value
	case "ne":
		return actual != pred.Value
	case "contains":
		return strings.Contains(actual, pred.Value)
	case "in":
		for _, candidate := range strings.Split(pred.Value, ",") {
			if actual == strings.TrimSpace(candidate) {
				return true
			}
		}
		return false
	case "gt":
		return compareDecimal(actual, pred.Value, func(cmp int) bool { return cmp > 0 })
	case "lt":
		return compareDecimal(actual, pred.Value, func(cmp int) bool { return cmp < 0 })
	default:
		return false
	}
}

func compareDecimal(actual, want string, pass func(cmp int) bool) bool {
	a, err := decimal.NewFromString(actual)
	if err != nil {
		return false
	}
	b, err := decimal.NewFromString(want)
	if err != nil {
		return false
	}
	return pass(a.Cmp(b))
}
