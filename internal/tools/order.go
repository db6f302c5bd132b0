package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/MrWong99/voxline/internal/orderstore"
	"github.com/MrWong99/voxline/pkg/realtime"
)

// Names of the order tools.
const (
	SubTotalToolName   = "sub_total_order_not_final"
	PlaceOrderToolName = "place_order"
)

// productsSchema is the parameter schema shared by both order tools. The
// property layout is what deployed prompts were tuned against and is kept
// as is, including the unusual per-property keys.
const productsSchema = `{"type":"object","properties":{"products":{"type":"array","description":"Array of products to calculate the sum for.","items":{"type":"object","properties":{"quantity":{"type":"number","quantity":"Number of units of the product"},"value":{"type":"number","value":"Value of the product unit without $ sign"},"description":{"type":"string","description":"name for the product EXACTLY as it appears on the menu"},"special instructions":{"type":"string","description":"special instructions for the product paying attention to alergies, elements that need to be removed or added that are not extras (extras need to be on a different item)"}}}}},"required":[]}`

// SubTotalDefinition is the declaration of the running subtotal tool.
func SubTotalDefinition() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        SubTotalToolName,
		Description: "Calculate the addition of different products using quantity and value, and returns the total sum of the products.",
		Parameters:  json.RawMessage(productsSchema),
	}
}

// PlaceOrderDefinition is the declaration of the order submission tool.
func PlaceOrderDefinition() realtime.Tool {
	return realtime.Tool{
		Type:        "function",
		Name:        PlaceOrderToolName,
		Description: "Send the order to the kitchen for preparation and payment",
		Parameters:  json.RawMessage(productsSchema),
	}
}

// OrderPlacedFunc is notified after place_order stored an order.
type OrderPlacedFunc func(ctx context.Context, order *orderstore.Order)

// OrderTools returns the subtotal and place_order tools. store may be nil, in
// which case placed orders are only reported to onPlaced. onPlaced may be nil.
func OrderTools(store orderstore.Store, onPlaced OrderPlacedFunc) []BuiltinTool {
	return []BuiltinTool{
		{
			Definition: SubTotalDefinition(),
			Handler: func(_ context.Context, call Call) (string, error) {
				_, total, err := Totalize(call.Arguments)
				return total, err
			},
		},
		{
			Definition: PlaceOrderDefinition(),
			Handler: func(ctx context.Context, call Call) (string, error) {
				items, total, err := Totalize(call.Arguments)
				if err != nil {
					return "", err
				}
				order := orderstore.NewOrder(call.SessionID, call.CallID, items, total)
				if store != nil {
					if err := store.Create(ctx, order); err != nil {
						return "", fmt.Errorf("order could not be placed: %w", err)
					}
				}
				if onPlaced != nil {
					onPlaced(ctx, order)
				}
				return total, nil
			},
		},
	}
}

// Totalize parses the products argument object and returns its line items
// together with Σ quantity×value rendered as a numeric string.
//
// The arithmetic keeps integers exact while every operand is an integer
// literal and switches to float64 as soon as a fractional operand takes part,
// so [{"quantity":2,"value":3}] totals "6" while
// [{"quantity":2,"value":3.5},{"quantity":1,"value":10}] totals "17.0".
// A missing products key totals "0".
func Totalize(arguments string) ([]orderstore.LineItem, string, error) {
	var args map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(arguments))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, "", fmt.Errorf("invalid arguments: %w", err)
	}

	raw, ok := args["products"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, "0", nil
	}

	var products []json.RawMessage
	if err := json.Unmarshal(raw, &products); err != nil {
		return nil, "", errors.New("products must be an array")
	}

	var sum total
	items := make([]orderstore.LineItem, 0, len(products))
	for i, p := range products {
		var fields map[string]any
		pd := json.NewDecoder(bytes.NewReader(p))
		pd.UseNumber()
		if err := pd.Decode(&fields); err != nil || fields == nil {
			return nil, "", fmt.Errorf("products[%d] must be an object", i)
		}

		q, err := numberField(fields, "quantity")
		if err != nil {
			return nil, "", fmt.Errorf("products[%d]: %w", i, err)
		}
		v, err := numberField(fields, "value")
		if err != nil {
			return nil, "", fmt.Errorf("products[%d]: %w", i, err)
		}
		sum.add(q, v)

		qf, _ := q.Float64()
		vf, _ := v.Float64()
		item := orderstore.LineItem{Quantity: qf, Value: vf}
		item.Description, _ = fields["description"].(string)
		item.SpecialInstructions, _ = fields["special instructions"].(string)
		items = append(items, item)
	}
	return items, sum.String(), nil
}

func numberField(fields map[string]any, key string) (json.Number, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("missing %s", key)
	}
	n, ok := v.(json.Number)
	if !ok {
		return "", fmt.Errorf("%s must be a number, got %s", key, jsonKind(v))
	}
	return n, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// total accumulates products. It stays an exact integer until the first
// fractional term.
type total struct {
	isFloat bool
	i       big.Int
	f       float64
}

func (t *total) add(q, v json.Number) {
	qi, qok := intValue(q)
	vi, vok := intValue(v)
	if qok && vok {
		var p big.Int
		p.Mul(qi, vi)
		if t.isFloat {
			pf, _ := new(big.Float).SetInt(&p).Float64()
			t.f += pf
			return
		}
		t.i.Add(&t.i, &p)
		return
	}

	qf, _ := q.Float64()
	vf, _ := v.Float64()
	if !t.isFloat {
		t.f, _ = new(big.Float).SetInt(&t.i).Float64()
		t.isFloat = true
	}
	t.f += qf * vf
}

// intValue reports whether n is an integer literal.
func intValue(n json.Number) (*big.Int, bool) {
	if strings.ContainsAny(string(n), ".eE") {
		return nil, false
	}
	i, ok := new(big.Int).SetString(string(n), 10)
	return i, ok
}

func (t *total) String() string {
	if !t.isFloat {
		return t.i.String()
	}
	return formatFloat(t.f)
}

// formatFloat renders f as the shortest round-tripping decimal, keeping a
// trailing ".0" on integral values and switching to exponent notation for
// very large or very small magnitudes.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs >= 1e16 || abs < 1e-4) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
