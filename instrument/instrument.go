// Package instrument holds static contract metadata and the registry that
// resolves symbols to stable integer ids once, at subscription time.
package instrument

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnknown = errors.New("unknown instrument")

// ID addresses an instrument inside a Registry. Ids are dense and start at 0.
type ID int

type Type string

const (
	TypeStock   Type = "stock"
	TypeFutures Type = "futures"
)

// Instrument is immutable contract metadata. BPV is the value of one full
// point of price movement for one unit of quantity.
type Instrument struct {
	Symbol   string
	Type     Type
	TickSize decimal.Decimal
	BPV      decimal.Decimal
	Currency string
	// Commission is the fee charged per unit traded, as a negative amount.
	// Zero disables fees.
	Commission decimal.Decimal
}

// Normalize fills unset fields with defaults and makes the commission
// negative. The registry stores normalized instruments only.
func (i Instrument) Normalize() Instrument {
	if i.Type == "" {
		i.Type = TypeFutures
	}
	if !i.TickSize.IsPositive() {
		i.TickSize = decimal.New(1, -2)
	}
	if !i.BPV.IsPositive() {
		i.BPV = decimal.NewFromInt(1)
	}
	if i.Currency == "" {
		i.Currency = "USD"
	}
	if i.Commission.IsPositive() {
		i.Commission = i.Commission.Neg()
	}
	return i
}

// RoundToTick rounds price to the nearest multiple of the tick size.
func (i Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if !i.TickSize.IsPositive() {
		return price
	}
	return price.Div(i.TickSize).Round(0).Mul(i.TickSize)
}

// FloorToTick rounds price down to a tick boundary.
func (i Instrument) FloorToTick(price decimal.Decimal) decimal.Decimal {
	if !i.TickSize.IsPositive() {
		return price
	}
	return price.Div(i.TickSize).Floor().Mul(i.TickSize)
}

// CeilToTick rounds price up to a tick boundary.
func (i Instrument) CeilToTick(price decimal.Decimal) decimal.Decimal {
	if !i.TickSize.IsPositive() {
		return price
	}
	return price.Div(i.TickSize).Ceil().Mul(i.TickSize)
}

// TicksToPrice converts a tick count to a price distance.
func (i Instrument) TicksToPrice(ticks int64) decimal.Decimal {
	return i.TickSize.Mul(decimal.NewFromInt(ticks))
}

// OnTick reports whether price lies exactly on a tick boundary.
func (i Instrument) OnTick(price decimal.Decimal) bool {
	if !i.TickSize.IsPositive() {
		return true
	}
	return price.Mod(i.TickSize).IsZero()
}

// Value is quantity x bpv x price.
func (i Instrument) Value(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(i.BPV).Mul(price)
}

// Fee returns the commission for trading qty units (sign of qty ignored).
func (i Instrument) Fee(qty decimal.Decimal) decimal.Decimal {
	return qty.Abs().Mul(i.Commission)
}

// Registry is an arena of instruments. Symbols are hashed once in Register or
// Lookup; everything downstream works with the returned ID.
type Registry struct {
	items []Instrument
	ids   map[string]ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]ID)}
}

// Register adds inst or returns the existing id when the symbol is known.
func (r *Registry) Register(inst Instrument) (ID, error) {
	if inst.Symbol == "" {
		return -1, fmt.Errorf("register instrument: empty symbol")
	}
	if id, ok := r.ids[inst.Symbol]; ok {
		return id, nil
	}
	id := ID(len(r.items))
	r.items = append(r.items, inst.Normalize())
	r.ids[inst.Symbol] = id
	return id, nil
}

// Lookup resolves symbol to its id.
func (r *Registry) Lookup(symbol string) (ID, error) {
	id, ok := r.ids[symbol]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknown, symbol)
	}
	return id, nil
}

// Get returns the instrument of id. It panics on an id it did not hand out.
func (r *Registry) Get(id ID) Instrument {
	return r.items[id]
}

func (r *Registry) Len() int {
	return len(r.items)
}

// All returns instruments in id order.
func (r *Registry) All() []Instrument {
	out := make([]Instrument, len(r.items))
	copy(out, r.items)
	return out
}
