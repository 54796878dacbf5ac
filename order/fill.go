package order

import (
	"github.com/shopspring/decimal"
)

// TryFill decides whether the order fills on tick given the current signed
// position. With executeOnLimitOrStop set, the tick is a bar extremum that the
// price travelled through, so limit and stop orders fill at their own price;
// otherwise they fill at the tick price.
//
// The only state it touches is the stop-limit trigger flag.
func (o *Order) TryFill(tick Tick, position decimal.Decimal, executeOnLimitOrStop bool) (Fill, bool) {
	if o.state != StateActive || !o.positionAllows(position) {
		return Fill{}, false
	}
	qty := o.fillQuantity(position)
	if !qty.IsPositive() {
		return Fill{}, false
	}
	price, ok := o.match(tick.Price, executeOnLimitOrStop)
	if !ok {
		return Fill{}, false
	}
	signed := qty
	if !o.Kind.Buys() {
		signed = qty.Neg()
	}
	return Fill{
		Price:      price,
		Quantity:   qty,
		TxQuantity: signed,
		Position:   position.Add(signed),
	}, true
}

// Crosses reports whether the price condition alone would be met on tick,
// ignoring the position precondition. It never changes the order.
func (o *Order) Crosses(tick Tick, executeOnLimitOrStop bool) bool {
	if o.state != StateActive {
		return false
	}
	p := tick.Price
	switch o.Kind.Type {
	case Market:
		return true
	case Limit:
		return o.limitHolds(p)
	case Stop:
		return o.stopHit(p)
	case StopLimit:
		if o.triggered {
			return o.limitHolds(p)
		}
		if !o.stopHit(p) {
			return false
		}
		if executeOnLimitOrStop {
			return o.limitHolds(o.StopPrice)
		}
		return o.limitHolds(p)
	}
	return false
}

func (o *Order) positionAllows(position decimal.Decimal) bool {
	if o.Kind.Action == Enter {
		return position.IsZero()
	}
	return position.Sign() == int(o.Kind.Side)
}

func (o *Order) fillQuantity(position decimal.Decimal) decimal.Decimal {
	if o.Kind.Action == Enter {
		return o.Quantity
	}
	held := position.Abs()
	if o.CloseAll {
		return held
	}
	return decimal.Min(o.Quantity, held)
}

func (o *Order) match(p decimal.Decimal, atBound bool) (decimal.Decimal, bool) {
	switch o.Kind.Type {
	case Market:
		return p, true
	case Limit:
		return o.limitFill(p, atBound)
	case Stop:
		if !o.stopHit(p) {
			return decimal.Zero, false
		}
		if atBound {
			return o.StopPrice, true
		}
		return p, true
	case StopLimit:
		if o.triggered {
			return o.limitFill(p, atBound)
		}
		if !o.stopHit(p) {
			return decimal.Zero, false
		}
		// The stop was traded through at its own price on an extremum, so
		// that is where the limit is checked.
		if atBound && o.limitHolds(o.StopPrice) {
			return o.StopPrice, true
		}
		if !atBound && o.limitHolds(p) {
			return p, true
		}
		o.triggered = true
		return decimal.Zero, false
	}
	return decimal.Zero, false
}

func (o *Order) limitFill(p decimal.Decimal, atBound bool) (decimal.Decimal, bool) {
	if !o.limitHolds(p) {
		return decimal.Zero, false
	}
	if atBound {
		return o.LimitPrice, true
	}
	return p, true
}

// limitHolds: buyers accept prices at or below the limit, sellers at or above.
func (o *Order) limitHolds(p decimal.Decimal) bool {
	if o.Kind.Buys() {
		return p.LessThanOrEqual(o.LimitPrice)
	}
	return p.GreaterThanOrEqual(o.LimitPrice)
}

// stopHit: buy stops trigger at or above the stop, sell stops at or below.
func (o *Order) stopHit(p decimal.Decimal) bool {
	if o.Kind.Buys() {
		return p.GreaterThanOrEqual(o.StopPrice)
	}
	return p.LessThanOrEqual(o.StopPrice)
}

// Eligible reports whether the position precondition for o holds: entries
// need a flat position, exits one on their side.
func (o *Order) Eligible(position decimal.Decimal) bool {
	return o.positionAllows(position)
}
