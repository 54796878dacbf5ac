// Package order models trading intents and the single decision function that
// matches them against a price tick.
package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/ledger"
)

var ErrInvalid = errors.New("invalid order")

type Action int8

const (
	Enter Action = iota
	Exit
)

func (a Action) String() string {
	if a == Exit {
		return "exit"
	}
	return "enter"
}

// Side is the position side an order refers to, not the trade direction:
// exit-long sells, exit-short buys.
type Side int8

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

type Type int8

const (
	Market Type = iota
	Limit
	Stop
	StopLimit
)

func (t Type) String() string {
	switch t {
	case Market:
		return "market"
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop-limit"
	}
	return fmt.Sprintf("type(%d)", int8(t))
}

// Kind is the full order variant: action x side x price condition.
type Kind struct {
	Action Action
	Side   Side
	Type   Type
}

func (k Kind) String() string {
	return k.Action.String() + "-" + k.Side.String() + "-" + k.Type.String()
}

// Buys reports whether filling this kind adds to the signed position.
func (k Kind) Buys() bool {
	return (k.Action == Enter) == (k.Side == Long)
}

type State int8

const (
	StateNew State = iota
	StateActive
	StateFilled
	StateCancelled
)

func (s State) String() string {
	return [...]string{"new", "active", "filled", "cancelled"}[s]
}

// Tick is one price observation inside a bar.
type Tick struct {
	Symbol string
	Stamp  ledger.Stamp
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Fill is the result of a successful match. Quantity is unsigned; TxQuantity
// carries the direction.
type Fill struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	TxQuantity decimal.Decimal
	Position   decimal.Decimal
}

type Order struct {
	ID     uint64
	Symbol string
	Kind   Kind
	// Quantity is ignored when CloseAll is set.
	Quantity   decimal.Decimal
	CloseAll   bool
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	// Group links one-cancels-all orders. Empty means no group.
	Group  string
	Signal string
	// ExpireBars cancels the order after that many closed bars; 0 disables.
	ExpireBars int

	state     State
	triggered bool
	barsLeft  int
}

func newOrder(symbol string, action Action, side Side, qty decimal.Decimal) *Order {
	return &Order{
		Symbol:   symbol,
		Kind:     Kind{Action: action, Side: side, Type: Market},
		Quantity: qty,
	}
}

// EnterLong buys qty to open a long position, at market unless a price is set.
func EnterLong(symbol string, qty decimal.Decimal) *Order {
	return newOrder(symbol, Enter, Long, qty)
}

// EnterShort sells qty to open a short position.
func EnterShort(symbol string, qty decimal.Decimal) *Order {
	return newOrder(symbol, Enter, Short, qty)
}

// ExitLong closes the whole long position unless Qty is called.
func ExitLong(symbol string) *Order {
	o := newOrder(symbol, Exit, Long, decimal.Zero)
	o.CloseAll = true
	return o
}

// ExitShort buys back the whole short position.
func ExitShort(symbol string) *Order {
	o := newOrder(symbol, Exit, Short, decimal.Zero)
	o.CloseAll = true
	return o
}

// Qty sets the quantity. On an exit it replaces closing the whole position.
func (o *Order) Qty(q decimal.Decimal) *Order {
	o.Quantity = q
	o.CloseAll = false
	return o
}

// AtLimit makes o a limit order.
func (o *Order) AtLimit(price decimal.Decimal) *Order {
	o.Kind.Type = Limit
	o.LimitPrice = price
	return o
}

// AtStop makes o a stop order.
func (o *Order) AtStop(price decimal.Decimal) *Order {
	o.Kind.Type = Stop
	o.StopPrice = price
	return o
}

// AtStopLimit makes o a stop order that becomes a limit once triggered.
func (o *Order) AtStopLimit(stop, limit decimal.Decimal) *Order {
	o.Kind.Type = StopLimit
	o.StopPrice = stop
	o.LimitPrice = limit
	return o
}

// OCA puts o into a one-cancels-all group.
func (o *Order) OCA(group string) *Order {
	o.Group = group
	return o
}

// Tag sets the signal name carried into executions.
func (o *Order) Tag(signal string) *Order {
	o.Signal = signal
	return o
}

// Expire cancels o after it has been active for bars closed bars.
func (o *Order) Expire(bars int) *Order {
	o.ExpireBars = bars
	return o
}

func (o *Order) State() State { return o.state }

func (o *Order) IsActive() bool { return o.state == StateActive }

func (o *Order) IsDone() bool { return o.state == StateFilled || o.state == StateCancelled }

// Triggered reports whether a stop-limit order's stop has been hit.
func (o *Order) Triggered() bool { return o.triggered }

// Validate checks quantity and prices before the order is accepted.
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalid)
	}
	if !o.CloseAll && !o.Quantity.IsPositive() {
		return fmt.Errorf("%w: %s quantity %s must be positive", ErrInvalid, o.Kind, o.Quantity)
	}
	if o.CloseAll && o.Kind.Action != Exit {
		return fmt.Errorf("%w: close-all on %s", ErrInvalid, o.Kind)
	}
	switch o.Kind.Type {
	case Market:
	case Limit:
		if !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: %s needs a limit price", ErrInvalid, o.Kind)
		}
	case Stop:
		if !o.StopPrice.IsPositive() {
			return fmt.Errorf("%w: %s needs a stop price", ErrInvalid, o.Kind)
		}
	case StopLimit:
		if !o.StopPrice.IsPositive() || !o.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: %s needs stop and limit prices", ErrInvalid, o.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown type %s", ErrInvalid, o.Kind.Type)
	}
	if o.ExpireBars < 0 {
		return fmt.Errorf("%w: negative expiration", ErrInvalid)
	}
	return nil
}

// Activate admits a new order for matching.
func (o *Order) Activate() {
	if o.state == StateNew {
		o.state = StateActive
		o.barsLeft = o.ExpireBars
	}
}

// Fill marks o filled.
func (o *Order) Fill() {
	if o.state == StateActive {
		o.state = StateFilled
	}
}

// Cancel reports whether the order was live.
func (o *Order) Cancel() bool {
	if o.IsDone() {
		return false
	}
	o.state = StateCancelled
	return true
}

// CountBar decrements the expiration counter and reports whether it reached
// zero. Orders without expiration never expire.
func (o *Order) CountBar() bool {
	if o.ExpireBars == 0 || o.state != StateActive {
		return false
	}
	o.barsLeft--
	return o.barsLeft <= 0
}

func (o *Order) String() string {
	s := fmt.Sprintf("#%d %s %s", o.ID, o.Symbol, o.Kind)
	if o.CloseAll {
		s += " all"
	} else {
		s += " " + o.Quantity.String()
	}
	switch o.Kind.Type {
	case Limit:
		s += " @" + o.LimitPrice.String()
	case Stop:
		s += " stop " + o.StopPrice.String()
	case StopLimit:
		s += " stop " + o.StopPrice.String() + " limit " + o.LimitPrice.String()
	}
	return s
}
