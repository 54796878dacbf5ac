// Package replay drives bars through the order book and into the account.
//
// Every period (all bars sharing one timestamp) runs seven steps, each over
// all instruments of the period before the next begins:
//
//	open -> open notification -> low -> high -> closing notification -> close -> closed notification
//
// Fills on the low and high ticks execute at the order's own limit or stop
// price, since the bar traded through it; fills at open and close execute at
// the tick price.
package replay

import (
	"errors"

	"github.com/shopspring/decimal"

	"backtester/feed"
	"backtester/ledger"
	"backtester/order"
)

var (
	ErrChronology   = errors.New("bar out of chronological order")
	ErrUnsupported  = errors.New("unsupported order combination")
	ErrDuplicateBar = errors.New("duplicate bar in period")
	ErrNotPending   = errors.New("order already submitted")
)

// Execution is the durable record of a fill. Quantity is signed.
type Execution struct {
	ID       uint64          `json:"id"`
	OrderID  uint64          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Stamp    ledger.Stamp    `json:"stamp"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Fee      decimal.Decimal `json:"fee"`
	Signal   string          `json:"signal,omitempty"`
}

type Notification struct {
	Order     *order.Order
	Execution Execution
}

// Strategy receives the bar notifications and fill notifications. Orders are
// placed through the Broker handed to the strategy by its constructor.
type Strategy interface {
	// OnBarOpen sees only the open price.
	OnBarOpen(b feed.Bar)
	OnBarClosing(b feed.Bar)
	OnBarClosed(b feed.Bar)
	OnOrderExecuted(n Notification)
}

// Broker is the order-entry side of the scheduler as seen by a strategy.
type Broker interface {
	SubmitOrder(o *order.Order) error
	// CancelAllOrders cancels every live order of the given symbols, or of
	// all symbols when none are given.
	CancelAllOrders(symbols ...string)
	Position(symbol string) decimal.Decimal
}

type nopStrategy struct{}

func (nopStrategy) OnBarOpen(feed.Bar) {}

func (nopStrategy) OnBarClosing(feed.Bar) {}

func (nopStrategy) OnBarClosed(feed.Bar) {}

func (nopStrategy) OnOrderExecuted(Notification) {}

// stage is the sub-tick sequence base of each step. Fills within a step take
// successive sequence numbers above the base.
type stage uint32

const (
	stageOpen   stage = 1 << 4
	stageLow    stage = 2 << 4
	stageHigh   stage = 3 << 4
	stageClose  stage = 4 << 4
	stageClosed stage = 5 << 4
)

func (s stage) String() string {
	switch s {
	case stageOpen:
		return "open"
	case stageLow:
		return "low"
	case stageHigh:
		return "high"
	case stageClose:
		return "close"
	case stageClosed:
		return "closed"
	}
	return "initial"
}
