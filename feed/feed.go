// Package feed supplies historical bars and instrument metadata to the
// replay scheduler.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"backtester/instrument"
)

var (
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrBadBar        = errors.New("malformed bar")
)

// Bar is one OHLC period. Bars are immutable once produced.
type Bar struct {
	Symbol        string          `json:"symbol"`
	Duration      time.Duration   `json:"duration"`
	Time          time.Time       `json:"time"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Volume        decimal.Decimal `json:"volume"`
	OpenInterest  decimal.Decimal `json:"open_interest"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	// Last marks the final bar the feed will produce for Symbol.
	Last bool `json:"last"`
}

// OpenOnly returns the bar as known at the open: only the open price is set.
func (b Bar) OpenOnly() Bar {
	return Bar{
		Symbol:   b.Symbol,
		Duration: b.Duration,
		Time:     b.Time,
		Open:     b.Open,
		Last:     b.Last,
	}
}

// Validate checks that the bar is named, dated and has a consistent range.
func (b Bar) Validate() error {
	switch {
	case b.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrBadBar)
	case b.Time.IsZero():
		return fmt.Errorf("%w: %s has no time", ErrBadBar, b.Symbol)
	case b.High.LessThan(b.Low):
		return fmt.Errorf("%w: %s %s high %s < low %s", ErrBadBar, b.Symbol, b.Time.Format(time.DateOnly), b.High, b.Low)
	case b.Open.GreaterThan(b.High) || b.Open.LessThan(b.Low):
		return fmt.Errorf("%w: %s %s open %s outside range", ErrBadBar, b.Symbol, b.Time.Format(time.DateOnly), b.Open)
	case b.Close.GreaterThan(b.High) || b.Close.LessThan(b.Low):
		return fmt.Errorf("%w: %s %s close %s outside range", ErrBadBar, b.Symbol, b.Time.Format(time.DateOnly), b.Close)
	}
	return nil
}

// Handler receives bars in time order. Returning an error stops the feed.
type Handler func(Bar) error

type Feed interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string)
	// Reset drops every subscription.
	Reset()
	// Start pushes bars of the subscribed symbols to h until exhausted, ctx
	// is done or h fails.
	Start(ctx context.Context, h Handler) error
	Instrument(symbol string) (instrument.Instrument, error)
}
