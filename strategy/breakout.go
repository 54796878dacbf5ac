// Package strategy holds sample strategies driven by the replay scheduler.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"backtester/feed"
	"backtester/instrument"
	"backtester/order"
	"backtester/replay"
)

type BreakoutParams struct {
	// Lookback is the number of closed bars spanned by the box.
	Lookback int `yaml:"lookback" json:"lookback"`
	// EntryTicks moves the entry stops that many ticks outside the box.
	EntryTicks int64 `yaml:"entry_ticks" json:"entry_ticks"`
	// TargetMultiple sets the profit target at entry +/- multiple x box height.
	TargetMultiple float64 `yaml:"target_multiple" json:"target_multiple"`
	Quantity       float64 `yaml:"quantity" json:"quantity"`
	// ExpireBars is the lifetime of an unfilled pair of entry stops.
	ExpireBars int  `yaml:"expire_bars" json:"expire_bars"`
	LongOnly   bool `yaml:"long_only" json:"long_only"`
}

func (p BreakoutParams) withDefaults() BreakoutParams {
	if p.Lookback <= 0 {
		p.Lookback = 20
	}
	if p.EntryTicks < 0 {
		p.EntryTicks = 0
	}
	if p.TargetMultiple <= 0 {
		p.TargetMultiple = 1.0
	}
	if p.Quantity <= 0 {
		p.Quantity = 1
	}
	if p.ExpireBars <= 0 {
		p.ExpireBars = 1
	}
	return p
}

// DefaultBreakoutParams returns the parameters used for unset fields.
func DefaultBreakoutParams() BreakoutParams {
	return BreakoutParams{}.withDefaults()
}

type box struct {
	high, low decimal.Decimal
}

func (b box) height() decimal.Decimal { return b.high.Sub(b.low) }

type symbolState struct {
	inst  instrument.Instrument
	highs []decimal.Decimal
	lows  []decimal.Decimal
	// box the current entry stops were derived from
	armed box
	seq   int
}

// Breakout trades a break of the trailing high/low box. While flat it keeps a
// buy stop above and a sell stop below the box, linked one-cancels-all. A fill
// brings a protective stop at the opposite edge of the box and a limit target;
// the two exits cancel each other.
type Breakout struct {
	broker replay.Broker
	reg    *instrument.Registry
	params BreakoutParams
	qty    decimal.Decimal
	log    logrus.FieldLogger

	states map[string]*symbolState
}

var _ replay.Strategy = (*Breakout)(nil)

// NewBreakout creates the strategy. It submits orders through broker.
func NewBreakout(broker replay.Broker, reg *instrument.Registry, p BreakoutParams, log logrus.FieldLogger) *Breakout {
	p = p.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Breakout{
		broker: broker,
		reg:    reg,
		params: p,
		qty:    decimal.NewFromFloat(p.Quantity),
		log:    log.WithField("strategy", "breakout"),
		states: make(map[string]*symbolState),
	}
}

func (s *Breakout) Params() BreakoutParams { return s.params }

func (s *Breakout) state(symbol string) (*symbolState, error) {
	if st, ok := s.states[symbol]; ok {
		return st, nil
	}
	id, err := s.reg.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	st := &symbolState{inst: s.reg.Get(id)}
	s.states[symbol] = st
	return st, nil
}

func (s *Breakout) OnBarOpen(feed.Bar) {}

func (s *Breakout) OnBarClosing(feed.Bar) {}

// OnBarClosed arms a pair of entry stops around the box while flat.
func (s *Breakout) OnBarClosed(b feed.Bar) {
	st, err := s.state(b.Symbol)
	if err != nil {
		s.log.WithError(err).Warn("bar for unregistered symbol")
		return
	}
	st.highs = append(st.highs, b.High)
	st.lows = append(st.lows, b.Low)
	if n := len(st.highs); n > s.params.Lookback {
		st.highs = st.highs[n-s.params.Lookback:]
		st.lows = st.lows[n-s.params.Lookback:]
	}
	if len(st.highs) < s.params.Lookback || b.Last {
		return
	}
	if !s.broker.Position(b.Symbol).IsZero() {
		return
	}

	bx := box{high: decimal.Max(st.highs[0], st.highs[1:]...), low: decimal.Min(st.lows[0], st.lows[1:]...)}
	if !bx.height().IsPositive() {
		return
	}
	st.armed = bx
	st.seq++
	group := fmt.Sprintf("%s-box-%d", b.Symbol, st.seq)
	offset := st.inst.TicksToPrice(s.params.EntryTicks)

	up := st.inst.CeilToTick(bx.high).Add(offset)
	orders := []*order.Order{
		order.EnterLong(b.Symbol, s.qty).AtStop(up).OCA(group).Tag("breakout_long").Expire(s.params.ExpireBars),
	}
	if !s.params.LongOnly {
		down := st.inst.FloorToTick(bx.low).Sub(offset)
		orders = append(orders,
			order.EnterShort(b.Symbol, s.qty).AtStop(down).OCA(group).Tag("breakout_short").Expire(s.params.ExpireBars))
	}
	for _, o := range orders {
		if err := s.broker.SubmitOrder(o); err != nil {
			s.log.WithError(err).WithField("symbol", b.Symbol).Warn("entry rejected")
		}
	}
	s.log.WithFields(logrus.Fields{
		"symbol": b.Symbol,
		"high":   bx.high.String(),
		"low":    bx.low.String(),
	}).Debug("box armed")
}

// OnOrderExecuted protects a new position with a stop and a target.
func (s *Breakout) OnOrderExecuted(n replay.Notification) {
	if n.Order.Kind.Action != order.Enter {
		return
	}
	st, err := s.state(n.Execution.Symbol)
	if err != nil {
		return
	}
	entry := n.Execution.Price
	reach := st.armed.height().Mul(decimal.NewFromFloat(s.params.TargetMultiple))

	var stop, target *order.Order
	if n.Order.Kind.Side == order.Long {
		stop = order.ExitLong(n.Order.Symbol).AtStop(st.inst.FloorToTick(st.armed.low))
		target = order.ExitLong(n.Order.Symbol).AtLimit(st.inst.CeilToTick(entry.Add(reach)))
	} else {
		stop = order.ExitShort(n.Order.Symbol).AtStop(st.inst.CeilToTick(st.armed.high))
		target = order.ExitShort(n.Order.Symbol).AtLimit(st.inst.FloorToTick(entry.Sub(reach)))
	}
	for _, o := range []*order.Order{stop.Tag("stop"), target.Tag("target")} {
		if err := s.broker.SubmitOrder(o); err != nil {
			s.log.WithError(err).WithField("symbol", n.Order.Symbol).Warn("exit rejected")
		}
	}
}
