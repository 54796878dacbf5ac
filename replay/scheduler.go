package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"backtester/account"
	"backtester/feed"
	"backtester/instrument"
	"backtester/ledger"
	"backtester/metrics"
	"backtester/order"
)

const DefaultPortfolio = "main"

// record is the per-instrument runtime state, addressed by instrument id.
type record struct {
	id   instrument.ID
	inst instrument.Instrument

	// orders holds admitted orders until they are purged after the closed
	// notification; pending holds submitted orders awaiting admission.
	orders  []*order.Order
	pending []*order.Order

	marked bool
	bars   int
}

type Option func(*Scheduler)

// WithLogger sets the logger for fills and cancels.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithMetrics(m *metrics.Replay) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithPortfolio(name string) Option {
	return func(s *Scheduler) { s.portfolio = name }
}

// Scheduler replays bars against orders. It is single-threaded: every method,
// including the Broker methods called back from the strategy, must run on the
// goroutine driving the replay.
type Scheduler struct {
	reg       *instrument.Registry
	acct      *account.Account
	portfolio string
	strategy  Strategy
	log       logrus.FieldLogger
	metrics   *metrics.Replay

	recs    []*record
	orderID uint64
	execs   []Execution

	period     []feed.Bar
	periodTime time.Time
	hasPeriod  bool
}

// NewScheduler creates a scheduler booking into acct.
func NewScheduler(reg *instrument.Registry, acct *account.Account, opts ...Option) *Scheduler {
	s := &Scheduler{
		reg:       reg,
		acct:      acct,
		portfolio: DefaultPortfolio,
		strategy:  nopStrategy{},
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	acct.AddPortfolio(s.portfolio)
	return s
}

// SetStrategy installs the notification target. A nil strategy turns
// notifications into no-ops.
func (s *Scheduler) SetStrategy(st Strategy) {
	if st == nil {
		st = nopStrategy{}
	}
	s.strategy = st
}

// Register makes an instrument tradable and returns its id.
func (s *Scheduler) Register(inst instrument.Instrument) (instrument.ID, error) {
	id, err := s.reg.Register(inst)
	if err != nil {
		return id, err
	}
	s.record(id)
	return id, nil
}

// Subscribe registers symbol with the metadata f holds for it and subscribes
// f to its bars.
func (s *Scheduler) Subscribe(f feed.Feed, symbol string) (instrument.ID, error) {
	inst, err := f.Instrument(symbol)
	if err != nil {
		return -1, err
	}
	id, err := s.Register(inst)
	if err != nil {
		return -1, err
	}
	if err := f.Subscribe(symbol); err != nil {
		return -1, err
	}
	return id, nil
}

func (s *Scheduler) record(id instrument.ID) *record {
	for int(id) >= len(s.recs) {
		s.recs = append(s.recs, nil)
	}
	if s.recs[id] == nil {
		s.recs[id] = &record{id: id, inst: s.reg.Get(id)}
	}
	return s.recs[id]
}

func (s *Scheduler) lookup(symbol string) (*record, error) {
	id, err := s.reg.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return s.record(id), nil
}

// Account returns the account fills are booked into.
func (s *Scheduler) Account() *account.Account { return s.acct }

func (s *Scheduler) Portfolio() string { return s.portfolio }

// Executions returns the execution log in fill order.
func (s *Scheduler) Executions() []Execution { return s.execs }

// Orders returns the live and not yet purged orders of symbol.
func (s *Scheduler) Orders(symbol string) []*order.Order {
	rec, err := s.lookup(symbol)
	if err != nil {
		return nil
	}
	out := make([]*order.Order, 0, len(rec.orders)+len(rec.pending))
	out = append(out, rec.orders...)
	return append(out, rec.pending...)
}

// SubmitOrder queues o. It becomes active at the next admission point.
func (s *Scheduler) SubmitOrder(o *order.Order) error {
	if o.State() != order.StateNew || o.ID != 0 {
		return fmt.Errorf("submit %s: %w", o, ErrNotPending)
	}
	if err := o.Validate(); err != nil {
		return err
	}
	rec, err := s.lookup(o.Symbol)
	if err != nil {
		return fmt.Errorf("submit %s: %w", o, err)
	}
	s.orderID++
	o.ID = s.orderID
	rec.pending = append(rec.pending, o)
	s.log.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID}).Debugf("submitted %s", o)
	return nil
}

// CancelAllOrders cancels the orders of symbols, or of every symbol when none is given.
func (s *Scheduler) CancelAllOrders(symbols ...string) {
	if len(symbols) == 0 {
		for _, rec := range s.recs {
			if rec != nil {
				s.cancelRecord(rec, "cancel_all")
			}
		}
		return
	}
	for _, sym := range symbols {
		if rec, err := s.lookup(sym); err == nil {
			s.cancelRecord(rec, "cancel_all")
		}
	}
}

func (s *Scheduler) cancelRecord(rec *record, reason string) {
	for _, o := range rec.orders {
		s.cancel(o, reason)
	}
	for _, o := range rec.pending {
		s.cancel(o, reason)
	}
}

func (s *Scheduler) cancel(o *order.Order, reason string) {
	if o.Cancel() {
		s.metrics.Cancel(o.Symbol, reason)
		s.log.WithFields(logrus.Fields{"symbol": o.Symbol, "order_id": o.ID, "reason": reason}).Debug("order cancelled")
	}
}

// Position returns the position held in symbol.
func (s *Scheduler) Position(symbol string) decimal.Decimal {
	id, err := s.reg.Lookup(symbol)
	if err != nil {
		return decimal.Zero
	}
	p, err := s.acct.Portfolio(s.portfolio)
	if err != nil {
		return decimal.Zero
	}
	return p.Position(id)
}

func (s *Scheduler) position(rec *record) decimal.Decimal {
	p, _ := s.acct.Portfolio(s.portfolio)
	return p.Position(rec.id)
}

// Run starts the feed with OnBar as handler and flushes the final period.
func (s *Scheduler) Run(ctx context.Context, f feed.Feed) error {
	if err := f.Start(ctx, s.OnBar); err != nil {
		return err
	}
	return s.Flush()
}

// OnBar buffers b into the current period. A bar with a later timestamp
// flushes the buffered period first.
func (s *Scheduler) OnBar(b feed.Bar) error {
	if _, err := s.lookup(b.Symbol); err != nil {
		return fmt.Errorf("bar %s: %w", b.Symbol, err)
	}
	if s.hasPeriod {
		switch {
		case b.Time.Before(s.periodTime):
			return fmt.Errorf("%s bar at %s after %s: %w", b.Symbol,
				b.Time.Format(time.RFC3339), s.periodTime.Format(time.RFC3339), ErrChronology)
		case b.Time.Equal(s.periodTime):
			for _, p := range s.period {
				if p.Symbol == b.Symbol {
					return fmt.Errorf("%s at %s: %w", b.Symbol, b.Time.Format(time.RFC3339), ErrDuplicateBar)
				}
			}
			s.period = append(s.period, b)
			return nil
		}
		if err := s.Flush(); err != nil {
			return err
		}
	}
	s.period = append(s.period[:0], b)
	s.periodTime = b.Time
	s.hasPeriod = true
	return nil
}

// Flush processes the buffered period, if any. The period time is kept so
// that later bars are still checked against it.
func (s *Scheduler) Flush() error {
	if len(s.period) == 0 {
		return nil
	}
	bars := s.period
	s.period = nil
	return s.processPeriod(bars)
}

type slot struct {
	bar feed.Bar
	rec *record
}

func (s *Scheduler) processPeriod(bars []feed.Bar) error {
	slots := make([]slot, 0, len(bars))
	for _, b := range bars {
		rec, err := s.lookup(b.Symbol)
		if err != nil {
			return err
		}
		slots = append(slots, slot{bar: b, rec: rec})
		rec.bars++
		s.metrics.Bar(b.Symbol)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].rec.id < slots[j].rec.id })
	s.log.WithFields(logrus.Fields{"period": s.periodTime.Format(time.RFC3339), "bars": len(slots)}).Debug("period")

	// 1. open
	for _, sl := range slots {
		s.admit(sl.rec)
		if !sl.rec.marked {
			if _, err := s.acct.Mark(s.portfolio, sl.rec.id, ledger.At(sl.bar.Time), sl.bar.Open); err != nil {
				return err
			}
			sl.rec.marked = true
		}
		if err := s.match(sl, stageOpen, sl.bar.Open, false); err != nil {
			return err
		}
	}

	// 2. open notification
	for _, sl := range slots {
		s.strategy.OnBarOpen(sl.bar.OpenOnly())
	}
	s.admitAll(slots)

	// 3. low, 4. high
	for _, sl := range slots {
		if err := s.match(sl, stageLow, sl.bar.Low, true); err != nil {
			return err
		}
	}
	for _, sl := range slots {
		if err := s.match(sl, stageHigh, sl.bar.High, true); err != nil {
			return err
		}
	}

	// 5. closing notification
	for _, sl := range slots {
		s.strategy.OnBarClosing(sl.bar)
	}
	s.admitAll(slots)

	// 6. close, then value the positions at the close
	for _, sl := range slots {
		if err := s.match(sl, stageClose, sl.bar.Close, false); err != nil {
			return err
		}
	}
	for _, sl := range slots {
		stamp := ledger.Stamp{Time: sl.bar.Time, Seq: uint32(stageClosed)}
		if _, err := s.acct.Mark(s.portfolio, sl.rec.id, stamp, sl.bar.Close); err != nil {
			return err
		}
	}

	// 7. closed notification
	for _, sl := range slots {
		s.strategy.OnBarClosed(sl.bar)
	}
	for _, sl := range slots {
		if sl.bar.Last {
			s.cancelRecord(sl.rec, "last_bar")
		}
		for _, o := range sl.rec.orders {
			if o.CountBar() {
				s.cancel(o, "expired")
			}
		}
	}
	s.admitAll(slots)
	for _, sl := range slots {
		sl.rec.orders = purge(sl.rec.orders)
	}

	if err := s.acct.UpdateEndEquity(s.periodTime); err != nil {
		return err
	}
	if eq, err := s.acct.EndEquity(s.periodTime); err == nil {
		s.metrics.Period(eq.InexactFloat64())
	}
	return nil
}

// admit activates pending orders. Orders cancelled before admission are
// dropped.
func (s *Scheduler) admit(rec *record) {
	for _, o := range rec.pending {
		if o.State() != order.StateNew {
			continue
		}
		o.Activate()
		rec.orders = append(rec.orders, o)
	}
	rec.pending = rec.pending[:0]
}

// admitAll admits for every instrument of the period. A notification for one
// bar may have placed orders on another.
func (s *Scheduler) admitAll(slots []slot) {
	for _, sl := range slots {
		s.admit(sl.rec)
	}
}

func purge(orders []*order.Order) []*order.Order {
	live := orders[:0]
	for _, o := range orders {
		if !o.IsDone() {
			live = append(live, o)
		}
	}
	for i := len(live); i < len(orders); i++ {
		orders[i] = nil
	}
	return live
}
