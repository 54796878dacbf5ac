package replay

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"backtester/ledger"
	"backtester/order"
)

// match runs one tick against the admitted orders of an instrument.
//
// Orders are tried in submission order, repeating while fills happen so that
// a full exit followed by a reversing entry works regardless of which was
// submitted first. Each order is priced at most once per tick; orders whose
// position precondition does not hold yet are retried.
//
// After a partial close or an opening fill, another entry whose price
// condition is met cannot be modelled with one transition per tick and stops
// the run with ErrUnsupported.
func (s *Scheduler) match(sl slot, st stage, price decimal.Decimal, atBound bool) error {
	rec := sl.rec
	tick := order.Tick{
		Symbol: sl.bar.Symbol,
		Stamp:  ledger.Stamp{Time: sl.bar.Time, Seq: uint32(st)},
		Price:  price,
		Volume: sl.bar.Volume,
	}

	var (
		tried   = make(map[*order.Order]bool)
		opened  bool
		reduced bool
	)
	for progress := true; progress; {
		progress = false
		for _, o := range rec.orders {
			if !o.IsActive() || tried[o] {
				continue
			}
			pos := s.position(rec)
			if !o.Eligible(pos) {
				continue
			}
			tried[o] = true
			f, ok := o.TryFill(tick, pos, atBound)
			if !ok {
				continue
			}
			if o.Kind.Action == order.Enter && opened {
				return fmt.Errorf("%s %s: second opening fill at %s: %w", tick.Symbol, st, o, ErrUnsupported)
			}
			if err := s.execute(rec, o, f, tick, st); err != nil {
				return err
			}
			if o.Kind.Action == order.Enter {
				opened = true
			} else if !f.Position.IsZero() {
				reduced = true
			}
			progress = true
		}
	}

	if !opened && !reduced {
		return nil
	}
	pos := s.position(rec)
	if pos.IsZero() {
		return nil
	}
	for _, o := range rec.orders {
		if o.IsActive() && o.Kind.Action == order.Enter && o.Crosses(tick, atBound) {
			return fmt.Errorf("%s %s: entry %s triggered while position is %s: %w", tick.Symbol, st, o, pos, ErrUnsupported)
		}
	}
	return nil
}

// execute books a fill: ledger transaction, execution log, OCA cancellation,
// then the strategy notification.
func (s *Scheduler) execute(rec *record, o *order.Order, f order.Fill, tick order.Tick, st stage) error {
	stamp, err := s.fillStamp(rec, tick.Stamp)
	if err != nil {
		return err
	}
	fee := rec.inst.Fee(f.TxQuantity)
	if err := s.acct.AddTransaction(s.portfolio, rec.id, stamp, f.TxQuantity, f.Price, fee); err != nil {
		return fmt.Errorf("%s fill of %s: %w", tick.Symbol, o, err)
	}
	o.Fill()

	exec := Execution{
		ID:       uint64(len(s.execs) + 1),
		OrderID:  o.ID,
		Symbol:   rec.inst.Symbol,
		Stamp:    stamp,
		Price:    f.Price,
		Quantity: f.TxQuantity,
		Fee:      fee,
		Signal:   o.Signal,
	}
	s.execs = append(s.execs, exec)
	s.metrics.Fill(rec.inst.Symbol, o.Kind.String())
	s.log.WithFields(logrus.Fields{
		"symbol":   rec.inst.Symbol,
		"order_id": o.ID,
		"stage":    st.String(),
		"price":    f.Price.String(),
		"qty":      f.TxQuantity.String(),
		"position": f.Position.String(),
	}).Debug("order filled")

	s.cancelSiblings(rec, o, f)
	s.strategy.OnOrderExecuted(Notification{Order: o, Execution: exec})
	return nil
}

// cancelSiblings cancels the rest of the filled order's OCA group. An exit
// without a group that flattens the position cancels the other exits on its
// side of the instrument; a partial exit leaves them working.
func (s *Scheduler) cancelSiblings(rec *record, filled *order.Order, f order.Fill) {
	if filled.Group != "" {
		for _, r := range s.recs {
			if r == nil {
				continue
			}
			for _, list := range [][]*order.Order{r.orders, r.pending} {
				for _, o := range list {
					if o != filled && o.Group == filled.Group {
						s.cancel(o, "oca")
					}
				}
			}
		}
		return
	}
	if filled.Kind.Action != order.Exit || !f.Position.IsZero() {
		return
	}
	for _, o := range rec.orders {
		if o != filled && o.IsActive() && o.Kind.Action == order.Exit && o.Kind.Side == filled.Kind.Side {
			s.cancel(o, "exit_filled")
		}
	}
}

// fillStamp is the tick stamp, moved past the instrument's last transaction
// when several fills share one step. It may not run into the next step.
func (s *Scheduler) fillStamp(rec *record, base ledger.Stamp) (ledger.Stamp, error) {
	p, err := s.acct.Portfolio(s.portfolio)
	if err != nil {
		return base, err
	}
	stamp := base
	if txs := p.Ledger(rec.id).Transactions(); len(txs) > 0 {
		if last := txs[len(txs)-1].Stamp; !stamp.After(last) {
			stamp = last.Next()
		}
	}
	// leave room for the split an opening remainder may need
	if stamp.Seq+1 >= base.Seq+uint32(stageOpen) {
		return stamp, fmt.Errorf("%s: too many fills in one step: %w", rec.inst.Symbol, ErrUnsupported)
	}
	return stamp, nil
}
