// Package account aggregates portfolios of position ledgers into one dated
// equity curve alongside external cash flows.
package account

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"backtester/instrument"
	"backtester/ledger"
)

var (
	ErrEquityUnresolved = errors.New("end equity not resolved")
	ErrUnknownPortfolio = errors.New("unknown portfolio")
)

// Summary is the account entry for one timestamp. Withdrawal and AdvisoryFee
// are stored negative. EndEquity is invalid until UpdateEndEquity reaches it.
type Summary struct {
	Time        time.Time           `json:"time"`
	Addition    decimal.Decimal     `json:"addition"`
	Withdrawal  decimal.Decimal     `json:"withdrawal"`
	Interest    decimal.Decimal     `json:"interest"`
	AdvisoryFee decimal.Decimal     `json:"advisory_fee"`
	Realized    decimal.Decimal     `json:"realized"`
	Unrealized  decimal.Decimal     `json:"unrealized"`
	Fees        decimal.Decimal     `json:"fees"`
	EndEquity   decimal.NullDecimal `json:"end_equity"`
}

// Gross is realized plus unrealized PnL.
func (s Summary) Gross() decimal.Decimal { return s.Realized.Add(s.Unrealized) }

// Net is trading PnL after fees.
func (s Summary) Net() decimal.Decimal { return s.Gross().Add(s.Fees) }

// NetPerformance is everything that changed equity except deposits and
// withdrawals.
func (s Summary) NetPerformance() decimal.Decimal {
	return s.Net().Add(s.Interest).Add(s.AdvisoryFee)
}

type Account struct {
	reg        *instrument.Registry
	portfolios map[string]*ledger.Portfolio
	names      []string

	summaries *btree.Map[int64, *Summary]
	// entries up to cursor have been walked by UpdateEndEquity
	cursor    int64
	hasCursor bool
}

// New returns an account without portfolios over reg.
func New(reg *instrument.Registry) *Account {
	return &Account{
		reg:        reg,
		portfolios: make(map[string]*ledger.Portfolio),
		summaries:  btree.NewMap[int64, *Summary](32),
	}
}

// AddPortfolio creates the named portfolio, or returns it when it exists.
func (a *Account) AddPortfolio(name string) *ledger.Portfolio {
	if p, ok := a.portfolios[name]; ok {
		return p
	}
	p := ledger.NewPortfolio(name, a.reg)
	a.portfolios[name] = p
	a.names = append(a.names, name)
	return p
}

// Portfolio returns the named portfolio or ErrUnknownPortfolio.
func (a *Account) Portfolio(name string) (*ledger.Portfolio, error) {
	p, ok := a.portfolios[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPortfolio, name)
	}
	return p, nil
}

// PortfolioNames returns names in creation order.
func (a *Account) PortfolioNames() []string {
	return append([]string(nil), a.names...)
}

// Add posts a deposit at t.
func (a *Account) Add(t time.Time, amount decimal.Decimal) {
	s := a.entry(t)
	s.Addition = s.Addition.Add(amount.Abs())
}

// Withdraw posts a withdrawal at t; the sign of amount is ignored.
func (a *Account) Withdraw(t time.Time, amount decimal.Decimal) {
	s := a.entry(t)
	s.Withdrawal = s.Withdrawal.Sub(amount.Abs())
}

// AddInterest posts interest earned at t.
func (a *Account) AddInterest(t time.Time, amount decimal.Decimal) {
	s := a.entry(t)
	s.Interest = s.Interest.Add(amount)
}

// AddAdvisoryFee posts an advisory fee at t; it always reduces equity.
func (a *Account) AddAdvisoryFee(t time.Time, amount decimal.Decimal) {
	s := a.entry(t)
	s.AdvisoryFee = s.AdvisoryFee.Sub(amount.Abs())
}

// AddTransaction books a fill into one ledger of the portfolio.
func (a *Account) AddTransaction(portfolio string, id instrument.ID, stamp ledger.Stamp, qty, price, fee decimal.Decimal) error {
	p, err := a.Portfolio(portfolio)
	if err != nil {
		return err
	}
	return p.AddTransaction(id, stamp, qty, price, fee)
}

// Mark marks one ledger of the portfolio and folds the produced entries into
// the account summary at their timestamps.
func (a *Account) Mark(portfolio string, id instrument.ID, stamp ledger.Stamp, price decimal.Decimal) ([]ledger.PositionPnl, error) {
	p, err := a.Portfolio(portfolio)
	if err != nil {
		return nil, err
	}
	entries, err := p.Mark(id, stamp, price)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		s := a.entry(e.Stamp.Time)
		s.Realized = s.Realized.Add(e.RealizedPnl)
		s.Unrealized = s.Unrealized.Add(e.UnrealizedPnl)
		s.Fees = s.Fees.Add(e.TransactionFees)
	}
	return entries, nil
}

// UpdateEndEquity resolves end equity for every entry after the previous
// call up to and including upTo:
//
//	endEquity = previous endEquity + addition + withdrawal + net performance
//
// It fails when the entry preceding that range lost its equity, which happens
// when something was posted at or before an already resolved timestamp.
func (a *Account) UpdateEndEquity(upTo time.Time) error {
	limit := upTo.UnixNano()
	prev := decimal.Zero
	if a.hasCursor {
		if limit <= a.cursor {
			return nil
		}
		var pred *Summary
		a.summaries.Descend(a.cursor, func(_ int64, s *Summary) bool {
			pred = s
			return false
		})
		if pred != nil {
			if !pred.EndEquity.Valid {
				return fmt.Errorf("update equity to %s: predecessor %s: %w",
					upTo.Format(time.RFC3339), pred.Time.Format(time.RFC3339), ErrEquityUnresolved)
			}
			prev = pred.EndEquity.Decimal
		}
	}

	from := int64(math.MinInt64)
	if a.hasCursor {
		from = a.cursor + 1
	}
	a.summaries.Ascend(from, func(k int64, s *Summary) bool {
		if k > limit {
			return false
		}
		prev = prev.Add(s.Addition).Add(s.Withdrawal).Add(s.NetPerformance())
		s.EndEquity = decimal.NewNullDecimal(prev)
		return true
	})
	a.cursor = limit
	a.hasCursor = true
	return nil
}

// EndEquity returns the equity of the latest entry at or before t.
func (a *Account) EndEquity(t time.Time) (decimal.Decimal, error) {
	var found *Summary
	a.summaries.Descend(t.UnixNano(), func(_ int64, s *Summary) bool {
		found = s
		return false
	})
	if found == nil || !found.EndEquity.Valid {
		return decimal.Zero, fmt.Errorf("equity at %s: %w", t.Format(time.RFC3339), ErrEquityUnresolved)
	}
	return found.EndEquity.Decimal, nil
}

// Summaries returns a copy of every entry in time order.
func (a *Account) Summaries() []Summary {
	out := make([]Summary, 0, a.summaries.Len())
	a.summaries.Scan(func(_ int64, s *Summary) bool {
		out = append(out, *s)
		return true
	})
	return out
}

// Pnl sums the running PnL of all portfolios.
func (a *Account) Pnl() ledger.Pnl {
	var total ledger.Pnl
	for _, name := range a.names {
		p := a.portfolios[name].Pnl()
		total.Realized = total.Realized.Add(p.Realized)
		total.Unrealized = total.Unrealized.Add(p.Unrealized)
		total.Fees = total.Fees.Add(p.Fees)
	}
	return total
}

// entry returns the summary at t, creating it on demand. Touching an entry
// that was already walked invalidates it and everything after it.
func (a *Account) entry(t time.Time) *Summary {
	k := t.UnixNano()
	s, ok := a.summaries.Get(k)
	if !ok {
		s = &Summary{Time: t}
		a.summaries.Set(k, s)
	}
	if a.hasCursor && k <= a.cursor {
		a.summaries.Ascend(k, func(_ int64, later *Summary) bool {
			later.EndEquity = decimal.NullDecimal{}
			return true
		})
	}
	return s
}
