package ledger

import (
	"github.com/shopspring/decimal"

	"backtester/instrument"
)

// Portfolio is a named set of ledgers addressed by instrument id.
type Portfolio struct {
	Name    string
	reg     *instrument.Registry
	ledgers []*Ledger
}

// NewPortfolio creates a named portfolio over reg.
func NewPortfolio(name string, reg *instrument.Registry) *Portfolio {
	return &Portfolio{Name: name, reg: reg}
}

// Ledger returns the ledger for id, creating it on first use.
func (p *Portfolio) Ledger(id instrument.ID) *Ledger {
	for int(id) >= len(p.ledgers) {
		p.ledgers = append(p.ledgers, nil)
	}
	if p.ledgers[id] == nil {
		p.ledgers[id] = New(p.reg.Get(id))
	}
	return p.ledgers[id]
}

// Ledgers returns the ledgers in use, in instrument id order.
func (p *Portfolio) Ledgers() []*Ledger {
	out := make([]*Ledger, 0, len(p.ledgers))
	for _, l := range p.ledgers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// AddTransaction books a transaction into the ledger of id.
func (p *Portfolio) AddTransaction(id instrument.ID, stamp Stamp, qty, price, fee decimal.Decimal) error {
	return p.Ledger(id).AddTransaction(stamp, qty, price, fee)
}

// Mark marks the ledger of id at price.
func (p *Portfolio) Mark(id instrument.ID, stamp Stamp, price decimal.Decimal) ([]PositionPnl, error) {
	return p.Ledger(id).Mark(stamp, price)
}

// Position returns the position held in id.
func (p *Portfolio) Position(id instrument.ID) decimal.Decimal {
	if int(id) >= len(p.ledgers) || p.ledgers[id] == nil {
		return decimal.Zero
	}
	return p.ledgers[id].Position()
}

// Pnl sums the running PnL of every ledger.
func (p *Portfolio) Pnl() Pnl {
	var total Pnl
	for _, l := range p.ledgers {
		if l == nil {
			continue
		}
		lp := l.Pnl()
		total.Realized = total.Realized.Add(lp.Realized)
		total.Unrealized = total.Unrealized.Add(lp.Unrealized)
		total.Fees = total.Fees.Add(lp.Fees)
	}
	return total
}
