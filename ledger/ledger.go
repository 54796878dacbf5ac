// Package ledger turns a chronological stream of fills into average-cost
// transactions and marks them to market, producing realized and unrealized
// PnL per instrument.
//
// A Ledger is append-only. Transactions for one instrument are strictly
// increasing in Stamp; a fill that would flip the position through zero is
// recorded as a closing transaction followed, one sequence step later, by an
// opening transaction carrying the remainder.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"backtester/instrument"
)

var (
	ErrMarkBeforeTransact = errors.New("mark before transacting")
	ErrChronology         = errors.New("non-chronological ledger update")
	ErrZeroQuantity       = errors.New("zero transaction quantity")
)

// Transaction is one ledger row. Value is qty x bpv x price; GrossPnl and
// NetPnl are the realized amounts attributed to this row.
type Transaction struct {
	Stamp           Stamp           `json:"stamp"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	Value           decimal.Decimal `json:"value"`
	AvgCost         decimal.Decimal `json:"avg_cost"`
	PositionQty     decimal.Decimal `json:"position_qty"`
	PositionAvgCost decimal.Decimal `json:"position_avg_cost"`
	GrossPnl        decimal.Decimal `json:"gross_pnl"`
	NetPnl          decimal.Decimal `json:"net_pnl"`
}

// PriorPosition is the position held before this transaction.
func (t Transaction) PriorPosition() decimal.Decimal {
	return t.PositionQty.Sub(t.Quantity)
}

// PositionPnl is one marked point. All PnL fields cover the interval since the
// previous entry.
type PositionPnl struct {
	Stamp            Stamp           `json:"stamp"`
	Price            decimal.Decimal `json:"price"`
	PositionQty      decimal.Decimal `json:"position_qty"`
	PositionAvgCost  decimal.Decimal `json:"position_avg_cost"`
	PositionValue    decimal.Decimal `json:"position_value"`
	TransactionValue decimal.Decimal `json:"transaction_value"`
	TransactionFees  decimal.Decimal `json:"transaction_fees"`
	RealizedPnl      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	GrossPnl         decimal.Decimal `json:"gross_pnl"`
	NetPnl           decimal.Decimal `json:"net_pnl"`
}

// Pnl is the running total over all PositionPnl entries of a ledger.
type Pnl struct {
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
	Fees       decimal.Decimal `json:"fees"`
}

// Gross is realized plus unrealized PnL.
func (p Pnl) Gross() decimal.Decimal { return p.Realized.Add(p.Unrealized) }

// Net is gross PnL plus fees.
func (p Pnl) Net() decimal.Decimal { return p.Gross().Add(p.Fees) }

func (p *Pnl) add(e PositionPnl) {
	p.Realized = p.Realized.Add(e.RealizedPnl)
	p.Unrealized = p.Unrealized.Add(e.UnrealizedPnl)
	p.Fees = p.Fees.Add(e.TransactionFees)
}

type Ledger struct {
	inst instrument.Instrument

	txs  []Transaction
	pnls []PositionPnl
	pnl  Pnl

	// txs[marked:] have not been marked yet.
	marked    int
	hasMark   bool
	lastMark  Stamp
	markPrice decimal.Decimal
	// position value at the most recent PositionPnl entry
	lastValue decimal.Decimal
}

// New creates an empty ledger for inst.
func New(inst instrument.Instrument) *Ledger {
	return &Ledger{inst: inst}
}

func (l *Ledger) Instrument() instrument.Instrument { return l.inst }

// Transactions returns the booked transactions, split ones included.
func (l *Ledger) Transactions() []Transaction { return l.txs }

// PositionPnls returns the entries produced by Mark.
func (l *Ledger) PositionPnls() []PositionPnl { return l.pnls }

func (l *Ledger) Pnl() Pnl { return l.pnl }

// LastMark returns the stamp and price of the latest mark.
func (l *Ledger) LastMark() (Stamp, decimal.Decimal, bool) {
	return l.lastMark, l.markPrice, l.hasMark
}

// Position is the signed quantity held.
func (l *Ledger) Position() decimal.Decimal {
	if len(l.txs) == 0 {
		return decimal.Zero
	}
	return l.txs[len(l.txs)-1].PositionQty
}

// AvgCost is the average entry price of the open position.
func (l *Ledger) AvgCost() decimal.Decimal {
	if len(l.txs) == 0 {
		return decimal.Zero
	}
	return l.txs[len(l.txs)-1].PositionAvgCost
}

// AddTransaction records a fill. The ledger must have been marked at least
// once, and stamp must be later than both the last transaction and the last
// mark.
func (l *Ledger) AddTransaction(stamp Stamp, qty, price, fee decimal.Decimal) error {
	if !l.hasMark {
		return fmt.Errorf("%s: %w", l.inst.Symbol, ErrMarkBeforeTransact)
	}
	if qty.IsZero() {
		return fmt.Errorf("%s at %s: %w", l.inst.Symbol, stamp, ErrZeroQuantity)
	}
	if !stamp.After(l.lastMark) {
		return fmt.Errorf("%s: transaction %s not after mark %s: %w", l.inst.Symbol, stamp, l.lastMark, ErrChronology)
	}
	if n := len(l.txs); n > 0 && !stamp.After(l.txs[n-1].Stamp) {
		return fmt.Errorf("%s: transaction %s not after %s: %w", l.inst.Symbol, stamp, l.txs[n-1].Stamp, ErrChronology)
	}

	prev := l.Position()
	next := prev.Add(qty)
	if !prev.IsZero() && !next.IsZero() && prev.Sign() != next.Sign() {
		closing := prev.Neg()
		closingFee := fee.Mul(closing.Abs()).Div(qty.Abs())
		l.append(stamp, closing, price, closingFee)
		l.append(stamp.Next(), qty.Sub(closing), price, fee.Sub(closingFee))
		return nil
	}
	l.append(stamp, qty, price, fee)
	return nil
}

func (l *Ledger) append(stamp Stamp, qty, price, fee decimal.Decimal) {
	prevQty, prevAvg := l.Position(), l.AvgCost()
	nextQty := prevQty.Add(qty)

	tx := Transaction{
		Stamp:       stamp,
		Quantity:    qty,
		Price:       price,
		Fee:         fee,
		Value:       l.inst.Value(qty, price),
		AvgCost:     price,
		PositionQty: nextQty,
		GrossPnl:    decimal.Zero,
	}
	if nextQty.Abs().LessThan(prevQty.Abs()) {
		tx.PositionAvgCost = prevAvg
		tx.GrossPnl = qty.Mul(l.inst.BPV).Mul(prevAvg.Sub(price))
	} else {
		tx.PositionAvgCost = prevQty.Mul(prevAvg).Add(qty.Mul(price)).Div(nextQty)
	}
	tx.NetPnl = tx.GrossPnl.Add(fee)
	l.txs = append(l.txs, tx)
}

// Mark values the position at price and returns the PositionPnl entries it
// produced: one per transaction since the previous mark, valued at that
// transaction's own price, plus one for the mark instant unless a transaction
// landed exactly on it.
func (l *Ledger) Mark(stamp Stamp, price decimal.Decimal) ([]PositionPnl, error) {
	if l.hasMark && !stamp.After(l.lastMark) {
		return nil, fmt.Errorf("%s: mark %s not after %s: %w", l.inst.Symbol, stamp, l.lastMark, ErrChronology)
	}
	if n := len(l.txs); n > 0 && stamp.Before(l.txs[n-1].Stamp) {
		return nil, fmt.Errorf("%s: mark %s before transaction %s: %w", l.inst.Symbol, stamp, l.txs[n-1].Stamp, ErrChronology)
	}

	first := len(l.pnls)
	landed := false
	for _, tx := range l.txs[l.marked:] {
		value := l.inst.Value(tx.PositionQty, tx.Price)
		gross := value.Sub(l.lastValue).Sub(tx.Value)
		l.push(PositionPnl{
			Stamp:            tx.Stamp,
			Price:            tx.Price,
			PositionQty:      tx.PositionQty,
			PositionAvgCost:  tx.PositionAvgCost,
			PositionValue:    value,
			TransactionValue: tx.Value,
			TransactionFees:  tx.Fee,
			RealizedPnl:      tx.GrossPnl,
			UnrealizedPnl:    gross.Sub(tx.GrossPnl),
			GrossPnl:         gross,
			NetPnl:           gross.Add(tx.Fee),
		})
		if tx.Stamp.Equal(stamp) {
			landed = true
		}
	}
	if !landed {
		qty := l.Position()
		value := l.inst.Value(qty, price)
		gross := value.Sub(l.lastValue)
		l.push(PositionPnl{
			Stamp:            stamp,
			Price:            price,
			PositionQty:      qty,
			PositionAvgCost:  l.AvgCost(),
			PositionValue:    value,
			TransactionValue: decimal.Zero,
			TransactionFees:  decimal.Zero,
			RealizedPnl:      decimal.Zero,
			UnrealizedPnl:    gross,
			GrossPnl:         gross,
			NetPnl:           gross,
		})
	}

	l.marked = len(l.txs)
	l.hasMark = true
	l.lastMark = stamp
	l.markPrice = price
	return l.pnls[first:len(l.pnls):len(l.pnls)], nil
}

func (l *Ledger) push(e PositionPnl) {
	l.pnls = append(l.pnls, e)
	l.lastValue = e.PositionValue
	l.pnl.add(e)
}
