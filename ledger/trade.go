package ledger

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Trade is a maximal run of transactions during which the position is not
// flat. Pnl is finalPositionValue - sum(transaction values), so a closed trade
// carries its full round-trip result and an open one is valued at the last
// mark price.
type Trade struct {
	Symbol          string              `json:"symbol"`
	Side            Side                `json:"side"`
	Start           Stamp               `json:"start"`
	End             Stamp               `json:"end"`
	InitialPosition decimal.Decimal     `json:"initial_position"`
	MaxPosition     decimal.Decimal     `json:"max_position"`
	Transactions    int                 `json:"transactions"`
	Fees            decimal.Decimal     `json:"fees"`
	Pnl             decimal.Decimal     `json:"pnl"`
	NetPnl          decimal.Decimal     `json:"net_pnl"`
	MaxNotional     decimal.Decimal     `json:"max_notional"`
	PctPnl          decimal.NullDecimal `json:"pct_pnl"`
	Open            bool                `json:"open"`
}

// Trades scans the transaction list. A trailing still-open run is returned
// with Open set; callers computing completed-trade statistics skip it.
func (l *Ledger) Trades() []Trade {
	var (
		out    []Trade
		cur    *Trade
		values decimal.Decimal
	)
	for _, tx := range l.txs {
		if cur == nil && tx.PriorPosition().IsZero() {
			side := SideLong
			if tx.PositionQty.IsNegative() {
				side = SideShort
			}
			cur = &Trade{
				Symbol:          l.inst.Symbol,
				Side:            side,
				Start:           tx.Stamp,
				InitialPosition: tx.PositionQty,
				MaxPosition:     decimal.Zero,
				Fees:            decimal.Zero,
				MaxNotional:     decimal.Zero,
			}
			values = decimal.Zero
		}
		if cur == nil {
			continue
		}

		cur.Transactions++
		cur.Fees = cur.Fees.Add(tx.Fee)
		values = values.Add(tx.Value)
		if tx.PositionQty.Abs().GreaterThan(cur.MaxPosition.Abs()) {
			cur.MaxPosition = tx.PositionQty
		}
		notional := tx.PositionQty.Mul(tx.PositionAvgCost).Mul(l.inst.BPV).Abs()
		if notional.GreaterThan(cur.MaxNotional) {
			cur.MaxNotional = notional
		}

		if tx.PositionQty.IsZero() {
			cur.End = tx.Stamp
			out = append(out, finishTrade(*cur, decimal.Zero.Sub(values)))
			cur = nil
		}
	}

	if cur != nil {
		final := decimal.Zero
		if l.hasMark {
			final = l.inst.Value(l.Position(), l.markPrice)
			cur.End = l.lastMark
		}
		if cur.End.Before(l.txs[len(l.txs)-1].Stamp) {
			cur.End = l.txs[len(l.txs)-1].Stamp
		}
		cur.Open = true
		out = append(out, finishTrade(*cur, final.Sub(values)))
	}
	return out
}

// ClosedTrades returns only completed round trips.
func (l *Ledger) ClosedTrades() []Trade {
	all := l.Trades()
	if n := len(all); n > 0 && all[n-1].Open {
		return all[:n-1]
	}
	return all
}

func finishTrade(t Trade, pnl decimal.Decimal) Trade {
	t.Pnl = pnl
	t.NetPnl = pnl.Add(t.Fees)
	if !t.MaxNotional.IsZero() {
		t.PctPnl = decimal.NewNullDecimal(pnl.Div(t.MaxNotional))
	}
	return t
}
