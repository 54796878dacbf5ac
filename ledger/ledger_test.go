package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/instrument"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day = time.Date(2014, 3, 3, 0, 0, 0, 0, time.UTC)

func st(days int, seq uint32) Stamp {
	return Stamp{Time: day.AddDate(0, 0, days), Seq: seq}
}

func esLedger() *Ledger {
	return New(instrument.Instrument{Symbol: "ES", TickSize: d("0.25"), BPV: d("50"), Currency: "USD"})
}

func unitLedger() *Ledger {
	return New(instrument.Instrument{Symbol: "X", TickSize: d("0.01"), BPV: d("1")})
}

func TestSingleEntryMarkedAtEntryPrice(t *testing.T) {
	l := esLedger()
	_, err := l.Mark(st(0, 0), d("1819.50"))
	require.NoError(t, err)
	require.NoError(t, l.AddTransaction(st(0, 16), d("1"), d("1819.50"), d("-1.13")))

	entries, err := l.Mark(st(0, 80), d("1819.50"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	net, gross := decimal.Zero, decimal.Zero
	for _, e := range entries {
		net = net.Add(e.NetPnl)
		gross = gross.Add(e.GrossPnl)
	}
	assert.Equal(t, "-1.13", net.String())
	assert.True(t, gross.IsZero())

	last := entries[len(entries)-1]
	assert.True(t, last.PositionValue.Equal(d("1").Mul(d("50")).Mul(d("1819.50"))))
	assert.Equal(t, "-1.13", l.Pnl().Net().String())
}

func TestAddTransactionRequiresPriorMark(t *testing.T) {
	l := esLedger()
	err := l.AddTransaction(st(0, 16), d("1"), d("100"), decimal.Zero)
	assert.ErrorIs(t, err, ErrMarkBeforeTransact)
}

func TestChronologyIsEnforced(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(1, 0), d("100"))
	require.NoError(t, err)

	assert.ErrorIs(t, l.AddTransaction(st(1, 0), d("1"), d("100"), decimal.Zero), ErrChronology, "same stamp as mark")
	require.NoError(t, l.AddTransaction(st(1, 16), d("1"), d("100"), decimal.Zero))
	assert.ErrorIs(t, l.AddTransaction(st(1, 16), d("1"), d("100"), decimal.Zero), ErrChronology)
	assert.ErrorIs(t, l.AddTransaction(st(0, 99), d("1"), d("100"), decimal.Zero), ErrChronology)

	_, err = l.Mark(st(1, 8), d("100"))
	assert.ErrorIs(t, err, ErrChronology, "mark before last transaction")
	_, err = l.Mark(st(0, 0), d("100"))
	assert.ErrorIs(t, err, ErrChronology)

	assert.ErrorIs(t, l.AddTransaction(st(2, 16), decimal.Zero, d("100"), decimal.Zero), ErrZeroQuantity)
}

func TestAverageCostAndRealizedPnl(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(0, 0), d("100"))
	require.NoError(t, err)

	require.NoError(t, l.AddTransaction(st(0, 16), d("2"), d("100"), decimal.Zero))
	require.NoError(t, l.AddTransaction(st(0, 32), d("2"), d("110"), decimal.Zero))
	assert.Equal(t, "105", l.AvgCost().String())

	require.NoError(t, l.AddTransaction(st(0, 48), d("-3"), d("120"), d("-0.5")))
	tx := l.Transactions()[2]
	assert.Equal(t, "45", tx.GrossPnl.String())
	assert.Equal(t, "44.5", tx.NetPnl.String())
	assert.Equal(t, "105", tx.PositionAvgCost.String(), "partial close carries avg cost")
	assert.Equal(t, "1", l.Position().String())
}

func TestZeroCrossingIsSplit(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(0, 0), d("100"))
	require.NoError(t, err)
	require.NoError(t, l.AddTransaction(st(0, 16), d("1"), d("105"), decimal.Zero))

	require.NoError(t, l.AddTransaction(st(0, 32), d("-3"), d("90"), d("-3")))

	txs := l.Transactions()
	require.Len(t, txs, 3)

	closing, opening := txs[1], txs[2]
	assert.Equal(t, "-1", closing.Quantity.String())
	assert.True(t, closing.PositionQty.IsZero())
	assert.Equal(t, "-15", closing.GrossPnl.String())
	assert.Equal(t, "-1", closing.Fee.String())

	assert.Equal(t, "-2", opening.Quantity.String())
	assert.Equal(t, "-2", opening.PositionQty.String())
	assert.Equal(t, "90", opening.PositionAvgCost.String())
	assert.Equal(t, "-2", opening.Fee.String())
	assert.True(t, opening.GrossPnl.IsZero())

	assert.True(t, opening.Stamp.After(closing.Stamp))
	assert.True(t, opening.Stamp.Time.Equal(closing.Stamp.Time))
	assert.Equal(t, closing.Stamp.Seq+1, opening.Stamp.Seq)
}

func TestStampsStrictlyIncreaseAndSignNeverFlipsInOneRow(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(0, 0), d("50"))
	require.NoError(t, err)

	fills := []string{"3", "-5", "4", "-2", "-1", "6", "-7"}
	for i, q := range fills {
		require.NoError(t, l.AddTransaction(st(i+1, 16), d(q), d("50").Add(decimal.NewFromInt(int64(i))), decimal.Zero))
	}

	txs := l.Transactions()
	for i := 1; i < len(txs); i++ {
		assert.True(t, txs[i].Stamp.After(txs[i-1].Stamp), "row %d", i)
		prior := txs[i].PriorPosition()
		if !prior.IsZero() && !txs[i].PositionQty.IsZero() {
			assert.Equal(t, prior.Sign(), txs[i].PositionQty.Sign(), "row %d flips sign", i)
		}
	}
}

func TestMarkConservesPnl(t *testing.T) {
	l := esLedger()
	start, err := l.Mark(st(0, 0), d("1800"))
	require.NoError(t, err)
	startValue := start[len(start)-1].PositionValue

	require.NoError(t, l.AddTransaction(st(0, 16), d("2"), d("1801.25"), d("-2.26")))
	require.NoError(t, l.AddTransaction(st(0, 32), d("-1"), d("1805"), d("-1.13")))
	require.NoError(t, l.AddTransaction(st(0, 48), d("-3"), d("1799.75"), d("-3.39")))

	entries, err := l.Mark(st(0, 80), d("1797.5"))
	require.NoError(t, err)
	require.Len(t, entries, 5, "split adds a row, mark adds one")

	sum, txValues := decimal.Zero, decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.RealizedPnl).Add(e.UnrealizedPnl)
		txValues = txValues.Add(e.TransactionValue)
	}
	endValue := entries[len(entries)-1].PositionValue
	assert.True(t, sum.Equal(endValue.Sub(startValue).Sub(txValues)), "sum=%s", sum)
}

func TestMarkWithoutExtraEntryWhenTransactionLandsOnMark(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(0, 0), d("10"))
	require.NoError(t, err)
	require.NoError(t, l.AddTransaction(st(0, 64), d("1"), d("11"), decimal.Zero))

	entries, err := l.Mark(st(0, 64), d("11"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTrades(t *testing.T) {
	l := unitLedger()
	_, err := l.Mark(st(0, 0), d("100"))
	require.NoError(t, err)

	// long round trip with a scale-in
	require.NoError(t, l.AddTransaction(st(1, 16), d("1"), d("100"), d("-1")))
	require.NoError(t, l.AddTransaction(st(2, 16), d("1"), d("110"), d("-1")))
	require.NoError(t, l.AddTransaction(st(3, 16), d("-2"), d("120"), d("-1")))
	// short, reversed into a long that stays open
	require.NoError(t, l.AddTransaction(st(4, 16), d("-1"), d("120"), decimal.Zero))
	require.NoError(t, l.AddTransaction(st(5, 16), d("3"), d("100"), decimal.Zero))
	_, err = l.Mark(st(6, 80), d("90"))
	require.NoError(t, err)

	trades := l.Trades()
	require.Len(t, trades, 3)

	long := trades[0]
	assert.Equal(t, SideLong, long.Side)
	assert.Equal(t, 3, long.Transactions)
	assert.Equal(t, "30", long.Pnl.String())
	assert.Equal(t, "27", long.NetPnl.String())
	assert.Equal(t, "2", long.MaxPosition.String())
	assert.Equal(t, "210", long.MaxNotional.String())
	require.True(t, long.PctPnl.Valid)
	assert.Equal(t, "0.1428571428571429", long.PctPnl.Decimal.String())
	assert.False(t, long.Open)

	short := trades[1]
	assert.Equal(t, SideShort, short.Side)
	assert.Equal(t, "20", short.Pnl.String())
	assert.Equal(t, st(5, 16), short.End)

	open := trades[2]
	assert.True(t, open.Open)
	assert.Equal(t, "2", open.InitialPosition.String())
	assert.Equal(t, "-20", open.Pnl.String())

	assert.Len(t, l.ClosedTrades(), 2)
}

func TestPortfolioLedgersByID(t *testing.T) {
	reg := instrument.NewRegistry()
	es, _ := reg.Register(instrument.Instrument{Symbol: "ES", BPV: d("50"), TickSize: d("0.25")})
	gc, _ := reg.Register(instrument.Instrument{Symbol: "GC", BPV: d("100"), TickSize: d("0.1")})

	p := NewPortfolio("main", reg)
	_, err := p.Mark(gc, st(0, 0), d("1300"))
	require.NoError(t, err)
	require.NoError(t, p.AddTransaction(gc, st(0, 16), d("-1"), d("1300"), decimal.Zero))
	_, err = p.Mark(gc, st(0, 80), d("1290"))
	require.NoError(t, err)

	assert.True(t, p.Position(es).IsZero())
	assert.Equal(t, "-1", p.Position(gc).String())
	assert.Len(t, p.Ledgers(), 1)
	assert.Equal(t, "1000", p.Pnl().Gross().String())
}
