package replay

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backtester/account"
	"backtester/feed"
	"backtester/instrument"
	"backtester/ledger"
	"backtester/order"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2014, 3, 3, 0, 0, 0, 0, time.UTC)

func bar(sym string, day int, o, h, l, c string) feed.Bar {
	return feed.Bar{
		Symbol:   sym,
		Duration: 24 * time.Hour,
		Time:     t0.AddDate(0, 0, day),
		Open:     d(o),
		High:     d(h),
		Low:      d(l),
		Close:    d(c),
		Volume:   d("1000"),
	}
}

type recorder struct {
	events    []string
	execs     []Notification
	onOpen    func(feed.Bar)
	onClosing func(feed.Bar)
	onClosed  func(feed.Bar)
	onExec    func(Notification)
}

func (r *recorder) OnBarOpen(b feed.Bar) {
	r.events = append(r.events, "open "+b.Symbol)
	if r.onOpen != nil {
		r.onOpen(b)
	}
}

func (r *recorder) OnBarClosing(b feed.Bar) {
	r.events = append(r.events, "closing "+b.Symbol)
	if r.onClosing != nil {
		r.onClosing(b)
	}
}

func (r *recorder) OnBarClosed(b feed.Bar) {
	r.events = append(r.events, "closed "+b.Symbol)
	if r.onClosed != nil {
		r.onClosed(b)
	}
}

func (r *recorder) OnOrderExecuted(n Notification) {
	r.events = append(r.events, "fill "+n.Execution.Symbol)
	r.execs = append(r.execs, n)
	if r.onExec != nil {
		r.onExec(n)
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func harness(t *testing.T) (*Scheduler, *recorder) {
	t.Helper()
	reg := instrument.NewRegistry()
	s := NewScheduler(reg, account.New(reg), WithLogger(quietLogger()))
	_, err := s.Register(instrument.Instrument{Symbol: "ES", TickSize: d("0.25"), BPV: d("50")})
	require.NoError(t, err)
	_, err = s.Register(instrument.Instrument{Symbol: "GC", TickSize: d("0.1"), BPV: d("100")})
	require.NoError(t, err)
	r := &recorder{}
	s.SetStrategy(r)
	return s, r
}

func replay(t *testing.T, s *Scheduler, bars ...feed.Bar) {
	t.Helper()
	for _, b := range bars {
		require.NoError(t, s.OnBar(b))
	}
	require.NoError(t, s.Flush())
}

func TestStopBetweenLowAndHighFillsAtLow(t *testing.T) {
	s, r := harness(t)
	short := order.EnterShort("ES", d("1")).AtStop(d("95")).OCA("box")
	long := order.EnterLong("ES", d("1")).AtStop(d("108")).OCA("box")
	require.NoError(t, s.SubmitOrder(short))
	require.NoError(t, s.SubmitOrder(long))

	replay(t, s, bar("ES", 0, "100", "110", "90", "105"))

	execs := s.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ledger.Stamp{Time: t0, Seq: uint32(stageLow)}, execs[0].Stamp)
	assert.Equal(t, "95", execs[0].Price.String())
	assert.Equal(t, "-1", execs[0].Quantity.String())
	assert.Equal(t, order.StateFilled, short.State())
	assert.Equal(t, order.StateCancelled, long.State(), "sibling cancelled before the high tick")
	assert.Equal(t, "-1", s.Position("ES").String())
	assert.Len(t, r.execs, 1)
}

func TestNotificationOrder(t *testing.T) {
	s, r := harness(t)
	var openBar feed.Bar
	r.onOpen = func(b feed.Bar) { openBar = b }
	require.NoError(t, s.SubmitOrder(order.EnterLong("GC", d("1"))))

	replay(t, s,
		bar("GC", 0, "1300", "1310", "1290", "1305"),
		bar("ES", 0, "1800", "1810", "1790", "1805"),
	)

	assert.Equal(t, []string{
		"fill GC",
		"open ES", "open GC",
		"closing ES", "closing GC",
		"closed ES", "closed GC",
	}, r.events)
	assert.True(t, openBar.High.IsZero(), "open notification withholds the range")
	assert.Equal(t, "1300", openBar.Open.String())
}

func TestOrderFromOpenNotificationFillsAtLow(t *testing.T) {
	s, r := harness(t)
	r.onOpen = func(b feed.Bar) {
		require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("2")).AtLimit(d("1795"))))
	}

	replay(t, s, bar("ES", 0, "1800", "1810", "1790", "1805"))

	execs := s.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, uint32(stageLow), execs[0].Stamp.Seq)
	assert.Equal(t, "1795", execs[0].Price.String(), "limit price, not the low")
}

func TestOrderFromClosedNotificationFillsNextOpen(t *testing.T) {
	s, r := harness(t)
	r.onClosed = func(b feed.Bar) {
		if b.Time.Equal(t0) {
			require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))
		}
	}

	replay(t, s,
		bar("ES", 0, "1800", "1810", "1790", "1805"),
		bar("ES", 1, "1807", "1812", "1801", "1811"),
	)

	execs := s.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ledger.Stamp{Time: t0.AddDate(0, 0, 1), Seq: uint32(stageOpen)}, execs[0].Stamp)
	assert.Equal(t, "1807", execs[0].Price.String())
}

func TestCrossInstrumentOrderInSamePeriod(t *testing.T) {
	s, r := harness(t)
	r.onOpen = func(b feed.Bar) {
		if b.Symbol == "ES" {
			require.NoError(t, s.SubmitOrder(order.EnterShort("GC", d("1"))))
		}
	}

	replay(t, s,
		bar("ES", 0, "1800", "1810", "1790", "1805"),
		bar("GC", 0, "1300", "1310", "1290", "1305"),
	)

	execs := s.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "GC", execs[0].Symbol)
	assert.Equal(t, uint32(stageLow), execs[0].Stamp.Seq)
	assert.Equal(t, "1290", execs[0].Price.String())
}

func TestReverseInOneTick(t *testing.T) {
	s, r := harness(t)
	r.onClosed = func(b feed.Bar) {
		switch b.Time.Sub(t0) {
		case 0:
			require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))
		case 24 * time.Hour:
			require.NoError(t, s.SubmitOrder(order.EnterShort("ES", d("1"))))
			require.NoError(t, s.SubmitOrder(order.ExitLong("ES")))
		}
	}

	replay(t, s,
		bar("ES", 0, "1800", "1810", "1790", "1805"),
		bar("ES", 1, "1805", "1815", "1800", "1810"),
		bar("ES", 2, "1812", "1820", "1795", "1800"),
	)

	execs := s.Executions()
	require.Len(t, execs, 3)
	exit, entry := execs[1], execs[2]
	assert.Equal(t, "-1", exit.Quantity.String())
	assert.Equal(t, "-1", entry.Quantity.String())
	assert.True(t, entry.Stamp.After(exit.Stamp))
	assert.Equal(t, "-1", s.Position("ES").String())

	acct := s.Account()
	eq, err := acct.EndEquity(t0.AddDate(0, 0, 2))
	require.NoError(t, err)
	// long 1805 -> 1812, short 1812 -> 1800, bpv 50
	assert.Equal(t, "950", eq.String())
}

func TestPartialCloseWithEntryIsUnsupported(t *testing.T) {
	s, r := harness(t)
	r.onClosed = func(b feed.Bar) {
		switch b.Time.Sub(t0) {
		case 0:
			require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("2"))))
		case 24 * time.Hour:
			require.NoError(t, s.SubmitOrder(order.ExitLong("ES").Qty(d("1"))))
			require.NoError(t, s.SubmitOrder(order.EnterShort("ES", d("1"))))
		}
	}

	require.NoError(t, s.OnBar(bar("ES", 0, "1800", "1810", "1790", "1805")))
	require.NoError(t, s.OnBar(bar("ES", 1, "1805", "1815", "1800", "1810")))
	require.NoError(t, s.OnBar(bar("ES", 2, "1812", "1820", "1795", "1800")))
	assert.ErrorIs(t, s.Flush(), ErrUnsupported)
}

func TestSecondOpeningFillIsUnsupported(t *testing.T) {
	s, _ := harness(t)
	require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))
	require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1")).AtLimit(d("1805"))))

	require.NoError(t, s.OnBar(bar("ES", 0, "1800", "1810", "1790", "1805")))
	assert.ErrorIs(t, s.Flush(), ErrUnsupported)
}

func TestUngroupedExitCancelsOtherExits(t *testing.T) {
	s, r := harness(t)
	stop := order.ExitLong("ES").AtStop(d("1780"))
	target := order.ExitLong("ES").AtLimit(d("1808"))
	r.onExec = func(n Notification) {
		if n.Order.Kind.Action == order.Enter {
			require.NoError(t, s.SubmitOrder(stop))
			require.NoError(t, s.SubmitOrder(target))
		}
	}
	require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))

	replay(t, s, bar("ES", 0, "1800", "1810", "1790", "1805"))

	require.Len(t, s.Executions(), 2)
	assert.Equal(t, order.StateFilled, target.State())
	assert.Equal(t, order.StateCancelled, stop.State())
	assert.Equal(t, uint32(stageHigh), s.Executions()[1].Stamp.Seq)
	assert.True(t, s.Position("ES").IsZero())
}

func TestPartialExitKeepsOtherExits(t *testing.T) {
	s, r := harness(t)
	stop := order.ExitLong("ES").AtStop(d("1780"))
	scaleOut := order.ExitLong("ES").Qty(d("1")).AtLimit(d("1808"))
	r.onExec = func(n Notification) {
		if n.Order.Kind.Action == order.Enter {
			require.NoError(t, s.SubmitOrder(stop))
			require.NoError(t, s.SubmitOrder(scaleOut))
		}
	}
	require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("2"))))

	replay(t, s, bar("ES", 0, "1800", "1810", "1790", "1805"))

	require.Len(t, s.Executions(), 2)
	assert.Equal(t, order.StateFilled, scaleOut.State())
	assert.True(t, stop.IsActive(), "the remaining lot stays protected")
	assert.Equal(t, "1", s.Position("ES").String())

	replay(t, s, bar("ES", 1, "1790", "1795", "1770", "1775"))
	require.Len(t, s.Executions(), 3)
	assert.Equal(t, order.StateFilled, stop.State())
	assert.True(t, s.Position("ES").IsZero())
}

func TestSubscribeRegistersFeedMetadata(t *testing.T) {
	reg := instrument.NewRegistry()
	s := NewScheduler(reg, account.New(reg), WithLogger(quietLogger()))
	mem := feed.NewMemory()
	mem.AddInstrument(instrument.Instrument{Symbol: "ES", TickSize: d("0.25"), BPV: d("50"), Commission: d("2")})
	require.NoError(t, mem.AddBars(bar("ES", 0, "1800", "1810", "1790", "1805")))

	id, err := s.Subscribe(mem, "ES")
	require.NoError(t, err)
	inst := reg.Get(id)
	assert.Equal(t, "0.25", inst.TickSize.String())
	assert.Equal(t, "50", inst.BPV.String())
	assert.Equal(t, "-2", inst.Commission.String())
	assert.Equal(t, instrument.TypeFutures, inst.Type)

	_, err = s.Subscribe(mem, "GC")
	assert.ErrorIs(t, err, feed.ErrUnknownSymbol)
	assert.Equal(t, 1, reg.Len())

	r := &recorder{}
	s.SetStrategy(r)
	require.NoError(t, s.Run(context.Background(), mem))
	assert.Equal(t, []string{"open ES", "closing ES", "closed ES"}, r.events)
}

func TestExpiration(t *testing.T) {
	s, _ := harness(t)
	o := order.EnterLong("ES", d("1")).AtLimit(d("1700")).Expire(2)
	require.NoError(t, s.SubmitOrder(o))

	replay(t, s, bar("ES", 0, "1800", "1810", "1790", "1805"))
	assert.True(t, o.IsActive())

	replay(t, s, bar("ES", 1, "1800", "1810", "1790", "1805"))
	assert.Equal(t, order.StateCancelled, o.State())
	assert.Empty(t, s.Orders("ES"), "purged")
}

func TestLastBarCancelsOrders(t *testing.T) {
	s, _ := harness(t)
	o := order.EnterLong("ES", d("1")).AtLimit(d("1700"))
	require.NoError(t, s.SubmitOrder(o))

	b := bar("ES", 0, "1800", "1810", "1790", "1805")
	b.Last = true
	replay(t, s, b)
	assert.Equal(t, order.StateCancelled, o.State())
}

func TestBarChronology(t *testing.T) {
	s, _ := harness(t)
	require.NoError(t, s.OnBar(bar("ES", 1, "1800", "1810", "1790", "1805")))
	assert.ErrorIs(t, s.OnBar(bar("ES", 1, "1800", "1810", "1790", "1805")), ErrDuplicateBar)
	assert.ErrorIs(t, s.OnBar(bar("GC", 0, "1300", "1310", "1290", "1305")), ErrChronology)

	require.NoError(t, s.OnBar(bar("ES", 2, "1800", "1810", "1790", "1805")))
	assert.ErrorIs(t, s.OnBar(bar("GC", 1, "1300", "1310", "1290", "1305")), ErrChronology, "older than a flushed period")

	assert.Error(t, s.OnBar(bar("CL", 3, "90", "91", "89", "90")), "unregistered symbol")
}

func TestMissingStrategyIsTolerated(t *testing.T) {
	s, _ := harness(t)
	s.SetStrategy(nil)
	require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))
	replay(t, s, bar("ES", 0, "1800", "1810", "1790", "1805"))
	assert.Len(t, s.Executions(), 1)
}

func TestSubmitOrderValidation(t *testing.T) {
	s, _ := harness(t)
	o := order.EnterLong("ES", d("1"))
	require.NoError(t, s.SubmitOrder(o))
	assert.ErrorIs(t, s.SubmitOrder(o), ErrNotPending)
	assert.ErrorIs(t, s.SubmitOrder(order.EnterLong("ES", decimal.Zero)), order.ErrInvalid)
	assert.ErrorIs(t, s.SubmitOrder(order.EnterLong("CL", d("1"))), instrument.ErrUnknown)
}

func TestRunWithMemoryFeed(t *testing.T) {
	s, r := harness(t)
	mem := feed.NewMemory()
	mem.AddInstrument(instrument.Instrument{Symbol: "ES", TickSize: d("0.25"), BPV: d("50")})
	require.NoError(t, mem.AddBars(
		bar("ES", 1, "1805", "1815", "1800", "1810"),
		bar("ES", 0, "1800", "1810", "1790", "1805"),
	))
	require.NoError(t, mem.Subscribe("ES"))
	r.onClosed = func(b feed.Bar) {
		if !b.Last {
			require.NoError(t, s.SubmitOrder(order.EnterLong("ES", d("1"))))
		}
	}

	require.NoError(t, s.Run(context.Background(), mem))
	require.Len(t, s.Executions(), 1)

	eq, err := s.Account().EndEquity(t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "250", eq.String(), "1805 -> 1810 on one ES contract")
}
