// Package stats builds trade summaries from a ledger's trades and its PnL
// series.
package stats

import (
	"math"
	"strconv"
	"strings"
	"time"

	mstats "github.com/montanaflynn/stats"

	"backtester/ledger"
)

type Type string

const (
	TypeAll   Type = "All"
	TypeLong  Type = "Long"
	TypeShort Type = "Short"
)

var Types = []Type{TypeAll, TypeLong, TypeShort}

// ParseType accepts the type names case-insensitively.
func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if strings.EqualFold(string(t), s) {
			return t, true
		}
	}
	return "", false
}

// Float is a statistic that may be undefined. NaN and infinities encode as
// JSON null.
type Float float64

func NaN() Float { return Float(math.NaN()) }

// Defined reports whether f is a number.
func (f Float) Defined() bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// MarshalJSON encodes NaN as null.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Defined() {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, float64(f), 'f', -1, 64), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = NaN()
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

const (
	DefaultPeriodsPerYear = 252
	// DefaultEpsilon replaces a zero standard deviation in the Sharpe ratio.
	DefaultEpsilon = 1e-9
	// MaxDDPctSentinel is reported when drawdown percent has no base to
	// divide by.
	MaxDDPctSentinel = -1e6
)

type Options struct {
	// InitialEquity is the base for MaxDrawdownPct.
	InitialEquity  float64
	PeriodsPerYear int
	Epsilon        float64
	// Location groups PnL into days for the Sharpe ratio. Defaults to UTC.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.PeriodsPerYear <= 0 {
		o.PeriodsPerYear = DefaultPeriodsPerYear
	}
	if o.Epsilon <= 0 {
		o.Epsilon = DefaultEpsilon
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

type Summary struct {
	Symbol string `json:"symbol"`
	Type   Type   `json:"type"`

	Trades     int   `json:"trades"`
	Winners    int   `json:"winners"`
	Losers     int   `json:"losers"`
	WinRatePct Float `json:"win_rate_pct"`

	GrossProfit  Float `json:"gross_profit"`
	GrossLoss    Float `json:"gross_loss"`
	NetPnl       Float `json:"net_pnl"`
	Fees         Float `json:"fees"`
	ProfitFactor Float `json:"profit_factor"`
	AvgWin       Float `json:"avg_win"`
	AvgLoss      Float `json:"avg_loss"`
	AvgTrade     Float `json:"avg_trade"`
	AvgPctPnl    Float `json:"avg_pct_pnl"`

	MaxEquity      Float `json:"max_equity"`
	MinEquity      Float `json:"min_equity"`
	MaxDrawdown    Float `json:"max_drawdown"`
	MaxDrawdownPct Float `json:"max_drawdown_pct"`
	Sharpe         Float `json:"sharpe"`
	Days           int   `json:"days"`
}

// Build summarizes the closed trades in trades and the PnL entries that fall
// inside any trade (open ones included). PnL outside every trade counts as
// zero. Trades and pnls must each be in stamp order.
func Build(trades []ledger.Trade, pnls []ledger.PositionPnl, opts Options) Summary {
	opts = opts.withDefaults()
	s := Summary{Type: TypeAll}
	if len(trades) > 0 {
		s.Symbol = trades[0].Symbol
	}
	s.tradeStats(trades)
	s.equityStats(trades, pnls, opts)
	return s
}

// BuildAll returns the All, Long and Short summaries.
func BuildAll(trades []ledger.Trade, pnls []ledger.PositionPnl, opts Options) map[Type]Summary {
	out := make(map[Type]Summary, len(Types))
	for _, t := range Types {
		s := Build(Filter(trades, t), pnls, opts)
		s.Type = t
		out[t] = s
	}
	return out
}

// Filter keeps the trades of one side; TypeAll keeps everything.
func Filter(trades []ledger.Trade, t Type) []ledger.Trade {
	if t == TypeAll {
		return trades
	}
	side := ledger.SideLong
	if t == TypeShort {
		side = ledger.SideShort
	}
	var out []ledger.Trade
	for _, tr := range trades {
		if tr.Side == side {
			out = append(out, tr)
		}
	}
	return out
}

func (s *Summary) tradeStats(trades []ledger.Trade) {
	var (
		gp, gl, net, fees, pct float64
		pctN                   int
	)
	for _, t := range trades {
		if t.Open {
			continue
		}
		s.Trades++
		p := t.NetPnl.InexactFloat64()
		net += p
		fees += t.Fees.InexactFloat64()
		switch {
		case p > 0:
			s.Winners++
			gp += p
		case p < 0:
			s.Losers++
			gl += p
		}
		if t.PctPnl.Valid {
			pct += t.PctPnl.Decimal.InexactFloat64()
			pctN++
		}
	}

	s.GrossProfit, s.GrossLoss = Float(gp), Float(gl)
	s.NetPnl, s.Fees = Float(net), Float(fees)
	s.WinRatePct = ratio(float64(s.Winners)*100, s.Trades)
	s.AvgTrade = ratio(net, s.Trades)
	s.AvgWin = ratio(gp, s.Winners)
	s.AvgLoss = ratio(gl, s.Losers)
	s.AvgPctPnl = ratio(pct, pctN)

	switch {
	case s.Trades == 0:
		s.ProfitFactor = NaN()
	case gl == 0:
		s.ProfitFactor = Float(math.Abs(gp))
	default:
		s.ProfitFactor = Float(math.Abs(gp / gl))
	}
}

func ratio(sum float64, n int) Float {
	if n == 0 {
		return NaN()
	}
	return Float(sum / float64(n))
}

func (s *Summary) equityStats(trades []ledger.Trade, pnls []ledger.PositionPnl, opts Options) {
	var (
		equity, peak, low float64
		maxDD, maxDDPct   float64
		ti                int
		days              []float64
		lastDay           time.Time
	)
	for _, e := range pnls {
		for ti < len(trades) && trades[ti].End.Before(e.Stamp) {
			ti++
		}
		v := 0.0
		if ti < len(trades) && !e.Stamp.Before(trades[ti].Start) {
			v = e.NetPnl.InexactFloat64()
		}

		day := dayOf(e.Stamp.Time, opts.Location)
		if len(days) == 0 || !day.Equal(lastDay) {
			days = append(days, 0)
			lastDay = day
		}
		days[len(days)-1] += v

		equity += v
		peak = math.Max(peak, equity)
		low = math.Min(low, equity)
		if dd := equity - peak; dd < maxDD {
			maxDD = dd
			base := opts.InitialEquity + peak
			if base > 0 {
				maxDDPct = dd / base * 100
			} else {
				maxDDPct = MaxDDPctSentinel
			}
		}
	}

	s.MaxEquity, s.MinEquity = Float(peak), Float(low)
	s.MaxDrawdown, s.MaxDrawdownPct = Float(maxDD), Float(maxDDPct)
	s.Days = len(days)
	s.Sharpe = sharpe(days, opts)
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// sharpe is mean/std of daily PnL, annualized. Fewer than two days leave it
// undefined.
func sharpe(days []float64, opts Options) Float {
	if len(days) < 2 {
		return NaN()
	}
	mean, err := mstats.Mean(days)
	if err != nil {
		return NaN()
	}
	std, err := mstats.StandardDeviationSample(days)
	if err != nil {
		return NaN()
	}
	if std == 0 {
		std = opts.Epsilon
	}
	return Float(mean / std * math.Sqrt(float64(opts.PeriodsPerYear)))
}
