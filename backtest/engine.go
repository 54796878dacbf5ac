// Package backtest runs a configured strategy over historical bars and
// collects per-instrument statistics and the account equity curve.
package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"backtester/account"
	"backtester/feed"
	"backtester/instrument"
	"backtester/metrics"
	"backtester/replay"
	"backtester/stats"
)

var ErrNoBars = errors.New("no bars to replay")

type Runner struct {
	log     logrus.FieldLogger
	metrics *metrics.Replay
	kline   *feed.KLineSource
}

// NewRunner creates a runner. A nil log uses the logrus standard logger.
func NewRunner(log logrus.FieldLogger, m *metrics.Replay) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{log: log, metrics: m, kline: feed.NewKLineSource()}
}

// Run replays cfg and summarizes it. A replay error aborts the run and no
// result is produced.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	if cfg.Portfolio == "" {
		cfg.Portfolio = replay.DefaultPortfolio
	}
	runID := uuid.NewString()
	log := r.log.WithField("run_id", runID)

	reg := instrument.NewRegistry()
	acct := account.New(reg)
	sched := replay.NewScheduler(reg, acct,
		replay.WithLogger(log),
		replay.WithMetrics(r.metrics),
		replay.WithPortfolio(cfg.Portfolio))

	insts := make([]instrument.Instrument, 0, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		insts = append(insts, inst.Normalize())
	}
	mem, err := r.load(ctx, insts, cfg)
	if err != nil {
		return nil, err
	}
	mem.Clip(cfg.Start, cfg.End)

	res := &Result{
		RunID:         runID,
		Strategy:      cfg.Strategy.Type,
		Portfolio:     cfg.Portfolio,
		InitialEquity: round2(cfg.InitialEquity.InexactFloat64()),
	}
	// the registry takes its metadata from the feed
	ids := make([]instrument.ID, 0, len(insts))
	for _, inst := range insts {
		sym := inst.Symbol
		if len(mem.Bars(sym)) == 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: no bars", sym))
			meta, err := mem.Instrument(sym)
			if err != nil {
				return nil, err
			}
			id, err := sched.Register(meta)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			continue
		}
		id, err := sched.Subscribe(mem, sym)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	first, ok := mem.First()
	if !ok {
		return nil, ErrNoBars
	}
	acct.Add(first, cfg.InitialEquity)
	sched.SetStrategy(cfg.Strategy.build(sched, reg, log))

	log.WithFields(logrus.Fields{
		"strategy":    cfg.Strategy.Type,
		"instruments": len(ids),
		"start":       first.Format(time.DateOnly),
	}).Info("backtest started")

	start := time.Now()
	runErr := sched.Run(ctx, mem)
	r.metrics.Run(start, runErr)
	if runErr != nil {
		log.WithError(runErr).Error("backtest aborted")
		return nil, fmt.Errorf("replay: %w", runErr)
	}

	r.summarize(res, reg, ids, acct, mem, sched, cfg)
	if cfg.ChartDir != "" {
		if err := WriteCharts(cfg.ChartDir, res, mem); err != nil {
			res.Errors = append(res.Errors, err.Error())
			log.WithError(err).Warn("charts not written")
		}
	}
	log.WithFields(logrus.Fields{
		"final_equity": res.FinalEquity,
		"executions":   len(res.Executions),
		"elapsed":      time.Since(start).String(),
	}).Info("backtest finished")
	return res, nil
}

func (r *Runner) load(ctx context.Context, insts []instrument.Instrument, cfg RunConfig) (*feed.Memory, error) {
	mem := feed.NewMemory()

	switch cfg.Data.Source {
	case SourceKLine:
		if err := r.kline.Load(ctx, mem, insts, cfg.Data.Days); err != nil {
			return nil, err
		}
	case SourceCSV, "":
		for _, inst := range insts {
			mem.AddInstrument(inst)
		}
		if err := feed.LoadCSVDir(ctx, cfg.Data.Dir, mem, cfg.Data.CSV); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown data source: %s", cfg.Data.Source)
	}
	return mem, nil
}

func (r *Runner) summarize(res *Result, reg *instrument.Registry, ids []instrument.ID, acct *account.Account,
	mem *feed.Memory, sched *replay.Scheduler, cfg RunConfig) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	opts := cfg.Stats
	opts.InitialEquity = cfg.InitialEquity.InexactFloat64()
	if opts.Location == nil {
		opts.Location = loc
	}

	p, err := acct.Portfolio(cfg.Portfolio)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return
	}
	for _, id := range ids {
		inst := reg.Get(id)
		l := p.Ledger(id)
		trades := l.Trades()
		pnls := l.PositionPnls()

		sums := stats.BuildAll(trades, pnls, opts)
		for t, s := range sums {
			s.Symbol = inst.Symbol
			sums[t] = s
		}
		res.Symbols = append(res.Symbols, SymbolResult{
			Symbol:     inst.Symbol,
			Instrument: inst.Type,
			Bars:       len(mem.Bars(inst.Symbol)),
			Summaries:  sums,
			Trades:     trades,
			Pnl:        pnls,
		})
	}
	res.Executions = sched.Executions()

	for _, s := range acct.Summaries() {
		if !s.EndEquity.Valid {
			continue
		}
		eq := s.EndEquity.Decimal.InexactFloat64()
		res.EquityCurve = append(res.EquityCurve, Point{
			Time:   s.Time.In(loc).Format(time.DateOnly),
			Equity: round2(eq),
		})
		if res.Start.IsZero() {
			res.Start = s.Time
		}
		res.End = s.Time
		res.FinalEquity = round2(eq)
	}
}

// WriteResultsJSON writes res as indented JSON.
func WriteResultsJSON(w io.Writer, res *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// ReadResultsJSON reads a result written by WriteResultsJSON.
func ReadResultsJSON(rd io.Reader) (*Result, error) {
	var res Result
	if err := json.NewDecoder(rd).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &res, nil
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
