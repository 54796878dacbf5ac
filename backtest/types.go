package backtest

import (
	"time"

	"backtester/instrument"
	"backtester/ledger"
	"backtester/replay"
	"backtester/stats"
)

// Result is the outcome of one run over all configured instruments.
type Result struct {
	RunID         string             `json:"run_id"`
	Strategy      string             `json:"strategy"`
	Portfolio     string             `json:"portfolio"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	InitialEquity float64            `json:"initial_equity"`
	FinalEquity   float64            `json:"final_equity"`
	Symbols       []SymbolResult     `json:"symbols"`
	Executions    []replay.Execution `json:"executions"`
	EquityCurve   []Point            `json:"equity_curve"`
	Errors        []string           `json:"errors,omitempty"`
}

// Symbol returns the per-instrument part of r.
func (r *Result) Symbol(symbol string) (SymbolResult, bool) {
	for _, s := range r.Symbols {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return SymbolResult{}, false
}

type SymbolResult struct {
	Symbol     string                       `json:"symbol"`
	Instrument instrument.Type              `json:"instrument"`
	Bars       int                          `json:"bars"`
	Summaries  map[stats.Type]stats.Summary `json:"summaries"`
	Trades     []ledger.Trade               `json:"trades"`
	Pnl        []ledger.PositionPnl         `json:"pnl"`
}

type Point struct {
	Time   string  `json:"time"`
	Equity float64 `json:"equity"`
}
