package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"backtester/backtest"
	"backtester/replay"
	"backtester/stats"
)

type Handler struct {
	store *Store
}

// NewHandler creates a handler reading from s.
func NewHandler(s *Store) *Handler {
	return &Handler{store: s}
}

func (h *Handler) result(c *gin.Context) (*backtest.Result, bool) {
	res := h.store.Get()
	if res == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no backtest result loaded"})
		return nil, false
	}
	return res, true
}

func (h *Handler) symbol(c *gin.Context) (backtest.SymbolResult, bool) {
	res, ok := h.result(c)
	if !ok {
		return backtest.SymbolResult{}, false
	}
	sym := c.Param("symbol")
	sr, ok := res.Symbol(sym)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":  "unknown symbol",
			"symbol": sym,
		})
		return backtest.SymbolResult{}, false
	}
	return sr, true
}

// GetResults returns the run overview with the All summary of each symbol.
func (h *Handler) GetResults(c *gin.Context) {
	res, ok := h.result(c)
	if !ok {
		return
	}

	symbols := make([]gin.H, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		symbols = append(symbols, gin.H{
			"symbol":     s.Symbol,
			"instrument": s.Instrument,
			"bars":       s.Bars,
			"summary":    s.Summaries[stats.TypeAll],
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"run_id":         res.RunID,
			"strategy":       res.Strategy,
			"start":          res.Start,
			"end":            res.End,
			"initial_equity": res.InitialEquity,
			"final_equity":   res.FinalEquity,
			"executions":     len(res.Executions),
			"symbols":        symbols,
			"errors":         res.Errors,
		},
	})
}

// GetSummary takes ?type=all|long|short, default all.
func (h *Handler) GetSummary(c *gin.Context) {
	typ := stats.TypeAll
	if q := c.Query("type"); q != "" {
		t, ok := stats.ParseType(q)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "type must be all, long or short",
				"type":  q,
			})
			return
		}
		typ = t
	}

	sr, ok := h.symbol(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": sr.Summaries[typ],
	})
}

// GetTrades lists the trades of one symbol.
func (h *Handler) GetTrades(c *gin.Context) {
	sr, ok := h.symbol(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":  0,
		"count": len(sr.Trades),
		"data":  sr.Trades,
	})
}

// GetPnl lists the position PnL series of one symbol.
func (h *Handler) GetPnl(c *gin.Context) {
	sr, ok := h.symbol(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":  0,
		"count": len(sr.Pnl),
		"data":  sr.Pnl,
	})
}

// GetExecutions optionally filters by ?symbol= and ?signal=.
func (h *Handler) GetExecutions(c *gin.Context) {
	res, ok := h.result(c)
	if !ok {
		return
	}
	sym := strings.TrimSpace(c.Query("symbol"))
	signal := strings.TrimSpace(c.Query("signal"))

	out := make([]replay.Execution, 0, len(res.Executions))
	for _, e := range res.Executions {
		if sym != "" && e.Symbol != sym {
			continue
		}
		if signal != "" && e.Signal != signal {
			continue
		}
		out = append(out, e)
	}
	c.JSON(http.StatusOK, gin.H{
		"code":  0,
		"count": len(out),
		"data":  out,
	})
}

// GetEquity returns the account equity curve.
func (h *Handler) GetEquity(c *gin.Context) {
	res, ok := h.result(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":  0,
		"count": len(res.EquityCurve),
		"data":  res.EquityCurve,
	})
}

// GetEquityChart renders the equity curve as SVG.
func (h *Handler) GetEquityChart(c *gin.Context) {
	res, ok := h.result(c)
	if !ok {
		return
	}
	svg, err := backtest.RenderEquitySVG(res, backtest.SVGChartOptions{})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/svg+xml", svg)
}
