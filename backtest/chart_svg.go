package backtest

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"backtester/feed"
	"backtester/replay"
)

type SVGChartOptions struct {
	Width  int
	Height int
	// MaxBars keeps only the most recent bars of a candle chart; 0 keeps all.
	MaxBars int
}

func (o SVGChartOptions) withDefaults() SVGChartOptions {
	if o.Width <= 0 {
		o.Width = 980
	}
	if o.Height <= 0 {
		o.Height = 520
	}
	return o
}

const (
	chartBg   = "#0b1220"
	chartGrid = "rgba(255,255,255,0.08)"
	chartUp   = "#22c55e"
	chartDown = "#ef4444"
	chartText = "rgba(255,255,255,0.85)"
	chartFont = "ui-monospace, Menlo, Monaco, Consolas, monospace"
)

// plot maps values onto the drawing area shared by both charts.
type plot struct {
	buf           bytes.Buffer
	left, top     float64
	width, height float64
	minV, maxV    float64
	n             int
}

func newPlot(opt SVGChartOptions, n int, minV, maxV float64) (*plot, error) {
	if math.IsInf(minV, 0) || math.IsInf(maxV, 0) || maxV < minV {
		return nil, fmt.Errorf("invalid value range")
	}
	pad := (maxV - minV) * 0.05
	if pad <= 0 {
		pad = math.Max(math.Abs(minV)*0.02, 1)
	}
	p := &plot{
		left:   70,
		top:    24,
		width:  float64(opt.Width) - 70 - 20,
		height: float64(opt.Height) - 24 - 40,
		minV:   minV - pad,
		maxV:   maxV + pad,
		n:      n,
	}
	if p.width <= 10 || p.height <= 10 {
		return nil, fmt.Errorf("invalid chart size")
	}

	p.buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	p.buf.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="` + strconv.Itoa(opt.Width) + `" height="` + strconv.Itoa(opt.Height) +
		`" viewBox="0 0 ` + strconv.Itoa(opt.Width) + ` ` + strconv.Itoa(opt.Height) + `">` + "\n")
	p.buf.WriteString(`<rect x="0" y="0" width="100%" height="100%" fill="` + chartBg + `"/>` + "\n")
	return p, nil
}

func (p *plot) y(v float64) float64 {
	r := (v - p.minV) / (p.maxV - p.minV)
	r = math.Max(0, math.Min(1, r))
	return p.top + (1.0-r)*p.height
}

func (p *plot) step() float64 { return p.width / float64(p.n) }

func (p *plot) x(i int) float64 {
	return p.left + (float64(i)+0.5)*p.step()
}

func (p *plot) text(x, y float64, size int, color, s string) {
	p.buf.WriteString(`<text x="` + fmtFloat(x) + `" y="` + fmtFloat(y) + `" fill="` + color + `" font-size="` + strconv.Itoa(size) +
		`" font-family="` + chartFont + `">` + html.EscapeString(s) + `</text>` + "\n")
}

func (p *plot) line(x1, y1, x2, y2 float64, color string, width float64) {
	p.buf.WriteString(`<line x1="` + fmtFloat(x1) + `" y1="` + fmtFloat(y1) + `" x2="` + fmtFloat(x2) + `" y2="` + fmtFloat(y2) +
		`" stroke="` + color + `" stroke-width="` + fmtFloat(width) + `"/>` + "\n")
}

// frame draws the title, the value grid and the first/last date labels.
func (p *plot) frame(title, first, last string) {
	if strings.TrimSpace(title) == "" {
		title = "UNKNOWN"
	}
	p.text(p.left, 16, 14, chartText, title+"  "+first+" ~ "+last)
	for k := 0; k <= 5; k++ {
		y := p.top + (float64(k)/5.0)*p.height
		p.line(p.left, y, p.left+p.width, y, chartGrid, 1)
		p.text(6, y+4, 12, chartText, fmtPrice(p.maxV-(float64(k)/5.0)*(p.maxV-p.minV)))
	}
	footer := p.top + p.height + 28
	p.text(p.left, footer, 12, chartText, first)
	p.text(p.left+p.width-70, footer, 12, chartText, last)
}

func (p *plot) bytes() []byte {
	p.buf.WriteString(`</svg>` + "\n")
	return p.buf.Bytes()
}

// RenderFillsSVG draws candles with a marker at every execution: up
// triangles for buys, down triangles for sells.
func RenderFillsSVG(symbol string, bars []feed.Bar, execs []replay.Execution, opt SVGChartOptions) ([]byte, error) {
	opt = opt.withDefaults()
	if opt.MaxBars > 0 && len(bars) > opt.MaxBars {
		bars = bars[len(bars)-opt.MaxBars:]
	}
	if len(bars) < 2 {
		return nil, fmt.Errorf("not enough bars: %d", len(bars))
	}

	index := make(map[int64]int, len(bars))
	minP, maxP := math.Inf(1), math.Inf(-1)
	for i, b := range bars {
		index[b.Time.UnixNano()] = i
		minP = math.Min(minP, b.Low.InexactFloat64())
		maxP = math.Max(maxP, b.High.InexactFloat64())
	}

	p, err := newPlot(opt, len(bars), minP, maxP)
	if err != nil {
		return nil, err
	}
	p.frame(symbol, bars[0].Time.Format(time.DateOnly), bars[len(bars)-1].Time.Format(time.DateOnly))

	cw := math.Max(1.0, p.step()*0.65)
	for i, b := range bars {
		o, c := b.Open.InexactFloat64(), b.Close.InexactFloat64()
		col := chartUp
		if c < o {
			col = chartDown
		}
		x := p.x(i)
		p.line(x, p.y(b.High.InexactFloat64()), x, p.y(b.Low.InexactFloat64()), col, 1)

		yTop, yBot := math.Min(p.y(o), p.y(c)), math.Max(p.y(o), p.y(c))
		if yBot-yTop < 1 {
			yBot = yTop + 1
		}
		p.buf.WriteString(`<rect x="` + fmtFloat(x-cw/2) + `" y="` + fmtFloat(yTop) + `" width="` + fmtFloat(cw) +
			`" height="` + fmtFloat(yBot-yTop) + `" fill="` + col + `" opacity="0.9"/>` + "\n")
	}

	for _, e := range execs {
		if e.Symbol != symbol {
			continue
		}
		i, ok := index[e.Stamp.Time.UnixNano()]
		if !ok {
			continue
		}
		x, y := p.x(i), p.y(e.Price.InexactFloat64())
		pts := fmtFloat(x-5) + "," + fmtFloat(y+8) + " " + fmtFloat(x+5) + "," + fmtFloat(y+8) + " " + fmtFloat(x) + "," + fmtFloat(y)
		col := "#38bdf8"
		if e.Quantity.IsNegative() {
			pts = fmtFloat(x-5) + "," + fmtFloat(y-8) + " " + fmtFloat(x+5) + "," + fmtFloat(y-8) + " " + fmtFloat(x) + "," + fmtFloat(y)
			col = "#f59e0b"
		}
		p.buf.WriteString(`<polygon points="` + pts + `" fill="` + col + `"/>` + "\n")
		if e.Signal != "" {
			p.text(x+6, y-6, 11, col, e.Signal)
		}
	}

	return p.bytes(), nil
}

// RenderEquitySVG draws the account equity curve with the initial equity as
// a dashed reference line.
func RenderEquitySVG(res *Result, opt SVGChartOptions) ([]byte, error) {
	opt = opt.withDefaults()
	curve := res.EquityCurve
	if len(curve) < 2 {
		return nil, fmt.Errorf("not enough equity points: %d", len(curve))
	}

	minE, maxE := res.InitialEquity, res.InitialEquity
	for _, pt := range curve {
		minE = math.Min(minE, pt.Equity)
		maxE = math.Max(maxE, pt.Equity)
	}
	p, err := newPlot(opt, len(curve), minE, maxE)
	if err != nil {
		return nil, err
	}
	p.frame("equity "+res.Strategy, curve[0].Time, curve[len(curve)-1].Time)

	y0 := p.y(res.InitialEquity)
	p.buf.WriteString(`<line x1="` + fmtFloat(p.left) + `" y1="` + fmtFloat(y0) + `" x2="` + fmtFloat(p.left+p.width) + `" y2="` + fmtFloat(y0) +
		`" stroke="rgba(255,255,255,0.65)" stroke-width="1.2" stroke-dasharray="6 6"/>` + "\n")

	var pts strings.Builder
	for i, pt := range curve {
		if i > 0 {
			pts.WriteByte(' ')
		}
		pts.WriteString(fmtFloat(p.x(i)) + "," + fmtFloat(p.y(pt.Equity)))
	}
	col := chartUp
	if curve[len(curve)-1].Equity < res.InitialEquity {
		col = chartDown
	}
	p.buf.WriteString(`<polyline points="` + pts.String() + `" fill="none" stroke="` + col + `" stroke-width="1.5"/>` + "\n")

	return p.bytes(), nil
}

// WriteCharts renders equity.svg and <symbol>.svg for every symbol with at
// least two bars into dir.
func WriteCharts(dir string, res *Result, mem *feed.Memory) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if len(res.EquityCurve) >= 2 {
		svg, err := RenderEquitySVG(res, SVGChartOptions{})
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "equity.svg"), svg, 0o644); err != nil {
			return err
		}
	}
	for _, sr := range res.Symbols {
		bars := mem.Bars(sr.Symbol)
		if len(bars) < 2 {
			continue
		}
		svg, err := RenderFillsSVG(sr.Symbol, bars, res.Executions, SVGChartOptions{})
		if err != nil {
			return fmt.Errorf("%s chart: %w", sr.Symbol, err)
		}
		name := strings.NewReplacer("/", "_", "\\", "_").Replace(sr.Symbol) + ".svg"
		if err := os.WriteFile(filepath.Join(dir, name), svg, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func fmtFloat(x float64) string {
	return strconv.FormatFloat(x, 'f', 2, 64)
}

func fmtPrice(p float64) string {
	a := math.Abs(p)
	if a >= 1000 {
		return strconv.FormatFloat(p, 'f', 0, 64)
	}
	if a >= 100 {
		return strconv.FormatFloat(p, 'f', 1, 64)
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
