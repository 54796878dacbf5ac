package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

const (
	EncodingUTF8 = "utf-8"
	EncodingGBK  = "gbk"
)

type CSVOptions struct {
	// Encoding is utf-8 (default) or gbk, the usual encoding of exports from
	// Chinese brokerage terminals.
	Encoding string
	// Layout of the date column, default 2006-01-02.
	Layout   string
	Location *time.Location
	Duration time.Duration
	// Parallel bounds concurrent file reads in LoadCSVDir.
	Parallel int
}

func (o CSVOptions) withDefaults() CSVOptions {
	if o.Encoding == "" {
		o.Encoding = EncodingUTF8
	}
	if o.Layout == "" {
		o.Layout = time.DateOnly
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Duration <= 0 {
		o.Duration = 24 * time.Hour
	}
	if o.Parallel <= 0 {
		o.Parallel = 4
	}
	return o
}

const (
	colDate = iota
	colOpen
	colHigh
	colLow
	colClose
	colVolume
	colOpenInterest
	colTotalInterest
	numCols
)

var headerNames = map[string]int{
	"date": colDate, "time": colDate, "日期": colDate,
	"open": colOpen, "开盘": colOpen, "开盘价": colOpen,
	"high": colHigh, "最高": colHigh, "最高价": colHigh,
	"low": colLow, "最低": colLow, "最低价": colLow,
	"close": colClose, "收盘": colClose, "收盘价": colClose,
	"volume": colVolume, "成交量": colVolume,
	"open_interest": colOpenInterest, "持仓量": colOpenInterest,
	"total_interest": colTotalInterest, "总持仓": colTotalInterest,
}

// ReadCSV parses daily bars for symbol. The first row is a header naming at
// least date, open, high, low and close.
func ReadCSV(r io.Reader, symbol string, opts CSVOptions) ([]Bar, error) {
	opts = opts.withDefaults()
	switch strings.ToLower(opts.Encoding) {
	case EncodingUTF8, "utf8":
	case EncodingGBK:
		r = transform.NewReader(r, simplifiedchinese.GBK.NewDecoder())
	default:
		return nil, fmt.Errorf("csv %s: unsupported encoding %q", symbol, opts.Encoding)
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("csv %s header: %w", symbol, err)
	}
	idx := [numCols]int{}
	for i := range idx {
		idx[i] = -1
	}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if c, ok := headerNames[name]; ok {
			idx[c] = i
		}
	}
	for _, c := range []int{colDate, colOpen, colHigh, colLow, colClose} {
		if idx[c] < 0 {
			return nil, fmt.Errorf("csv %s: header %v lacks a required column", symbol, header)
		}
	}

	var bars []Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv %s line %d: %w", symbol, line, err)
		}
		b, err := parseRow(rec, idx, symbol, opts)
		if err != nil {
			return nil, fmt.Errorf("csv %s line %d: %w", symbol, line, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRow(rec []string, idx [numCols]int, symbol string, opts CSVOptions) (Bar, error) {
	field := func(c int) string {
		if idx[c] < 0 || idx[c] >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx[c]])
	}
	num := func(c int, required bool) (decimal.Decimal, error) {
		s := strings.ReplaceAll(field(c), ",", "")
		if s == "" {
			if required {
				return decimal.Zero, fmt.Errorf("%w: missing column %d", ErrBadBar, c)
			}
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}

	t, err := time.ParseInLocation(opts.Layout, field(colDate), opts.Location)
	if err != nil {
		return Bar{}, err
	}
	b := Bar{Symbol: symbol, Duration: opts.Duration, Time: t}
	targets := []struct {
		col      int
		dst      *decimal.Decimal
		required bool
	}{
		{colOpen, &b.Open, true},
		{colHigh, &b.High, true},
		{colLow, &b.Low, true},
		{colClose, &b.Close, true},
		{colVolume, &b.Volume, false},
		{colOpenInterest, &b.OpenInterest, false},
		{colTotalInterest, &b.TotalInterest, false},
	}
	for _, tg := range targets {
		v, err := num(tg.col, tg.required)
		if err != nil {
			return Bar{}, err
		}
		*tg.dst = v
	}
	return b, b.Validate()
}

// LoadCSVDir reads <dir>/<symbol>.csv for every instrument known to m,
// several files at a time, and adds the bars. Symbols without a file are
// skipped.
func LoadCSVDir(ctx context.Context, dir string, m *Memory, opts CSVOptions) error {
	opts = opts.withDefaults()
	symbols := m.Symbols()
	results := make([][]Bar, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for i, sym := range symbols {
		i, sym := i, sym
		path := filepath.Join(dir, sym+".csv")
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(path)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			defer f.Close()
			bars, err := ReadCSV(f, sym, opts)
			if err != nil {
				return err
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, bars := range results {
		if err := m.AddBars(bars...); err != nil {
			return err
		}
	}
	return nil
}
