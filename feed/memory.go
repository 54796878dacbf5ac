package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"backtester/instrument"
)

// Memory is a Feed over bars held in memory. The CSV and kline loaders fill
// one of these.
type Memory struct {
	mu          sync.RWMutex
	instruments map[string]instrument.Instrument
	bars        map[string][]Bar
	subs        map[string]bool
}

// NewMemory creates an empty in-memory feed.
func NewMemory() *Memory {
	return &Memory{
		instruments: make(map[string]instrument.Instrument),
		bars:        make(map[string][]Bar),
		subs:        make(map[string]bool),
	}
}

// AddInstrument registers metadata; bars for unknown symbols are rejected.
func (m *Memory) AddInstrument(inst instrument.Instrument) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[inst.Symbol] = inst
}

// AddBars appends bars for their symbols and keeps each series sorted.
func (m *Memory) AddBars(bars ...Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	touched := make(map[string]bool)
	for _, b := range bars {
		if _, ok := m.instruments[b.Symbol]; !ok {
			return fmt.Errorf("add bar: %w: %s", ErrUnknownSymbol, b.Symbol)
		}
		if err := b.Validate(); err != nil {
			return err
		}
		m.bars[b.Symbol] = append(m.bars[b.Symbol], b)
		touched[b.Symbol] = true
	}
	for sym := range touched {
		series := m.bars[sym]
		sort.SliceStable(series, func(i, j int) bool { return series[i].Time.Before(series[j].Time) })
	}
	return nil
}

// Clip drops bars before start or after end. A zero bound is open.
func (m *Memory) Clip(start, end time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, series := range m.bars {
		kept := series[:0]
		for _, b := range series {
			if !start.IsZero() && b.Time.Before(start) {
				continue
			}
			if !end.IsZero() && b.Time.After(end) {
				continue
			}
			kept = append(kept, b)
		}
		m.bars[sym] = kept
	}
}

// First returns the earliest bar time over all series.
func (m *Memory) First() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first time.Time
	for _, series := range m.bars {
		if len(series) > 0 && (first.IsZero() || series[0].Time.Before(first)) {
			first = series[0].Time
		}
	}
	return first, !first.IsZero()
}

// Symbols returns the registered symbols, sorted.
func (m *Memory) Symbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.instruments))
	for sym := range m.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Bars returns a copy of the series of symbol.
func (m *Memory) Bars(symbol string) []Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Bar(nil), m.bars[symbol]...)
}

// Subscribe adds symbol to the replayed series.
func (m *Memory) Subscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instruments[symbol]; !ok {
		return fmt.Errorf("subscribe: %w: %s", ErrUnknownSymbol, symbol)
	}
	m.subs[symbol] = true
	return nil
}

func (m *Memory) Unsubscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, symbol)
}

func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]bool)
}

// Instrument returns the metadata registered for symbol.
func (m *Memory) Instrument(symbol string) (instrument.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instruments[symbol]
	if !ok {
		return instrument.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// Start merges the subscribed series by time, symbols breaking ties, and
// flags the final bar of each series as Last.
func (m *Memory) Start(ctx context.Context, h Handler) error {
	m.mu.RLock()
	var merged []Bar
	for sym := range m.subs {
		series := m.bars[sym]
		for i, b := range series {
			b.Last = i == len(series)-1
			merged = append(merged, b)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Time.Before(merged[j].Time)
		}
		return merged[i].Symbol < merged[j].Symbol
	})

	for _, b := range merged {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h(b); err != nil {
			return err
		}
	}
	return nil
}
