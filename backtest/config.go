package backtest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"backtester/feed"
	"backtester/instrument"
	"backtester/replay"
	"backtester/stats"
	"backtester/strategy"
)

const (
	SourceCSV   = "csv"
	SourceKLine = "kline"
)

type YAMLConfig struct {
	Backtest struct {
		Start             string  `yaml:"start"`
		End               string  `yaml:"end"`
		Timezone          string  `yaml:"timezone"`
		InitialCash       float64 `yaml:"initial_cash"`
		CommissionPerUnit float64 `yaml:"commission_per_unit"`
		Portfolio         string  `yaml:"portfolio"`
		ChartDir          string  `yaml:"chart_dir"`

		Data struct {
			Source   string `yaml:"source"`
			Dir      string `yaml:"dir"`
			Encoding string `yaml:"encoding"`
			Layout   string `yaml:"date_layout"`
			Days     int    `yaml:"days"`
		} `yaml:"data"`

		Instruments []struct {
			Symbol     string   `yaml:"symbol"`
			Type       string   `yaml:"type"`
			TickSize   float64  `yaml:"tick_size"`
			BPV        float64  `yaml:"bpv"`
			Currency   string   `yaml:"currency"`
			Commission *float64 `yaml:"commission_per_unit"`
		} `yaml:"instruments"`
	} `yaml:"backtest"`

	Stats struct {
		PeriodsPerYear int     `yaml:"periods_per_year"`
		Epsilon        float64 `yaml:"epsilon"`
	} `yaml:"stats"`

	Strategy struct {
		Type   string         `yaml:"type"`
		Params map[string]any `yaml:"params"`
	} `yaml:"strategy"`
}

type DataConfig struct {
	Source string
	Dir    string
	CSV    feed.CSVOptions
	// Days is the kline history length.
	Days int
}

type StrategyConfig struct {
	Type     string
	Breakout strategy.BreakoutParams
}

// build returns nil for "none", which leaves the scheduler without a
// strategy.
func (c StrategyConfig) build(b replay.Broker, reg *instrument.Registry, log logrus.FieldLogger) replay.Strategy {
	switch c.Type {
	case "none":
		return nil
	default:
		return strategy.NewBreakout(b, reg, c.Breakout, log)
	}
}

type RunConfig struct {
	Start         time.Time
	End           time.Time
	Location      *time.Location
	InitialEquity decimal.Decimal
	Portfolio     string
	// ChartDir receives equity.svg and one fills chart per symbol when set.
	ChartDir      string

	Data        DataConfig
	Instruments []instrument.Instrument
	Strategy    StrategyConfig
	Stats       stats.Options
}

// DefaultRunConfig returns the settings used for keys a config file leaves out.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Location:      time.UTC,
		InitialEquity: decimal.NewFromInt(1_000_000),
		Portfolio:     replay.DefaultPortfolio,
		Data: DataConfig{
			Source: SourceCSV,
			Dir:    "data",
			Days:   5000,
		},
		Strategy: StrategyConfig{Type: "breakout", Breakout: strategy.DefaultBreakoutParams()},
	}
}

// LoadRunConfig reads and parses a YAML run config.
func LoadRunConfig(path string) (RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read config: %w", err)
	}
	return ParseRunConfig(raw)
}

// ParseRunConfig parses raw YAML over DefaultRunConfig.
func ParseRunConfig(raw []byte) (RunConfig, error) {
	var yc YAMLConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return RunConfig{}, fmt.Errorf("parse yaml: %w", err)
	}

	cfg := DefaultRunConfig()
	bt := yc.Backtest

	if bt.Timezone != "" {
		loc, err := time.LoadLocation(bt.Timezone)
		if err != nil {
			return RunConfig{}, fmt.Errorf("invalid backtest.timezone: %w", err)
		}
		cfg.Location = loc
	}
	if bt.InitialCash > 0 {
		cfg.InitialEquity = decimal.NewFromFloat(bt.InitialCash)
	}
	if bt.Portfolio != "" {
		cfg.Portfolio = bt.Portfolio
	}
	cfg.ChartDir = strings.TrimSpace(bt.ChartDir)

	switch src := strings.ToLower(bt.Data.Source); src {
	case "", SourceCSV:
		cfg.Data.Source = SourceCSV
	case SourceKLine:
		cfg.Data.Source = SourceKLine
	default:
		return RunConfig{}, fmt.Errorf("unknown backtest.data.source: %s", bt.Data.Source)
	}
	if bt.Data.Dir != "" {
		cfg.Data.Dir = bt.Data.Dir
	}
	if bt.Data.Days > 0 {
		cfg.Data.Days = bt.Data.Days
	}
	cfg.Data.CSV = feed.CSVOptions{
		Encoding: bt.Data.Encoding,
		Layout:   bt.Data.Layout,
		Location: cfg.Location,
	}

	seen := make(map[string]bool)
	for _, in := range bt.Instruments {
		sym := strings.TrimSpace(in.Symbol)
		if sym == "" {
			continue
		}
		if seen[sym] {
			return RunConfig{}, fmt.Errorf("duplicate instrument: %s", sym)
		}
		seen[sym] = true

		inst := instrument.Instrument{
			Symbol:   sym,
			Type:     instrument.Type(strings.ToLower(in.Type)),
			TickSize: decimal.NewFromFloat(in.TickSize),
			BPV:      decimal.NewFromFloat(in.BPV),
			Currency: in.Currency,
		}
		switch inst.Type {
		case "", instrument.TypeStock, instrument.TypeFutures:
		default:
			return RunConfig{}, fmt.Errorf("instrument %s: unknown type %s", sym, in.Type)
		}
		commission := bt.CommissionPerUnit
		if in.Commission != nil {
			commission = *in.Commission
		}
		// fees are negative amounts whichever sign the file uses
		inst.Commission = decimal.NewFromFloat(commission).Abs().Neg()
		cfg.Instruments = append(cfg.Instruments, inst)
	}

	if bt.Start != "" {
		t, err := time.ParseInLocation(time.DateOnly, bt.Start, cfg.Location)
		if err != nil {
			return RunConfig{}, fmt.Errorf("invalid backtest.start: %w", err)
		}
		cfg.Start = t
	}
	if bt.End != "" {
		t, err := time.ParseInLocation(time.DateOnly, bt.End, cfg.Location)
		if err != nil {
			return RunConfig{}, fmt.Errorf("invalid backtest.end: %w", err)
		}
		cfg.End = t
	}
	if !cfg.Start.IsZero() && !cfg.End.IsZero() && cfg.End.Before(cfg.Start) {
		return RunConfig{}, fmt.Errorf("backtest.end %s before start %s", bt.End, bt.Start)
	}

	cfg.Stats = stats.Options{
		InitialEquity:  cfg.InitialEquity.InexactFloat64(),
		PeriodsPerYear: yc.Stats.PeriodsPerYear,
		Epsilon:        yc.Stats.Epsilon,
		Location:       cfg.Location,
	}

	switch yc.Strategy.Type {
	case "", "breakout":
		var p strategy.BreakoutParams
		if yc.Strategy.Params != nil {
			b, err := yaml.Marshal(yc.Strategy.Params)
			if err != nil {
				return RunConfig{}, fmt.Errorf("strategy.params: %w", err)
			}
			if err := yaml.Unmarshal(b, &p); err != nil {
				return RunConfig{}, fmt.Errorf("strategy.params: %w", err)
			}
		}
		cfg.Strategy = StrategyConfig{Type: "breakout", Breakout: p}
	case "none":
		cfg.Strategy = StrategyConfig{Type: "none"}
	default:
		return RunConfig{}, fmt.Errorf("unknown strategy.type: %s", yc.Strategy.Type)
	}

	return cfg, nil
}
