package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"backtester/instrument"
)

const (
	// eastmoney daily kline, forward adjusted; secid then row limit
	DefaultStockKLineURL = "https://push2his.eastmoney.com/api/qt/stock/kline/get?secid=%s&fields1=f1,f2,f3,f4,f5,f6&fields2=f51,f52,f53,f54,f55,f56,f57&klt=101&fqt=1&end=20500101&lmt=%d"
	// sina futures daily kline, jsonp; symbol then cache buster
	DefaultFuturesKLineURL = "https://stock2.finance.sina.com.cn/futures/api/jsonp.php/var=/InnerFuturesNewService.getDailyKLine?symbol=%s&_=%d"
)

// KLineSource downloads daily bars over HTTP into a Memory feed.
type KLineSource struct {
	client     *http.Client
	StockURL   string
	FuturesURL string
	Location   *time.Location
}

// NewKLineSource creates a source with the default endpoints.
func NewKLineSource() *KLineSource {
	return &KLineSource{
		client:     &http.Client{Timeout: 15 * time.Second},
		StockURL:   DefaultStockKLineURL,
		FuturesURL: DefaultFuturesKLineURL,
		Location:   time.Local,
	}
}

// Load fetches the last days bars of every instrument concurrently and adds
// them, with the instruments, to m.
func (k *KLineSource) Load(ctx context.Context, m *Memory, insts []instrument.Instrument, days int) error {
	results := make([][]Bar, len(insts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, inst := range insts {
		i, inst := i, inst
		g.Go(func() error {
			bars, err := k.Fetch(ctx, inst, days)
			if err != nil {
				return fmt.Errorf("kline %s: %w", inst.Symbol, err)
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, inst := range insts {
		m.AddInstrument(inst)
		if err := m.AddBars(results[i]...); err != nil {
			return err
		}
	}
	return nil
}

// Fetch downloads the last days daily bars of inst.
func (k *KLineSource) Fetch(ctx context.Context, inst instrument.Instrument, days int) ([]Bar, error) {
	switch inst.Type {
	case instrument.TypeStock:
		return k.fetchStock(ctx, inst.Symbol, days)
	case instrument.TypeFutures:
		return k.fetchFutures(ctx, inst.Symbol, days)
	}
	return nil, fmt.Errorf("unknown instrument type: %s", inst.Type)
}

// fetchStock takes codes like sh600000 or sz000001.
func (k *KLineSource) fetchStock(ctx context.Context, code string, days int) ([]Bar, error) {
	if len(code) <= 2 {
		return nil, fmt.Errorf("malformed stock code: %s", code)
	}
	var secid string
	switch code[:2] {
	case "sh":
		secid = "1." + code[2:]
	case "sz":
		secid = "0." + code[2:]
	default:
		return nil, fmt.Errorf("unknown market prefix: %s", code)
	}

	body, err := k.get(ctx, fmt.Sprintf(k.StockURL, secid, days), "https://quote.eastmoney.com/")
	if err != nil {
		return nil, err
	}
	return k.parseStock(code, body)
}

func (k *KLineSource) parseStock(symbol string, data []byte) ([]Bar, error) {
	var result struct {
		Data struct {
			Klines []string `json:"klines"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, len(result.Data.Klines))
	for _, line := range result.Data.Klines {
		// date,open,close,high,low,volume,amount
		parts := strings.Split(line, ",")
		if len(parts) < 6 {
			continue
		}
		b, err := k.bar(symbol, parts[0], parts[1], parts[3], parts[4], parts[2], parts[5])
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// fetchFutures takes sina codes, with or without the nf_ prefix.
func (k *KLineSource) fetchFutures(ctx context.Context, code string, days int) ([]Bar, error) {
	symbol := strings.TrimPrefix(code, "nf_")
	body, err := k.get(ctx, fmt.Sprintf(k.FuturesURL, symbol, time.Now().UnixMilli()), "https://finance.sina.com.cn/")
	if err != nil {
		return nil, err
	}
	return k.parseFutures(code, body, days)
}

func (k *KLineSource) parseFutures(symbol string, data []byte, days int) ([]Bar, error) {
	// var=([{...},{...}])
	s := string(data)
	start, end := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no kline array in futures response")
	}

	var rows []struct {
		D string `json:"d"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &rows); err != nil {
		return nil, err
	}
	if days > 0 && len(rows) > days {
		rows = rows[len(rows)-days:]
	}

	bars := make([]Bar, 0, len(rows))
	for _, r := range rows {
		b, err := k.bar(symbol, r.D, r.O, r.H, r.L, r.C, r.V)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func (k *KLineSource) bar(symbol, date, open, high, low, close, volume string) (Bar, error) {
	loc := k.Location
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return Bar{}, err
	}
	b := Bar{Symbol: symbol, Duration: 24 * time.Hour, Time: t}
	for _, f := range []struct {
		dst *decimal.Decimal
		s   string
	}{{&b.Open, open}, {&b.High, high}, {&b.Low, low}, {&b.Close, close}, {&b.Volume, volume}} {
		v, err := decimal.NewFromString(strings.TrimSpace(f.s))
		if err != nil {
			return Bar{}, fmt.Errorf("%s %s: %w", symbol, date, err)
		}
		*f.dst = v
	}
	return b, b.Validate()
}

func (k *KLineSource) get(ctx context.Context, url, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Referer", referer)

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
