package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Candle is one OHLC bar. Time is a unix timestamp in seconds.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume,omitempty"`
}

type LastTick struct {
	Time  int64   `json:"time"`
	Price float64 `json:"price"`
}

// Indicators holds the latest indicator values pushed by the upstream.
// A nil field means "unknown", not zero. Numeric values under any other
// key land in Extra and are passed through untouched.
type Indicators struct {
	EMA20     *float64 `json:"ema20,omitempty"`
	EMA50     *float64 `json:"ema50,omitempty"`
	RSI       *float64 `json:"rsi,omitempty"`
	MACD      *float64 `json:"macd,omitempty"`
	Signal    *float64 `json:"signal,omitempty"`
	Histogram *float64 `json:"histogram,omitempty"`

	Extra map[string]float64 `json:"-"`
}

var knownIndicators = []string{"ema20", "ema50", "rsi", "macd", "signal", "histogram"}

// indicatorFields drops the methods so the codec does not recurse.
type indicatorFields Indicators

func (i *Indicators) UnmarshalJSON(data []byte) error {
	var fields indicatorFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields.Extra = nil
	for k, v := range raw {
		if slices.Contains(knownIndicators, k) {
			continue
		}
		var n *float64
		if err := json.Unmarshal(v, &n); err != nil || n == nil {
			// null and non-numeric values are not indicators
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]float64)
		}
		fields.Extra[k] = *n
	}
	*i = Indicators(fields)
	return nil
}

func (i Indicators) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(indicatorFields(i))
	if err != nil || len(i.Extra) == 0 {
		return known, err
	}
	out := make(map[string]json.RawMessage, len(i.Extra)+len(knownIndicators))
	if err := json.Unmarshal(known, &out); err != nil {
		return nil, err
	}
	for k, v := range i.Extra {
		if slices.Contains(knownIndicators, k) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("indicator %q: %w", k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}

// Merge returns a copy of i with every field that is set in update
// overriding the stored value. Fields absent from update are kept.
func (i Indicators) Merge(update Indicators) Indicators {
	out := i.Clone()
	pick := func(dst **float64, src *float64) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	pick(&out.EMA20, update.EMA20)
	pick(&out.EMA50, update.EMA50)
	pick(&out.RSI, update.RSI)
	pick(&out.MACD, update.MACD)
	pick(&out.Signal, update.Signal)
	pick(&out.Histogram, update.Histogram)
	if len(update.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]float64, len(update.Extra))
		}
		maps.Copy(out.Extra, update.Extra)
	}
	return out
}

func (i Indicators) Clone() Indicators {
	cp := func(p *float64) *float64 {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return Indicators{
		EMA20:     cp(i.EMA20),
		EMA50:     cp(i.EMA50),
		RSI:       cp(i.RSI),
		MACD:      cp(i.MACD),
		Signal:    cp(i.Signal),
		Histogram: cp(i.Histogram),
		Extra:     maps.Clone(i.Extra),
	}
}

// Selection is what the user is currently looking at. OptionKey is nil
// when no option contract is selected. Expiry pins the option chain
// expiry; empty means the first slice received decides it.
type Selection struct {
	Stock     string   `json:"stock"`
	OptionKey *string  `json:"optionKey"`
	Intervals []string `json:"intervals"`
	Expiry    string   `json:"expiry,omitempty"`
}

// Option returns the selected option key or "".
func (s Selection) Option() string {
	if s.OptionKey == nil {
		return ""
	}
	return *s.OptionKey
}

func (s Selection) Clone() Selection {
	out := s
	out.Intervals = slices.Clone(s.Intervals)
	if s.OptionKey != nil {
		k := *s.OptionKey
		out.OptionKey = &k
	}
	return out
}

// Normalize trims names, turns an empty option key into nil and drops
// empty or repeated intervals while keeping their order.
func (s Selection) Normalize() Selection {
	out := Selection{
		Stock:  strings.TrimSpace(s.Stock),
		Expiry: strings.TrimSpace(s.Expiry),
	}
	if k := strings.TrimSpace(s.Option()); k != "" {
		out.OptionKey = &k
	}
	seen := make(map[string]struct{}, len(s.Intervals))
	out.Intervals = make([]string, 0, len(s.Intervals))
	for _, iv := range s.Intervals {
		iv = strings.TrimSpace(iv)
		if iv == "" {
			continue
		}
		if _, dup := seen[iv]; dup {
			continue
		}
		seen[iv] = struct{}{}
		out.Intervals = append(out.Intervals, iv)
	}
	return out
}

// ChartKey builds the "SYMBOL:INTERVAL" key used by chart messages.
func ChartKey(symbol, interval string) string {
	return symbol + ":" + interval
}

// ParseChartKey splits a "SYMBOL:INTERVAL" key. The interval is taken
// after the last colon so option symbols may contain colons.
func ParseChartKey(key string) (symbol, interval string, err error) {
	i := strings.LastIndex(key, ":")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidChartKey, key)
	}
	return key[:i], key[i+1:], nil
}
