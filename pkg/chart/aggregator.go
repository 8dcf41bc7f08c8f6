// Package chart keeps one candle series per SYMBOL:INTERVAL key.
package chart

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	OutcomeAppended Outcome = iota
	OutcomeReplaced
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeStale:
		return "stale"
	}
	return "unknown"
}

// Series is an immutable copy of one key's state.
type Series struct {
	Key        string            `json:"key"`
	Bars       []models.Candle   `json:"bars"`
	Indicators models.Indicators `json:"indicators"`
	LastTick   *models.LastTick  `json:"lastTick,omitempty"`
	// Flagged holds indices of snapshot bars that broke strict time order.
	Flagged   []int     `json:"flagged,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type series struct {
	bars       []models.Candle
	indicators models.Indicators
	lastTick   *models.LastTick
	flagged    []int
	updatedAt  time.Time
}

// Aggregator is not safe for concurrent use; the engine loop owns it.
type Aggregator struct {
	series  map[string]*series
	maxBars int
	logger  logrus.FieldLogger
	now     func() time.Time
}

// NewAggregator creates an aggregator. maxBars caps each series by trimming
// the oldest bars; 0 keeps everything.
func NewAggregator(maxBars int, logger logrus.FieldLogger) *Aggregator {
	return &Aggregator{
		series:  make(map[string]*series),
		maxBars: maxBars,
		logger:  logger.WithField("component", "chart"),
		now:     time.Now,
	}
}

// ApplySnapshot replaces the whole series for key. Bars are expected in
// strictly increasing time order; if they are not, the snapshot is still
// stored and a *models.InvariantViolation lists the offending indices.
// Indicator values survive a snapshot; lastTick is kept when nil.
func (a *Aggregator) ApplySnapshot(key string, bars []models.Candle, lastTick *models.LastTick) error {
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	s.bars = slices.Clone(bars)
	s.flagged = nil
	for i := 1; i < len(s.bars); i++ {
		if s.bars[i].Time <= s.bars[i-1].Time {
			s.flagged = append(s.flagged, i)
		}
	}
	if lastTick != nil {
		lt := *lastTick
		s.lastTick = &lt
	}
	a.trim(s)
	s.updatedAt = a.now()

	if len(s.flagged) == 0 {
		return nil
	}
	violation := &models.InvariantViolation{
		Component: "chart",
		Key:       key,
		Detail:    fmt.Sprintf("%d snapshot bars out of time order", len(s.flagged)),
		Indices:   slices.Clone(s.flagged),
	}
	a.logger.WithFields(logrus.Fields{
		"key":     key,
		"flagged": s.flagged,
	}).Warn("Snapshot bars not strictly increasing")
	return violation
}

// ApplyUpdate merges one bar. A bar at the last bar's time replaces it, a
// later bar is appended, an earlier bar is dropped and the series stays
// untouched (models.ErrStaleUpdate). The series is never reordered.
func (a *Aggregator) ApplyUpdate(key string, bar models.Candle, indicators *models.Indicators) (Outcome, error) {
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}

	var outcome Outcome
	n := len(s.bars)
	switch {
	case n == 0 || bar.Time > s.bars[n-1].Time:
		s.bars = append(s.bars, bar)
		a.trim(s)
		outcome = OutcomeAppended
	case bar.Time == s.bars[n-1].Time:
		s.bars[n-1] = bar
		outcome = OutcomeReplaced
	default:
		a.logger.WithFields(logrus.Fields{
			"key":       key,
			"bar_time":  bar.Time,
			"last_time": s.bars[n-1].Time,
		}).Debug("Dropping out-of-order bar")
		return OutcomeStale, fmt.Errorf("chart %s: bar %d before %d: %w", key, bar.Time, s.bars[n-1].Time, models.ErrStaleUpdate)
	}

	if indicators != nil {
		s.indicators = s.indicators.Merge(*indicators)
	}
	s.updatedAt = a.now()
	return outcome, nil
}

// MergeIndicators folds indicator values into key without touching bars.
func (a *Aggregator) MergeIndicators(key string, indicators models.Indicators) {
	s, ok := a.series[key]
	if !ok {
		return
	}
	s.indicators = s.indicators.Merge(indicators)
}

// Evict drops a key back to EMPTY.
func (a *Aggregator) Evict(key string) bool {
	if _, ok := a.series[key]; !ok {
		return false
	}
	delete(a.series, key)
	return true
}

func (a *Aggregator) Keys() []string {
	keys := make([]string, 0, len(a.series))
	for k := range a.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Aggregator) Len(key string) int {
	if s, ok := a.series[key]; ok {
		return len(s.bars)
	}
	return 0
}

// Series returns a copy of key's state, or false while the key is EMPTY.
func (a *Aggregator) Series(key string) (Series, bool) {
	s, ok := a.series[key]
	if !ok {
		return Series{}, false
	}
	out := Series{
		Key:        key,
		Bars:       slices.Clone(s.bars),
		Indicators: s.indicators.Clone(),
		Flagged:    slices.Clone(s.flagged),
		UpdatedAt:  s.updatedAt,
	}
	if s.lastTick != nil {
		lt := *s.lastTick
		out.LastTick = &lt
	}
	return out, true
}

// Snapshot copies every series.
func (a *Aggregator) Snapshot() map[string]Series {
	out := make(map[string]Series, len(a.series))
	for key := range a.series {
		out[key], _ = a.Series(key)
	}
	return out
}

// trim enforces maxBars by dropping the oldest bars.
func (a *Aggregator) trim(s *series) {
	if a.maxBars <= 0 || len(s.bars) <= a.maxBars {
		return
	}
	drop := len(s.bars) - a.maxBars
	s.bars = s.bars[drop:]
	if len(s.flagged) == 0 {
		return
	}
	kept := s.flagged[:0]
	for _, i := range s.flagged {
		if i-drop > 0 {
			kept = append(kept, i-drop)
		}
	}
	s.flagged = kept
}
