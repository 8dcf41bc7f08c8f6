// Package subscription tracks what the session is subscribed to upstream
// and turns selection changes into subscribe/unsubscribe directives.
package subscription

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/sirupsen/logrus"
)

type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

type Channel string

const (
	ChannelChart  Channel = "chart"
	ChannelOption Channel = "option"
)

// Directive is one outbound subscription instruction.
type Directive struct {
	Action  Action  `json:"action"`
	Channel Channel `json:"channel"`
	Key     string  `json:"key"`
}

type Delta struct {
	Subscribe   []Directive `json:"subscribe"`
	Unsubscribe []Directive `json:"unsubscribe"`
}

func (d Delta) Empty() bool {
	return len(d.Subscribe) == 0 && len(d.Unsubscribe) == 0
}

// Directives returns unsubscribes before subscribes so the upstream never
// holds both selections at once.
func (d Delta) Directives() []Directive {
	out := make([]Directive, 0, len(d.Subscribe)+len(d.Unsubscribe))
	out = append(out, d.Unsubscribe...)
	return append(out, d.Subscribe...)
}

type target struct {
	channel Channel
	key     string
}

// Registry owns the live selection. SetSelection runs on the engine loop;
// ResubscribeAll is called by the connection supervisor, hence the lock.
type Registry struct {
	mu      sync.RWMutex
	current models.Selection
	active  bool
	writer  *session.SelectionWriter
	logger  logrus.FieldLogger
}

func NewRegistry(sess *session.Session) (*Registry, error) {
	w, err := sess.ClaimSelection()
	if err != nil {
		return nil, fmt.Errorf("subscription registry: %w", err)
	}
	return &Registry{
		writer: w,
		logger: sess.Logger.WithField("component", "subscription"),
	}, nil
}

// SetSelection replaces the live selection and returns what has to change
// upstream. Calling it again with the same selection yields an empty delta.
func (r *Registry) SetSelection(sel models.Selection) (Delta, error) {
	sel = sel.Normalize()
	if sel.Stock == "" {
		return Delta{}, fmt.Errorf("%w: empty stock", models.ErrInvalidSelection)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var prev []target
	if r.active {
		prev = targets(r.current)
	}
	next := targets(sel)

	delta := Delta{
		Unsubscribe: directives(ActionUnsubscribe, difference(prev, next)),
		Subscribe:   directives(ActionSubscribe, difference(next, prev)),
	}

	r.current = sel
	r.active = true
	r.writer.Set(sel)

	if !delta.Empty() {
		r.logger.WithFields(logrus.Fields{
			"stock":       sel.Stock,
			"option":      sel.Option(),
			"intervals":   sel.Intervals,
			"subscribe":   len(delta.Subscribe),
			"unsubscribe": len(delta.Unsubscribe),
		}).Info("Selection changed")
	}
	return delta, nil
}

// ResubscribeAll replays the whole selection as subscribe directives. The
// upstream forgets subscriptions across reconnects.
func (r *Registry) ResubscribeAll() Delta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.active {
		return Delta{}
	}
	return Delta{Subscribe: directives(ActionSubscribe, targets(r.current))}
}

func (r *Registry) Selection() (models.Selection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone(), r.active
}

// IsLiveChart reports whether a chart key belongs to the live selection:
// the stock or the selected option, at one of the active intervals.
func (r *Registry) IsLiveChart(key string) bool {
	symbol, interval, err := models.ParseChartKey(key)
	if err != nil {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.active {
		return false
	}
	if symbol != r.current.Stock && (r.current.OptionKey == nil || symbol != *r.current.OptionKey) {
		return false
	}
	return slices.Contains(r.current.Intervals, interval)
}

func targets(sel models.Selection) []target {
	out := make([]target, 0, len(sel.Intervals)+1)
	for _, iv := range sel.Intervals {
		out = append(out, target{channel: ChannelChart, key: models.ChartKey(sel.Stock, iv)})
	}
	if k := sel.Option(); k != "" {
		out = append(out, target{channel: ChannelOption, key: k})
	}
	return out
}

// difference keeps the order of a.
func difference(a, b []target) []target {
	var out []target
	for _, t := range a {
		if !slices.Contains(b, t) {
			out = append(out, t)
		}
	}
	return out
}

func directives(action Action, ts []target) []Directive {
	if len(ts) == 0 {
		return nil
	}
	out := make([]Directive, len(ts))
	for i, t := range ts {
		out[i] = Directive{Action: action, Channel: t.channel, Key: t.key}
	}
	return out
}
