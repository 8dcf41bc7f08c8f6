// Package engine is the single consumer loop of a terminal session. It
// decodes frames, routes each message to the component that owns it and
// publishes an immutable State after every applied change.
package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/koboldx/pkg/chain"
	"github.com/gregtusar/koboldx/pkg/chart"
	"github.com/gregtusar/koboldx/pkg/feed"
	"github.com/gregtusar/koboldx/pkg/ledger"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/gregtusar/koboldx/pkg/subscription"
	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("engine: stopped")

// Sender forwards subscription directives upstream.
type Sender interface {
	Send(subscription.Delta)
}

type Config struct {
	InboxSize int
	MaxBars   int
}

type selectionRequest struct {
	selection models.Selection
	reply     chan selectionReply
}

type selectionReply struct {
	delta subscription.Delta
	err   error
}

type item struct {
	frame      []byte
	selection  *selectionRequest
	connection bool
}

type Engine struct {
	sess     *session.Session
	registry *subscription.Registry
	charts   *chart.Aggregator
	chain    *chain.Reconciler
	ledger   *ledger.Ledger
	sender   Sender

	inbox    chan item
	stopCh   chan struct{}
	stopOnce sync.Once
	state    atomic.Pointer[State]

	listenerMu sync.RWMutex
	listeners  []Listener

	logger logrus.FieldLogger
}

func New(cfg Config, sess *session.Session) (*Engine, error) {
	registry, err := subscription.NewRegistry(sess)
	if err != nil {
		return nil, err
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}

	e := &Engine{
		sess:     sess,
		registry: registry,
		charts:   chart.NewAggregator(cfg.MaxBars, sess.Logger),
		chain:    chain.NewReconciler(sess.Logger),
		ledger:   ledger.NewLedger(sess.Logger),
		inbox:    make(chan item, cfg.InboxSize),
		stopCh:   make(chan struct{}),
		logger:   sess.Logger.WithField("component", "engine"),
	}
	e.state.Store(&State{
		SessionID:  sess.ID,
		Connection: sess.Connection(),
		Charts:     map[string]chart.Series{},
		Orders:     []models.Order{},
	})

	sess.OnConnectionChange(func(session.ConnectionStatus) {
		select {
		case e.inbox <- item{connection: true}:
		default:
			// the loop is saturated; the next published state carries the status
		}
	})
	return e, nil
}

// Registry is handed to the connection supervisor for resubscribes.
func (e *Engine) Registry() *subscription.Registry {
	return e.registry
}

// SetSender wires the outbound side. Call before Run.
func (e *Engine) SetSender(s Sender) {
	e.sender = s
}

func (e *Engine) OnChange(l Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Snapshot returns the latest published state with the live connection
// status. It never blocks the loop.
func (e *Engine) Snapshot() State {
	st := *e.state.Load()
	st.Connection = e.sess.Connection()
	return st
}

// Submit queues a raw frame. It blocks while the inbox is full so frame
// order is never broken by dropping.
func (e *Engine) Submit(ctx context.Context, frame []byte) error {
	if e.stopped() {
		return ErrStopped
	}
	select {
	case e.inbox <- item{frame: frame}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopCh:
		return ErrStopped
	}
}

// RequestSelection changes the selection from outside the feed (UI, API)
// and waits for the loop to apply it.
func (e *Engine) RequestSelection(ctx context.Context, sel models.Selection) (subscription.Delta, error) {
	if e.stopped() {
		return subscription.Delta{}, ErrStopped
	}
	req := &selectionRequest{selection: sel, reply: make(chan selectionReply, 1)}
	select {
	case e.inbox <- item{selection: req}:
	case <-ctx.Done():
		return subscription.Delta{}, ctx.Err()
	case <-e.stopCh:
		return subscription.Delta{}, ErrStopped
	}

	select {
	case r := <-req.reply:
		return r.delta, r.err
	case <-ctx.Done():
		return subscription.Delta{}, ctx.Err()
	case <-e.stopCh:
		return subscription.Delta{}, ErrStopped
	}
}

// Run is the consumer loop. It must run in exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting state engine")
	defer e.stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping state engine")
			return nil
		case it := <-e.inbox:
			e.handle(it)
		}
	}
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Engine) stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Replay processes one frame synchronously. It is for offline replays and
// tests and must not be used while Run is active.
func (e *Engine) Replay(frame []byte) {
	e.handle(item{frame: frame})
}

// ApplySelection is the synchronous counterpart of RequestSelection, with
// the same restriction as Replay.
func (e *Engine) ApplySelection(sel models.Selection) (subscription.Delta, error) {
	return e.applySelection(sel)
}

func (e *Engine) handle(it item) {
	switch {
	case it.selection != nil:
		delta, err := e.applySelection(it.selection.selection)
		it.selection.reply <- selectionReply{delta: delta, err: err}
	case it.connection:
		e.publish(Change{Kind: ChangeConnection})
	default:
		e.processFrame(it.frame)
	}
}

func (e *Engine) processFrame(frame []byte) {
	msg, err := feed.Decode(frame)
	if err != nil {
		if errors.Is(err, models.ErrUnknownType) {
			e.sess.Metrics.Inc(session.EventUnknownType)
			e.logger.WithError(err).Warn("Dropping message of unknown type")
			return
		}
		e.sess.Metrics.Inc(session.EventDecodeError)
		e.logger.WithError(err).Warn("Dropping undecodable frame")
		return
	}

	if change, ok := e.route(msg); ok {
		e.sess.Metrics.Inc(session.EventMessageApplied)
		e.publish(change)
	}
}

// route hands msg to its owner. Every feed.Message variant has a case; the
// default branch only fires if a variant is added without routing.
func (e *Engine) route(msg feed.Message) (Change, bool) {
	switch m := msg.(type) {
	case feed.SelectionMessage:
		if _, err := e.applySelection(m.Selection()); err != nil {
			e.sess.Metrics.Inc(session.EventInvariantViolation)
			e.logger.WithError(err).Warn("Rejected selection message")
		}
		// applySelection publishes on its own
		return Change{}, false
	case feed.ChartSnapshotMessage:
		return e.applyChartSnapshot(m)
	case feed.ChartUpdateMessage:
		return e.applyChartUpdate(m)
	case feed.ChartHistoryMessage:
		return e.applyChartHistory(m)
	case feed.ChainSliceMessage:
		return e.applyChainSlice(m)
	case feed.OrderUpdateMessage:
		return e.applyOrder(m)
	case feed.AccountMessage:
		e.ledger.ApplyAccountUpdate(m.AccountUpdate)
		return Change{Kind: ChangeAccount}, true
	default:
		e.logger.WithField("type", msg.MessageType()).Error("No route for message type")
		return Change{}, false
	}
}

func (e *Engine) applySelection(sel models.Selection) (subscription.Delta, error) {
	delta, err := e.registry.SetSelection(sel)
	if err != nil {
		return subscription.Delta{}, err
	}
	current, _ := e.registry.Selection()

	// drop series that are no longer subscribed
	evicted := []string{}
	for _, key := range e.charts.Keys() {
		if !e.registry.IsLiveChart(key) && e.charts.Evict(key) {
			evicted = append(evicted, key)
		}
	}
	if len(evicted) > 0 {
		e.logger.WithField("keys", evicted).Debug("Evicted chart series")
	}
	e.chain.SetActive(current.Stock, current.Expiry)

	if e.sender != nil && !delta.Empty() {
		e.sender.Send(delta)
	}
	e.publish(Change{Kind: ChangeSelection, Keys: evicted})
	return delta, nil
}

func (e *Engine) applyChartSnapshot(m feed.ChartSnapshotMessage) (Change, bool) {
	intervals := make([]string, 0, len(m.Bundles))
	for iv := range m.Bundles {
		intervals = append(intervals, iv)
	}
	sort.Strings(intervals)

	var keys []string
	for _, iv := range intervals {
		key := models.ChartKey(m.Symbol, iv)
		if !e.live(key) {
			continue
		}
		e.applyBars(key, m.Bundles[iv], m.LastTick)
		if m.Indicators != nil {
			e.charts.MergeIndicators(key, *m.Indicators)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return Change{}, false
	}
	return Change{Kind: ChangeChart, Keys: keys}, true
}

func (e *Engine) applyChartHistory(m feed.ChartHistoryMessage) (Change, bool) {
	if !e.live(m.Key) {
		return Change{}, false
	}
	e.applyBars(m.Key, m.Data, nil)
	return Change{Kind: ChangeChart, Keys: []string{m.Key}}, true
}

func (e *Engine) applyBars(key string, bars []models.Candle, lastTick *models.LastTick) {
	if err := e.charts.ApplySnapshot(key, bars, lastTick); err != nil {
		var violation *models.InvariantViolation
		if errors.As(err, &violation) {
			e.sess.Metrics.Inc(session.EventInvariantViolation)
		}
	}
}

func (e *Engine) applyChartUpdate(m feed.ChartUpdateMessage) (Change, bool) {
	if !e.live(m.Key) {
		return Change{}, false
	}
	if _, err := e.charts.ApplyUpdate(m.Key, m.Bar, m.Indicators); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			e.sess.Metrics.Inc(session.EventStaleUpdate)
		}
		return Change{}, false
	}
	return Change{Kind: ChangeChart, Keys: []string{m.Key}}, true
}

func (e *Engine) applyChainSlice(m feed.ChainSliceMessage) (Change, bool) {
	outcome, err := e.chain.ApplySlice(m.OptionChain)
	if outcome == chain.OutcomeDiscarded {
		e.sess.Metrics.Inc(session.EventDiscarded)
		return Change{}, false
	}
	if err != nil {
		e.sess.Metrics.Inc(session.EventInvariantViolation)
	}
	return Change{Kind: ChangeChain}, true
}

func (e *Engine) applyOrder(m feed.OrderUpdateMessage) (Change, bool) {
	if _, err := e.ledger.ApplyOrderUpdate(m.Order); err != nil {
		if errors.Is(err, models.ErrStaleUpdate) {
			e.sess.Metrics.Inc(session.EventStaleUpdate)
		} else {
			e.sess.Metrics.Inc(session.EventDecodeError)
			e.logger.WithError(err).Warn("Rejected order update")
		}
		return Change{}, false
	}
	return Change{Kind: ChangeOrders, Keys: []string{m.Order.ID}}, true
}

// live filters chart traffic for keys outside the selection, e.g. late
// frames for a key that was just unsubscribed.
func (e *Engine) live(key string) bool {
	if e.registry.IsLiveChart(key) {
		return true
	}
	e.sess.Metrics.Inc(session.EventDiscarded)
	e.logger.WithField("key", key).Debug("Dropping chart data for inactive key")
	return false
}

// publish builds the next immutable State from the previous one, copying
// only the part named by the change.
func (e *Engine) publish(change Change) {
	prev := e.state.Load()
	next := *prev
	next.Seq = prev.Seq + 1
	next.Connection = e.sess.Connection()
	next.UpdatedAt = time.Now()

	switch change.Kind {
	case ChangeSelection:
		next.Selection, _ = e.registry.Selection()
		next.Charts = e.charts.Snapshot()
		if s, ok := e.chain.Slice(); ok {
			next.Chain = &s
		} else {
			next.Chain = nil
		}
	case ChangeChart:
		next.Charts = maps.Clone(prev.Charts)
		for _, key := range change.Keys {
			if s, ok := e.charts.Series(key); ok {
				next.Charts[key] = s
			} else {
				delete(next.Charts, key)
			}
		}
	case ChangeChain:
		if s, ok := e.chain.Slice(); ok {
			next.Chain = &s
		}
	case ChangeOrders:
		next.Orders = e.ledger.Orders()
	case ChangeAccount:
		if a, ok := e.ledger.Account(); ok {
			next.Account = &a
		}
	case ChangeConnection:
	default:
		panic(fmt.Sprintf("engine: unknown change kind %q", change.Kind))
	}

	e.state.Store(&next)

	e.listenerMu.RLock()
	listeners := e.listeners
	e.listenerMu.RUnlock()
	for _, l := range listeners {
		l(change, &next)
	}
}
