package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/koboldx/pkg/feed"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/gregtusar/koboldx/pkg/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	failPing  bool
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []subscription.Directive
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v.(subscription.Directive))
	return nil
}

func (c *fakeConn) Ping() error {
	if c.failPing {
		return errors.New("pong deadline exceeded")
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Written() []subscription.Directive {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]subscription.Directive(nil), c.written...)
}

// fakeDialer fails the first `failures` dials, then hands out conns. The
// first `deadPeers` conns never answer pings.
type fakeDialer struct {
	mu        sync.Mutex
	failures  int
	deadPeers int
	dials     int
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (feed.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures < 0 || d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.failPing = len(d.conns) < d.deadPeers
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fixedResub struct{ delta subscription.Delta }

func (r fixedResub) ResubscribeAll() subscription.Delta { return r.delta }

type frameLog struct {
	mu     sync.Mutex
	frames []string
}

func (l *frameLog) sink(ctx context.Context, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, string(frame))
	return nil
}

func (l *frameLog) Frames() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.frames...)
}

var selectionSet = subscription.Delta{Subscribe: []subscription.Directive{
	{Action: subscription.ActionSubscribe, Channel: subscription.ChannelChart, Key: "NIFTY:5m"},
	{Action: subscription.ActionSubscribe, Channel: subscription.ChannelOption, Key: "NIFTY24DEC24000CE"},
}}

func fastConfig() Config {
	return Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestSupervisor(t *testing.T, cfg Config, d *fakeDialer) (*Supervisor, *session.Session, *session.Counters, *frameLog) {
	t.Helper()
	counters := session.NewCounters()
	sess := session.New(nil, counters)
	log := &frameLog{}
	s, err := New(cfg, sess, d, fixedResub{delta: selectionSet}, log.sink)
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s, sess, counters, log
}

func TestBaseDelayIsNonDecreasingAndCapped(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, &fakeDialer{})

	assert.Equal(t, 100*time.Millisecond, s.BaseDelay(0))
	assert.Equal(t, 800*time.Millisecond, s.BaseDelay(3))

	prev := time.Duration(0)
	for attempt := 0; attempt < 40; attempt++ {
		d := s.BaseDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Second, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Second, prev)
}

func TestBackoffJitterBounds(t *testing.T) {
	s, _, _, _ := newTestSupervisor(t, Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}, &fakeDialer{})

	s.random = func() float64 { return 0 }
	assert.Equal(t, 1600*time.Millisecond, s.Backoff(1))
	s.random = func() float64 { return 1 }
	assert.Equal(t, 2400*time.Millisecond, s.Backoff(1))
	s.random = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, s.Backoff(1))
}

func TestSecondClaimFails(t *testing.T) {
	sess := session.New(nil, nil)
	_, err := New(fastConfig(), sess, &fakeDialer{}, fixedResub{}, (&frameLog{}).sink)
	require.NoError(t, err)

	_, err = New(fastConfig(), sess, &fakeDialer{}, fixedResub{}, (&frameLog{}).sink)
	assert.ErrorIs(t, err, session.ErrAlreadyClaimed)
}

func TestReconnectResetsAttemptsAndResubscribes(t *testing.T) {
	d := &fakeDialer{failures: 3}
	s, sess, counters, _ := newTestSupervisor(t, fastConfig(), d)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		c := d.Conn(0)
		return c != nil && len(c.Written()) == 2
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 4, d.Dials())
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, session.Connected, sess.Connection().State)
	assert.Equal(t, 0, sess.Connection().ReconnectAttempts)
	assert.Equal(t, selectionSet.Subscribe, d.Conn(0).Written())
	assert.Equal(t, uint64(3), counters.Get(session.EventReconnectAttempt))
}

func TestFramesReachSinkInOrder(t *testing.T) {
	d := &fakeDialer{}
	s, _, _, log := newTestSupervisor(t, fastConfig(), d)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return d.Conn(0) != nil }, 2*time.Second, time.Millisecond)
	for _, f := range []string{"a", "b", "c"} {
		d.Conn(0).frames <- []byte(f)
	}

	require.Eventually(t, func() bool { return len(log.Frames()) == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, log.Frames())
}

func TestDropTriggersReconnectAndResubscribe(t *testing.T) {
	d := &fakeDialer{}
	s, sess, counters, _ := newTestSupervisor(t, fastConfig(), d)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		c := d.Conn(0)
		return c != nil && len(c.Written()) == 2
	}, 2*time.Second, time.Millisecond)

	d.Conn(0).Close()

	require.Eventually(t, func() bool {
		c := d.Conn(1)
		return c != nil && len(c.Written()) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, selectionSet.Subscribe, d.Conn(1).Written())
	assert.Equal(t, uint64(1), counters.Get(session.EventConnectionLost))

	require.Eventually(t, func() bool {
		return sess.Connection().State == session.Connected
	}, 2*time.Second, time.Millisecond)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{failures: -1}
	cfg := Config{BaseDelay: time.Hour, MaxDelay: time.Hour}
	s, sess, _, _ := newTestSupervisor(t, cfg, d)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sess.Connection().State == session.Reconnecting
	}, 2*time.Second, time.Millisecond)

	finished := make(chan struct{})
	go func() {
		s.Disconnect()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect blocked on the backoff timer")
	}

	assert.Equal(t, session.Disconnected, sess.Connection().State)
	assert.Equal(t, 1, d.Dials())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.Dials(), "no dial after disconnect")
}

func TestDisconnectWhileConnected(t *testing.T) {
	d := &fakeDialer{}
	s, sess, _, _ := newTestSupervisor(t, fastConfig(), d)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sess.Connection().State == session.Connected
	}, 2*time.Second, time.Millisecond)

	s.Disconnect()

	assert.Equal(t, session.Disconnected, sess.Connection().State)
	select {
	case <-d.Conn(0).closed:
	default:
		t.Fatal("connection left open")
	}
	assert.Equal(t, 1, d.Dials())
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	d := &fakeDialer{failures: -1}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	s, sess, _, _ := newTestSupervisor(t, cfg, d)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept reconnecting")
	}
	assert.Equal(t, 3, d.Dials())
	assert.Equal(t, 3, s.Attempts())
	assert.Equal(t, session.Disconnected, sess.Connection().State)
}

func TestSend(t *testing.T) {
	d := &fakeDialer{}
	s, _, counters, _ := newTestSupervisor(t, fastConfig(), d)

	delta := subscription.Delta{
		Unsubscribe: []subscription.Directive{{Action: subscription.ActionUnsubscribe, Channel: subscription.ChannelChart, Key: "NIFTY:5m"}},
		Subscribe:   []subscription.Directive{{Action: subscription.ActionSubscribe, Channel: subscription.ChannelChart, Key: "NIFTY:15m"}},
	}

	s.Send(delta)
	assert.Equal(t, uint64(2), counters.Get(session.EventDirectiveDropped))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		c := d.Conn(0)
		return c != nil && len(c.Written()) == 2
	}, 2*time.Second, time.Millisecond)

	s.Send(delta)
	require.Eventually(t, func() bool { return len(d.Conn(0).Written()) == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, delta.Directives(), d.Conn(0).Written()[2:])
	assert.Equal(t, uint64(4), counters.Get(session.EventDirectiveSent))
}

func TestRestartAfterGivingUpStartsFresh(t *testing.T) {
	d := &fakeDialer{failures: -1}
	cfg := fastConfig()
	cfg.MaxAttempts = 3
	s, sess, _, _ := newTestSupervisor(t, cfg, d)

	for round := 1; round <= 2; round++ {
		require.NoError(t, s.Start(context.Background()))
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: supervisor kept reconnecting", round)
		}
		assert.Equal(t, 3*round, d.Dials(), "round %d", round)
		assert.Equal(t, 3, s.Attempts(), "round %d", round)
		assert.Equal(t, 3, sess.Connection().ReconnectAttempts, "round %d", round)
	}
}

func TestMissedPongDropsConnection(t *testing.T) {
	d := &fakeDialer{deadPeers: 1}
	cfg := fastConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	s, sess, counters, _ := newTestSupervisor(t, cfg, d)
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		c := d.Conn(1)
		return c != nil && len(c.Written()) == 2
	}, 2*time.Second, time.Millisecond)

	select {
	case <-d.Conn(0).closed:
	default:
		t.Fatal("dead connection left open")
	}
	assert.Equal(t, uint64(1), counters.Get(session.EventConnectionLost))
	assert.Equal(t, selectionSet.Subscribe, d.Conn(1).Written())
	require.Eventually(t, func() bool {
		return sess.Connection().State == session.Connected
	}, 2*time.Second, time.Millisecond)
}
