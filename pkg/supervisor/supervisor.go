// Package supervisor owns the upstream connection lifecycle: connect,
// heartbeat, reconnect with backoff and resubscribe after reconnect.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gregtusar/koboldx/pkg/feed"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/gregtusar/koboldx/pkg/session"
	"github.com/gregtusar/koboldx/pkg/subscription"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var ErrAlreadyRunning = errors.New("supervisor: already running")

type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter spreads each delay by ±Jitter of its value (0.2 = ±20%).
	Jitter float64
	// MaxAttempts stops reconnecting after that many consecutive failed
	// dials; 0 retries forever.
	MaxAttempts         int
	HeartbeatInterval   time.Duration
	DirectivesPerSecond float64
	DirectiveBurst      int
	OutboundBuffer      int
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		Jitter:              0.2,
		HeartbeatInterval:   30 * time.Second,
		DirectivesPerSecond: 20,
		DirectiveBurst:      10,
		OutboundBuffer:      64,
	}
}

// Resubscriber replays the current selection after a reconnect.
type Resubscriber interface {
	ResubscribeAll() subscription.Delta
}

// FrameSink receives inbound frames in arrival order. It may block and must
// return once ctx is done.
type FrameSink func(ctx context.Context, frame []byte) error

type Supervisor struct {
	cfg      Config
	dialer   feed.Dialer
	resub    Resubscriber
	sink     FrameSink
	status   *session.ConnectionWriter
	metrics  session.MetricsHook
	logger   logrus.FieldLogger
	limiter  *rate.Limiter
	outbound chan subscription.Directive
	random   func() float64

	mu       sync.Mutex
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	conn     feed.Conn
	attempts int
}

// New claims the session's connection status; only the supervisor writes it.
func New(cfg Config, sess *session.Session, dialer feed.Dialer, resub Resubscriber, sink FrameSink) (*Supervisor, error) {
	status, err := sess.ClaimConnection()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 64
	}
	limit := rate.Inf
	if cfg.DirectivesPerSecond > 0 {
		limit = rate.Limit(cfg.DirectivesPerSecond)
	}
	burst := cfg.DirectiveBurst
	if burst <= 0 {
		burst = 1
	}

	return &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		resub:    resub,
		sink:     sink,
		status:   status,
		metrics:  sess.Metrics,
		logger:   sess.Logger.WithField("component", "supervisor"),
		limiter:  rate.NewLimiter(limit, burst),
		outbound: make(chan subscription.Directive, cfg.OutboundBuffer),
		random:   rand.Float64,
	}, nil
}

// Start runs the connection lifecycle in the background until Disconnect
// is called or ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = false
	s.attempts = 0
	s.running = true
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	return nil
}

// Done is closed when the lifecycle started by the last Start has ended.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Disconnect is the manual teardown. It goes straight to DISCONNECTED,
// cancels a pending reconnect and returns once the lifecycle has stopped.
// No dial starts after Disconnect has taken the lock.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.stopped = true
	cancel, done, conn := s.cancel, s.done, s.conn
	s.status.Set(session.Disconnected, s.attempts)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	s.logger.Info("Disconnected by request")
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// BaseDelay is the un-jittered delay for a reconnect attempt: BaseDelay
// doubled per attempt, capped at MaxDelay. It never decreases.
func (s *Supervisor) BaseDelay(attempt int) time.Duration {
	b := &backoff.Backoff{Min: s.cfg.BaseDelay, Max: s.cfg.MaxDelay, Factor: 2}
	return b.ForAttempt(float64(attempt))
}

// Backoff is BaseDelay with jitter applied.
func (s *Supervisor) Backoff(attempt int) time.Duration {
	d := s.BaseDelay(attempt)
	if s.cfg.Jitter <= 0 {
		return d
	}
	spread := (s.random()*2 - 1) * s.cfg.Jitter * float64(d)
	if d += time.Duration(spread); d < 0 {
		d = 0
	}
	return d
}

// Send queues directives for the upstream. While disconnected they are
// dropped: the next connect replays the whole selection anyway.
func (s *Supervisor) Send(delta subscription.Delta) {
	if delta.Empty() {
		return
	}
	s.mu.Lock()
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		for range delta.Directives() {
			s.metrics.Inc(session.EventDirectiveDropped)
		}
		s.logger.Debug("Not connected, directives will be replayed on connect")
		return
	}
	for _, d := range delta.Directives() {
		select {
		case s.outbound <- d:
		default:
			s.metrics.Inc(session.EventDirectiveDropped)
			s.logger.WithFields(logrus.Fields{
				"action": d.Action,
				"key":    d.Key,
			}).Error("Outbound directive queue full")
		}
	}
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.park()

	redial := false
	for {
		if !s.transition(ctx, session.Connecting) {
			return
		}
		if redial {
			s.metrics.Inc(session.EventReconnectAttempt)
		}
		redial = true

		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts := s.failAttempt()
			s.logger.WithError(err).WithField("attempt", attempts).Warn("Connection attempt failed")
			if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
				s.logger.WithField("attempts", attempts).Error("Giving up reconnecting")
				return
			}
			if !s.transition(ctx, session.Reconnecting) || !s.sleep(ctx, s.Backoff(attempts)) {
				return
			}
			continue
		}

		if !s.attach(ctx, conn) {
			conn.Close()
			return
		}
		err = s.serve(ctx, conn)
		s.detach()

		if ctx.Err() != nil {
			return
		}
		s.metrics.Inc(session.EventConnectionLost)
		s.logger.WithError(err).Warn("Connection lost")
		if !s.transition(ctx, session.Reconnecting) || !s.sleep(ctx, s.Backoff(s.Attempts())) {
			return
		}
	}
}

// transition writes a new state unless the supervisor has been stopped.
// The stop flag and the write share the lock, so a timer that already
// fired cannot start a dial after Disconnect.
func (s *Supervisor) transition(ctx context.Context, state session.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || ctx.Err() != nil {
		return false
	}
	s.status.Set(state, s.attempts)
	return true
}

func (s *Supervisor) failAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

func (s *Supervisor) attach(ctx context.Context, conn feed.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || ctx.Err() != nil {
		return false
	}
	s.conn = conn
	s.attempts = 0
	s.status.Set(session.Connected, 0)
	s.logger.Info("Connected to upstream feed")
	return true
}

func (s *Supervisor) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
}

func (s *Supervisor) park() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.status.Set(session.Disconnected, s.attempts)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	s.logger.WithField("delay", d.String()).Debug("Waiting before reconnect")
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve replays the selection, then runs the read, heartbeat and write
// loops until one of them fails. It returns after all three have exited.
func (s *Supervisor) serve(ctx context.Context, conn feed.Conn) error {
	s.drainOutbound()
	for _, d := range s.resub.ResubscribeAll().Directives() {
		if err := s.write(ctx, conn, d); err != nil {
			conn.Close()
			return fmt.Errorf("%w: resubscribe: %v", models.ErrConnectionLost, err)
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		errc <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errc <- s.heartbeat(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errc <- s.writeLoop(connCtx, conn)
	}()

	err := <-errc
	cancel()
	conn.Close()
	wg.Wait()
	return err
}

func (s *Supervisor) readLoop(ctx context.Context, conn feed.Conn) error {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("%w: read: %v", models.ErrConnectionLost, err)
		}
		if err := s.sink(ctx, frame); err != nil {
			return err
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, conn feed.Conn) error {
	if s.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				return fmt.Errorf("%w: ping: %v", models.ErrConnectionLost, err)
			}
		}
	}
}

func (s *Supervisor) writeLoop(ctx context.Context, conn feed.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.outbound:
			if err := s.write(ctx, conn, d); err != nil {
				return fmt.Errorf("%w: write: %v", models.ErrConnectionLost, err)
			}
		}
	}
}

func (s *Supervisor) write(ctx context.Context, conn feed.Conn, d subscription.Directive) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := conn.WriteJSON(d); err != nil {
		return err
	}
	s.metrics.Inc(session.EventDirectiveSent)
	return nil
}

// drainOutbound drops directives queued for a previous connection; the
// resubscribe that follows covers them.
func (s *Supervisor) drainOutbound() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}
