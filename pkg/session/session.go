// Package session holds the state shared by every component of one
// terminal session: its identity, connection status, active selection,
// logger and metrics hook.
package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/koboldx/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrAlreadyClaimed = errors.New("session: writer already claimed")

type ConnectionState string

const (
	Disconnected ConnectionState = "DISCONNECTED"
	Connecting   ConnectionState = "CONNECTING"
	Connected    ConnectionState = "CONNECTED"
	Reconnecting ConnectionState = "RECONNECTING"
)

type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	Since             time.Time       `json:"since"`
}

type Session struct {
	ID        string
	StartedAt time.Time
	Logger    logrus.FieldLogger
	Metrics   MetricsHook

	connection atomic.Pointer[ConnectionStatus]
	selection  atomic.Pointer[models.Selection]

	connClaimed atomic.Bool
	selClaimed  atomic.Bool

	hookMu sync.RWMutex
	hooks  []func(ConnectionStatus)
}

// New starts a session. A nil metrics hook is replaced by fresh Counters
// and a nil logger discards output.
func New(logger logrus.FieldLogger, metrics MetricsHook) *Session {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if metrics == nil {
		metrics = NewCounters()
	}
	s := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Metrics:   metrics,
	}
	s.Logger = logger.WithField("session_id", s.ID)
	s.connection.Store(&ConnectionStatus{State: Disconnected, Since: s.StartedAt})
	s.selection.Store(&models.Selection{})
	return s
}

func (s *Session) Connection() ConnectionStatus {
	return *s.connection.Load()
}

func (s *Session) Selection() models.Selection {
	return s.selection.Load().Clone()
}

// OnConnectionChange registers fn to run after every connection status
// write. fn runs on the writer's goroutine and must not block.
func (s *Session) OnConnectionChange(fn func(ConnectionStatus)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// ClaimConnection hands out the only handle allowed to write connection
// status. The second caller gets ErrAlreadyClaimed.
func (s *Session) ClaimConnection() (*ConnectionWriter, error) {
	if !s.connClaimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	return &ConnectionWriter{s: s}, nil
}

// ClaimSelection hands out the only handle allowed to write the selection.
func (s *Session) ClaimSelection() (*SelectionWriter, error) {
	if !s.selClaimed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	return &SelectionWriter{s: s}, nil
}

type ConnectionWriter struct {
	s *Session
}

func (w *ConnectionWriter) Set(state ConnectionState, attempts int) {
	prev := w.s.connection.Load()
	if prev.State == state && prev.ReconnectAttempts == attempts {
		return
	}
	st := ConnectionStatus{State: state, ReconnectAttempts: attempts, Since: time.Now().UTC()}
	w.s.connection.Store(&st)

	w.s.hookMu.RLock()
	hooks := w.s.hooks
	w.s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(st)
	}
}

type SelectionWriter struct {
	s *Session
}

func (w *SelectionWriter) Set(sel models.Selection) {
	c := sel.Clone()
	w.s.selection.Store(&c)
}
