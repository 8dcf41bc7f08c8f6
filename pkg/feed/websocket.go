package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live upstream connection. ReadFrame is called from a single
// goroutine; WriteJSON, Ping and Close may be called from any goroutine.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteJSON(v any) error
	Ping() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
	Header           http.Header
}

// WebSocketDialer dials the upstream feed with gorilla/websocket.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer websocket.Dialer
}

func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &WebSocketDialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.cfg.URL, d.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	if d.cfg.ReadLimit > 0 {
		conn.SetReadLimit(d.cfg.ReadLimit)
	}

	wc := &wsConn{conn: conn, pongWait: d.cfg.PongWait, writeWait: d.cfg.WriteWait}
	conn.SetReadDeadline(time.Now().Add(wc.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wc.pongWait))
	})
	return wc, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	pongWait  time.Duration
	writeWait time.Duration
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// any traffic proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteJSON(v)
}

// Ping uses WriteControl, which gorilla allows concurrently with WriteJSON.
func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
