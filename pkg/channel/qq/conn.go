package qq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"qqbot/pkg/channel"
)

const (
	channelName = "qq"
	writeWait   = 5 * time.Second
)

// Conn is the single long-lived event-stream connection. It dials once; a
// caller that wants reconnection wraps Run.
type Conn struct {
	url          string
	header       http.Header
	pingInterval time.Duration
	dialer       *websocket.Dialer
	log          *slog.Logger

	connected atomic.Bool
}

func NewConn(url string, pingInterval time.Duration, log *slog.Logger) (*Conn, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("gateway.ws_url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Conn{
		url:          url,
		header:       http.Header{},
		pingInterval: pingInterval,
		dialer:       websocket.DefaultDialer,
		log:          log.With("component", "channel.qq"),
	}, nil
}

func (c *Conn) Name() string {
	return channelName
}

// Connected reports whether the event stream is currently open.
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// Run dials the event stream and delivers every frame to onFrame in arrival
// order. An orderly remote close or ctx cancellation returns nil; any other
// failure is returned.
func (c *Conn) Run(ctx context.Context, onFrame channel.FrameFunc) error {
	if onFrame == nil {
		return errors.New("frame handler is required")
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer ws.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("Event stream connected", "url", redactURL(c.url))

	stop := make(chan struct{})
	defer close(stop)
	go c.closeOnCancel(ctx, ws, stop)
	if c.pingInterval > 0 {
		go c.keepalive(ws, stop)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Event stream closed", "reason", "shutdown")
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Info("Event stream closed", "reason", "remote")
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}

		onFrame(ctx, data)
	}
}

func (c *Conn) closeOnCancel(ctx context.Context, ws *websocket.Conn, stop <-chan struct{}) {
	select {
	case <-stop:
	case <-ctx.Done():
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ws.Close()
	}
}

func (c *Conn) keepalive(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("Event stream ping failed", "error", err)
				return
			}
		}
	}
}

// redactURL drops everything after the last path separator, which is where
// relay URLs carry their secret.
func redactURL(raw string) string {
	idx := strings.LastIndex(raw, "/")
	if idx < len("wss://") {
		return raw
	}
	return raw[:idx+1] + "***"
}
