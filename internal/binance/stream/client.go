package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client is a reconnecting Binance websocket client. Stream subscriptions are
// replayed after every reconnect.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	// OnReconnect is called after a dropped connection is re-established.
	OnReconnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	streams []string
	nextID  atomic.Int64
}

func New(url string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, reconnectDelay: reconnectDelay, pingInterval: pingInterval, log: log}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return err
	}
	// All-market arrays exceed the 32KiB default read limit.
	conn.SetReadLimit(4 << 20)
	c.conn = conn
	return nil
}

// Subscribe records streams and sends a SUBSCRIBE request when connected.
func (c *Client) Subscribe(ctx context.Context, streams ...string) error {
	c.mu.Lock()
	c.streams = append(c.streams, streams...)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendSubscribe(ctx, conn, streams)
}

func (c *Client) Run(ctx context.Context, handler func([]byte)) error {
	connected := false
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("stream connect failed", zap.String("url", c.url), zap.Error(err))
			if err := sleep(ctx, c.reconnectDelay); err != nil {
				return err
			}
			continue
		}
		if connected && c.OnReconnect != nil {
			c.OnReconnect()
		}
		connected = true

		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			c.close("shutdown")
			return ctx.Err()
		}
		c.logReadLoopError(err)
		c.close("reset")
		if err := sleep(ctx, c.reconnectDelay); err != nil {
			return err
		}
	}
}

func (c *Client) ensureConnected(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	streams := append([]string(nil), c.streams...)
	c.mu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	if err := c.sendSubscribe(ctx, conn, streams); err != nil {
		c.close("subscribe failed")
		return err
	}
	return nil
}

func (c *Client) sendSubscribe(ctx context.Context, conn *websocket.Conn, streams []string) error {
	msg := struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     int64    `json:"id"`
	}{Method: "SUBSCRIBE", Params: streams, ID: c.nextID.Add(1)}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, handler func([]byte)) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || c.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.pingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("stream ping failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *Client) logReadLoopError(err error) {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		c.log.Info("stream closed by server", zap.Int("status", int(closeErr.Code)), zap.String("reason", closeErr.Reason))
		return
	}
	c.log.Warn("stream read loop ended", zap.Error(err))
}

func (c *Client) close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
		c.conn = nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
