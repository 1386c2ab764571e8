// Package link mantiene una conexión TCP hacia el socket-tcp-proxy y le
// manda eventos NDJSON (una línea JSON por evento).
package link

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"avl-svr/internal/pipeline"
)

var ErrNotConnected = errors.New("link: not connected")

type Client struct {
	addr  string
	log   *zap.SugaredLogger
	retry time.Duration
	dial  net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

func New(addr string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		addr:  addr,
		log:   log.With("component", "link"),
		retry: 5 * time.Second,
		dial:  net.Dialer{Timeout: 5 * time.Second},
	}
}

func (c *Client) Name() string { return "link" }

// Run conecta y reconecta hasta que ctx se cancela.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warnw("dial failed", "addr", c.addr, "err", err)
		} else {
			c.log.Infow("connected", "remote", conn.RemoteAddr().String())
			c.setConn(conn)
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			c.readLoop(conn)
			stop()
			c.clearConn(conn)
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warnw("connection closed, reconnecting", "addr", c.addr)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = conn.Close()
		c.conn = nil
	}
}

// Connected dice si hay una conexión viva al proxy.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// El proxy todavía no manda comandos; solo se loguea lo que llega.
func (c *Client) readLoop(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		c.log.Debugw("incoming line", "line", sc.Text())
	}
	if err := sc.Err(); err != nil {
		c.log.Debugw("read error", "err", err)
	}
}

func (c *Client) send(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Trace(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return errors.Annotate(err, "link write")
	}
	return nil
}

func (c *Client) SendDevice(info DeviceInfo) error {
	return c.send(info.payload())
}

func (c *Client) DeviceConnected(ctx context.Context, imei, remoteAddr string) error {
	return c.SendDevice(newDeviceInfo(imei, remoteAddr, DeviceStateConnect))
}

func (c *Client) DeviceDisconnected(ctx context.Context, imei string) error {
	return c.SendDevice(newDeviceInfo(imei, "", DeviceStateDisconnect))
}

func (c *Client) Forward(ctx context.Context, batch []*pipeline.TrackingObject) error {
	for _, tr := range batch {
		if err := c.send(tr); err != nil {
			return err
		}
	}
	return nil
}

// Close corta la conexión actual. Run termina cuando se cancela su contexto.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
