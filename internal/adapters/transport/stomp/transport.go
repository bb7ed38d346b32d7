// Package stomp connects the wallet server to a STOMP 1.2 broker such as ActiveMQ.
package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/bnema/walletd/internal/ports"
)

const defaultContentType = "application/json"

var ErrClosed = errors.New("stomp connection closed")

type Config struct {
	Host      string
	Port      int
	Login     string
	Passcode  string
	HeartBeat time.Duration
	Logger    *slog.Logger
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type Dialer struct {
	cfg Config
}

var _ ports.Dialer = (*Dialer)(nil)

func NewDialer(cfg Config) *Dialer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context) (ports.Transport, error) {
	var netDialer net.Dialer
	netConn, err := netDialer.DialContext(ctx, "tcp", d.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial stomp broker %s: %w", d.cfg.Addr(), err)
	}

	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.Host(d.cfg.Host),
	}
	if d.cfg.Login != "" {
		opts = append(opts, gostomp.ConnOpt.Login(d.cfg.Login, d.cfg.Passcode))
	}
	if d.cfg.HeartBeat > 0 {
		opts = append(opts, gostomp.ConnOpt.HeartBeat(d.cfg.HeartBeat, d.cfg.HeartBeat))
	}

	conn, err := gostomp.Connect(netConn, opts...)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("stomp connect %s: %w", d.cfg.Addr(), err)
	}

	return &Conn{
		conn:   conn,
		subs:   make(map[string]*gostomp.Subscription),
		logger: d.cfg.Logger.With("component", "stomp"),
	}, nil
}

type Conn struct {
	conn   *gostomp.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[string]*gostomp.Subscription
}

var _ ports.Transport = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, destination string, headers map[string]string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	contentType := defaultContentType
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for key, value := range headers {
		if strings.EqualFold(key, frame.ContentType) {
			contentType = value
			continue
		}
		opts = append(opts, gostomp.SendOpt.Header(key, value))
	}

	if err := c.conn.Send(destination, contentType, body, opts...); err != nil {
		return fmt.Errorf("stomp send %s: %w", destination, err)
	}
	return nil
}

// Subscribe delivers every message of destination to handler, one at a time,
// on a goroutine owned by the subscription.
func (c *Conn) Subscribe(destination string, handler func(ports.Message)) error {
	if handler == nil {
		return errors.New("stomp handler is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[destination]; ok {
		return fmt.Errorf("already subscribed to %s", destination)
	}

	sub, err := c.conn.Subscribe(destination, gostomp.AckAuto)
	if err != nil {
		return fmt.Errorf("stomp subscribe %s: %w", destination, err)
	}
	c.subs[destination] = sub

	go c.deliver(destination, sub, handler)
	return nil
}

func (c *Conn) deliver(destination string, sub *gostomp.Subscription, handler func(ports.Message)) {
	for msg := range sub.C {
		if msg.Err != nil {
			c.logger.Warn("stomp subscription failed", "destination", destination, "error", msg.Err)
			return
		}
		handler(toMessage(msg))
	}
}

func toMessage(msg *gostomp.Message) ports.Message {
	headers := map[string]string{}
	if msg.Header != nil {
		for i := 0; i < msg.Header.Len(); i++ {
			key, value := msg.Header.GetAt(i)
			if _, seen := headers[key]; !seen {
				headers[key] = value
			}
		}
	}
	if msg.ContentType != "" {
		headers[frame.ContentType] = msg.ContentType
	}

	return ports.Message{
		Destination: msg.Destination,
		Headers:     headers,
		Body:        msg.Body,
	}
}

func (c *Conn) Unsubscribe(destination string) error {
	c.mu.Lock()
	sub, ok := c.subs[destination]
	delete(c.subs, destination)
	closed := c.closed
	c.mu.Unlock()

	if !ok || closed {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("stomp unsubscribe %s: %w", destination, err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*gostomp.Subscription)
	c.mu.Unlock()

	var errs error
	for destination, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("stomp unsubscribe %s: %w", destination, err))
		}
	}
	if err := c.conn.Disconnect(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("stomp disconnect: %w", err))
	}
	return errs
}
