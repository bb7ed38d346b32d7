// Package membus is an in-process message broker. Every subscription drains its
// own FIFO on a dedicated goroutine, and messages published to a destination
// nobody listens on wait in a mailbox for the first subscriber.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/walletd/internal/platform/cmdqueue"
	"github.com/bnema/walletd/internal/ports"
)

var ErrClosed = errors.New("membus connection closed")

type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscription]struct{}
	mailbox     map[string][]ports.Message
}

var _ ports.Dialer = (*Broker)(nil)

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[*subscription]struct{}),
		mailbox:     make(map[string][]ports.Message),
	}
}

func (b *Broker) Dial(ctx context.Context) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Conn{broker: b, subs: make(map[string]*subscription)}, nil
}

// Pending reports how many messages wait in the mailbox for destination.
func (b *Broker) Pending(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailbox[destination])
}

func (b *Broker) publish(msg ports.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[msg.Destination]
	if len(subs) == 0 {
		b.mailbox[msg.Destination] = append(b.mailbox[msg.Destination], msg)
		return
	}
	for sub := range subs {
		_ = sub.queue.Push(msg)
	}
}

func (b *Broker) subscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[sub.destination]
	if !ok {
		subs = make(map[*subscription]struct{})
		b.subscribers[sub.destination] = subs
	}
	subs[sub] = struct{}{}

	for _, msg := range b.mailbox[sub.destination] {
		_ = sub.queue.Push(msg)
	}
	delete(b.mailbox, sub.destination)
}

func (b *Broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.destination]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, sub.destination)
	}
}

type subscription struct {
	destination string
	queue       *cmdqueue.Queue[ports.Message]
	cancel      context.CancelFunc
	done        chan struct{}
}

func (s *subscription) deliver(ctx context.Context, handler func(ports.Message)) {
	defer close(s.done)
	for {
		msg, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		handler(msg)
	}
}

// Conn is one client connection to the broker.
type Conn struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
	subs   map[string]*subscription
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

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	c.broker.publish(ports.Message{
		Destination: destination,
		Headers:     copied,
		Body:        append([]byte(nil), body...),
	})

	return nil
}

func (c *Conn) Subscribe(destination string, handler func(ports.Message)) error {
	if handler == nil {
		return errors.New("membus handler is nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[destination]; ok {
		return fmt.Errorf("membus already subscribed to %s", destination)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		destination: destination,
		queue:       cmdqueue.New[ports.Message](),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.subs[destination] = sub
	go sub.deliver(ctx, handler)
	c.broker.subscribe(sub)

	return nil
}

func (c *Conn) Unsubscribe(destination string) error {
	c.mu.Lock()
	sub, ok := c.subs[destination]
	delete(c.subs, destination)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.stop(sub)
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
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.stop(sub)
	}
	return nil
}

func (c *Conn) stop(sub *subscription) {
	c.broker.unsubscribe(sub)
	sub.queue.Close()
	sub.cancel()
}
