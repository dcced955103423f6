// Package distributed runs the tracker over several ranks, each owning a
// slab of the flow domain. Particles leaving a rank's domain migrate to the
// ranks whose bounding box contains them, and a master/worker protocol
// detects when the whole cluster has run out of work.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	ErrClosed      = errors.New("distributed: comm closed")
	ErrShortRecord = errors.New("distributed: short record")
)

// Tag separates message streams.
type Tag uint8

const (
	TagGather Tag = iota + 1
	TagBroadcast
	TagParticle
	TagStatus
	TagCommand
)

func (t Tag) String() string {
	switch t {
	case TagGather:
		return "gather"
	case TagBroadcast:
		return "broadcast"
	case TagParticle:
		return "particle"
	case TagStatus:
		return "status"
	case TagCommand:
		return "command"
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Message is one payload between two ranks.
type Message struct {
	From    int
	Tag     Tag
	Payload []byte
}

// Transport moves messages between ranks. Messages between a pair of
// ranks must arrive in the order they were sent.
type Transport interface {
	Rank() int
	Size() int
	// Send delivers m to rank to. It never targets the sender itself.
	Send(ctx context.Context, to int, m Message) error
	// Receive yields incoming messages. It is closed when the transport
	// shuts down.
	Receive() <-chan Message
	Close() error
}

// Comm sorts incoming messages into per-tag mailboxes and provides the
// point-to-point and collective operations used by the distributed tracker.
type Comm struct {
	t Transport

	mu     sync.Mutex
	boxes  map[Tag][]Message
	notify chan struct{}
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
}

// NewComm starts receiving from t.
func NewComm(t Transport) *Comm {
	c := &Comm{
		t:      t,
		boxes:  make(map[Tag][]Message),
		notify: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *Comm) pump() {
	in := c.t.Receive()
	for {
		select {
		case m, ok := <-in:
			if !ok {
				c.shutdown()
				return
			}
			c.deliver(m)
		case <-c.stop:
			c.shutdown()
			return
		}
	}
}

func (c *Comm) deliver(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boxes[m.Tag] = append(c.boxes[m.Tag], m)
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Comm) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.notify)
	}
}

// Rank returns this rank's index.
func (c *Comm) Rank() int { return c.t.Rank() }

// Size returns the number of ranks.
func (c *Comm) Size() int { return c.t.Size() }

// Send sends payload to rank to. Sending to self lands in the local
// mailbox.
func (c *Comm) Send(ctx context.Context, to int, tag Tag, payload []byte) error {
	if to < 0 || to >= c.Size() {
		return fmt.Errorf("distributed: send %s to rank %d of %d", tag, to, c.Size())
	}
	m := Message{From: c.Rank(), Tag: tag, Payload: payload}
	if to == c.Rank() {
		c.deliver(m)
		return nil
	}
	if err := c.t.Send(ctx, to, m); err != nil {
		return fmt.Errorf("distributed: send %s to rank %d: %w", tag, to, err)
	}
	return nil
}

// Poll removes the oldest message with tag without blocking.
func (c *Comm) Poll(tag Tag) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.take(tag, -1)
}

// Pending returns the number of queued messages with tag.
func (c *Comm) Pending(tag Tag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.boxes[tag])
}

func (c *Comm) take(tag Tag, from int) (Message, bool) {
	box := c.boxes[tag]
	for i, m := range box {
		if from < 0 || m.From == from {
			c.boxes[tag] = slices.Delete(box, i, i+1)
			return m, true
		}
	}
	return Message{}, false
}

// Recv blocks until a message with tag from rank from arrives. A negative
// from accepts any sender.
func (c *Comm) Recv(ctx context.Context, tag Tag, from int) (Message, error) {
	for {
		c.mu.Lock()
		m, ok := c.take(tag, from)
		closed, notify := c.closed, c.notify
		c.mu.Unlock()
		if ok {
			return m, nil
		}
		if closed {
			return Message{}, ErrClosed
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Wait blocks until any message arrives, d elapses or ctx is done.
func (c *Comm) Wait(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	closed, notify := c.closed, c.notify
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-notify:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// AllGather sends data to every rank and returns every rank's data
// indexed by rank.
func (c *Comm) AllGather(ctx context.Context, data []byte) ([][]byte, error) {
	out := make([][]byte, c.Size())
	out[c.Rank()] = data
	for r := range c.Size() {
		if r == c.Rank() {
			continue
		}
		if err := c.Send(ctx, r, TagGather, data); err != nil {
			return nil, err
		}
	}
	for r := range c.Size() {
		if r == c.Rank() {
			continue
		}
		m, err := c.Recv(ctx, TagGather, r)
		if err != nil {
			return nil, fmt.Errorf("distributed: gather from rank %d: %w", r, err)
		}
		out[r] = m.Payload
	}
	return out, nil
}

// Broadcast returns root's data on every rank. Only root's data argument
// is used.
func (c *Comm) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if c.Rank() == root {
		for r := range c.Size() {
			if r == root {
				continue
			}
			if err := c.Send(ctx, r, TagBroadcast, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
	m, err := c.Recv(ctx, TagBroadcast, root)
	if err != nil {
		return nil, fmt.Errorf("distributed: broadcast from rank %d: %w", root, err)
	}
	return m.Payload, nil
}

// Close stops receiving and closes the transport.
func (c *Comm) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return c.t.Close()
}
