package distributed

import (
	"context"
	"sync"
)

// localInbox is the channel capacity of each in-process endpoint.
const localInbox = 4096

type localNetwork struct {
	inboxes []chan Message
	stops   []chan struct{}
	once    []sync.Once
}

// localTransport is one endpoint of an in-process network.
type localTransport struct {
	rank int
	net  *localNetwork
}

// NewLocalNetwork connects size in-process ranks with buffered channels and
// returns their endpoints in rank order.
func NewLocalNetwork(size int) []Transport {
	n := &localNetwork{
		inboxes: make([]chan Message, size),
		stops:   make([]chan struct{}, size),
		once:    make([]sync.Once, size),
	}
	ts := make([]Transport, size)
	for r := range size {
		n.inboxes[r] = make(chan Message, localInbox)
		n.stops[r] = make(chan struct{})
		ts[r] = &localTransport{rank: r, net: n}
	}
	return ts
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return len(t.net.inboxes) }

func (t *localTransport) Send(ctx context.Context, to int, m Message) error {
	select {
	case <-t.net.stops[t.rank]:
		return ErrClosed
	case <-t.net.stops[to]:
		return ErrClosed
	default:
	}
	select {
	case t.net.inboxes[to] <- m:
		return nil
	case <-t.net.stops[to]:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *localTransport) Receive() <-chan Message { return t.net.inboxes[t.rank] }

// Close stops sends to and from this endpoint. The inbox stays open so
// that concurrent senders never write to a closed channel.
func (t *localTransport) Close() error {
	t.net.once[t.rank].Do(func() { close(t.net.stops[t.rank]) })
	return nil
}
