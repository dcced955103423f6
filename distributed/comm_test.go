package distributed

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func localComms(t *testing.T, n int) []*Comm {
	t.Helper()
	comms := make([]*Comm, n)
	for r, tr := range NewLocalNetwork(n) {
		comms[r] = NewComm(tr)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			c.Close()
		}
	})
	return comms
}

func waitPending(t *testing.T, c *Comm, tag Tag, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending(tag) >= n }, 2*time.Second, time.Millisecond)
}

// exercise runs a gather and a broadcast on every comm concurrently.
func exercise(t *testing.T, comms []*Comm) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gathered := make([][][]byte, len(comms))
	bcast := make([][]byte, len(comms))
	g, ctx := errgroup.WithContext(ctx)
	for r, c := range comms {
		g.Go(func() error {
			all, err := c.AllGather(ctx, []byte(fmt.Sprintf("rank%d", r)))
			if err != nil {
				return err
			}
			gathered[r] = all
			var payload []byte
			if r == len(comms)-1 {
				payload = []byte("schema")
			}
			bcast[r], err = c.Broadcast(ctx, len(comms)-1, payload)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for r := range comms {
		require.Len(t, gathered[r], len(comms))
		for k, data := range gathered[r] {
			assert.Equal(t, fmt.Sprintf("rank%d", k), string(data))
		}
		assert.Equal(t, "schema", string(bcast[r]))
	}
}

func TestLocalCollectives(t *testing.T) {
	exercise(t, localComms(t, 4))
}

func TestRecvFromPreservesOrder(t *testing.T) {
	comms := localComms(t, 3)
	ctx := context.Background()

	require.NoError(t, comms[1].Send(ctx, 0, TagParticle, []byte("a1")))
	require.NoError(t, comms[2].Send(ctx, 0, TagParticle, []byte("b1")))
	require.NoError(t, comms[1].Send(ctx, 0, TagParticle, []byte("a2")))
	require.NoError(t, comms[0].Send(ctx, 0, TagStatus, []byte("self")))
	waitPending(t, comms[0], TagParticle, 3)

	m, err := comms[0].Recv(ctx, TagParticle, 2)
	require.NoError(t, err)
	assert.Equal(t, "b1", string(m.Payload))
	assert.Equal(t, 2, m.From)

	m, ok := comms[0].Poll(TagParticle)
	require.True(t, ok)
	assert.Equal(t, "a1", string(m.Payload))
	m, ok = comms[0].Poll(TagParticle)
	require.True(t, ok)
	assert.Equal(t, "a2", string(m.Payload))
	_, ok = comms[0].Poll(TagParticle)
	assert.False(t, ok)

	m, ok = comms[0].Poll(TagStatus)
	require.True(t, ok)
	assert.Equal(t, 0, m.From)
}

func TestRecvHonoursContext(t *testing.T) {
	comms := localComms(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := comms[0].Recv(ctx, TagGather, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Error(t, comms[0].Send(context.Background(), 5, TagGather, nil))
}

func TestSendAfterClose(t *testing.T) {
	comms := localComms(t, 2)
	require.NoError(t, comms[1].Close())
	err := comms[0].Send(context.Background(), 1, TagParticle, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = comms[1].Recv(context.Background(), TagParticle, -1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitWakesOnMessage(t *testing.T) {
	comms := localComms(t, 2)
	done := make(chan error, 1)
	go func() { done <- comms[0].Wait(context.Background(), time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, comms[1].Send(context.Background(), 0, TagStatus, []byte{1}))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not wake up")
	}
}

func websocketComms(t *testing.T, n int) []*Comm {
	t.Helper()
	lns := make([]net.Listener, n)
	addrs := make([]string, n)
	for r := range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		lns[r] = ln
		addrs[r] = ln.Addr().String()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transports := make([]*WebSocketTransport, n)
	g, ctx := errgroup.WithContext(ctx)
	for r := range n {
		g.Go(func() error {
			tr, err := NewWebSocketTransport(ctx, r, lns[r], addrs)
			transports[r] = tr
			return err
		})
	}
	require.NoError(t, g.Wait())

	comms := make([]*Comm, n)
	for r, tr := range transports {
		assert.Equal(t, r, tr.Rank())
		assert.Equal(t, n, tr.Size())
		comms[r] = NewComm(tr)
	}
	t.Cleanup(func() {
		for _, c := range comms {
			c.Close()
		}
	})
	return comms
}

func TestWebSocketCollectives(t *testing.T) {
	comms := websocketComms(t, 3)
	exercise(t, comms)

	ctx := context.Background()
	require.NoError(t, comms[2].Send(ctx, 0, TagParticle, []byte{9, 8, 7}))
	m, err := comms[0].Recv(ctx, TagParticle, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, m.From)
	assert.Equal(t, TagParticle, m.Tag)
	assert.Equal(t, []byte{9, 8, 7}, m.Payload)
}
