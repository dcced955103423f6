package distributed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path ranks connect to.
const WebSocketPath = "/driftline"

// dialRetry is the pause between two connection attempts to a peer that is
// not listening yet.
const dialRetry = 50 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// WebSocketTransport links ranks with one websocket connection per pair.
// Each rank serves WebSocketPath and dials every lower rank; the dialer
// introduces itself with its rank in the first frame. Frames are binary:
// one tag byte followed by the payload.
type WebSocketTransport struct {
	rank, size int
	log        *slog.Logger

	srv   *http.Server
	inbox chan Message

	mu    sync.Mutex
	peers map[int]*peer
	ready chan struct{}

	readers sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

// ListenWebSocket listens on addrs[rank] and connects to all other ranks.
func ListenWebSocket(ctx context.Context, rank int, addrs []string) (*WebSocketTransport, error) {
	ln, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, fmt.Errorf("distributed: listen %s: %w", addrs[rank], err)
	}
	return NewWebSocketTransport(ctx, rank, ln, addrs)
}

// NewWebSocketTransport serves on ln and connects to all other ranks. It
// returns once every peer is connected.
func NewWebSocketTransport(ctx context.Context, rank int, ln net.Listener, addrs []string) (*WebSocketTransport, error) {
	t := &WebSocketTransport{
		rank:  rank,
		size:  len(addrs),
		log:   slog.Default().With("rank", rank),
		inbox: make(chan Message, localInbox),
		peers: make(map[int]*peer),
		ready: make(chan struct{}),
		stop:  make(chan struct{}),
	}
	if t.size == 1 {
		close(t.ready)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, t.accept)
	t.srv = &http.Server{Handler: mux}
	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("websocket server stopped", "err", err)
		}
	}()

	for r := 0; r < rank; r++ {
		conn, err := t.dial(ctx, addrs[r])
		if err != nil {
			t.Close()
			return nil, err
		}
		hello := binary.LittleEndian.AppendUint32(nil, uint32(rank))
		if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
			conn.Close()
			t.Close()
			return nil, fmt.Errorf("distributed: hello to rank %d: %w", r, err)
		}
		t.addPeer(r, conn)
	}

	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
}

func (t *WebSocketTransport) dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	url := "ws://" + addr + WebSocketPath
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("distributed: dial %s: %w", addr, err)
		case <-time.After(dialRetry):
		}
	}
}

func (t *WebSocketTransport) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	_, hello, err := conn.ReadMessage()
	if err != nil || len(hello) != 4 {
		t.log.Warn("bad websocket hello", "remote", r.RemoteAddr, "err", err)
		conn.Close()
		return
	}
	from := int(binary.LittleEndian.Uint32(hello))
	if from <= t.rank || from >= t.size {
		t.log.Warn("unexpected websocket peer", "from", from)
		conn.Close()
		return
	}
	t.addPeer(from, conn)
}

func (t *WebSocketTransport) addPeer(rank int, conn *websocket.Conn) {
	t.mu.Lock()
	if _, dup := t.peers[rank]; dup {
		t.mu.Unlock()
		t.log.Warn("duplicate websocket peer", "from", rank)
		conn.Close()
		return
	}
	t.peers[rank] = &peer{conn: conn}
	if len(t.peers) == t.size-1 {
		close(t.ready)
	}
	t.mu.Unlock()

	t.readers.Add(1)
	go t.read(rank, conn)
}

func (t *WebSocketTransport) read(from int, conn *websocket.Conn) {
	defer t.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stop:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.log.Debug("websocket read ended", "from", from, "err", err)
				}
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		m := Message{From: from, Tag: Tag(data[0]), Payload: data[1:]}
		select {
		case t.inbox <- m:
		case <-t.stop:
			return
		}
	}
}

func (t *WebSocketTransport) Rank() int { return t.rank }
func (t *WebSocketTransport) Size() int { return t.size }

func (t *WebSocketTransport) Send(ctx context.Context, to int, m Message) error {
	select {
	case <-t.stop:
		return ErrClosed
	default:
	}
	t.mu.Lock()
	p, ok := t.peers[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("distributed: no connection to rank %d", to)
	}

	frame := make([]byte, 0, len(m.Payload)+1)
	frame = append(frame, byte(m.Tag))
	frame = append(frame, m.Payload...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(dl)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *WebSocketTransport) Receive() <-chan Message { return t.inbox }

// Close shuts down the server and every peer connection. The receive
// channel is closed once all readers have stopped.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.stop)
		err = t.srv.Close()
		t.mu.Lock()
		for _, p := range t.peers {
			p.mu.Lock()
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			p.conn.Close()
			p.mu.Unlock()
		}
		t.mu.Unlock()
		go func() {
			t.readers.Wait()
			close(t.inbox)
		}()
	})
	return err
}
