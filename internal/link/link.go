// Package link owns the duplex inspector channel for one session.
//
// A Link serializes outgoing command frames, assigns correlation ids, and
// demultiplexes inbound traffic: response frames resolve their pending
// request, unsolicited frames are events. Every inbound frame, response or
// event, is appended to the session's buffer in arrival order so a later
// drain reproduces the true interleaving.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/cdp"
	"github.com/jsdbg/jsdbg/internal/logging"
)

var (
	// ErrLinkClosed is returned by Send after the link has shut down.
	ErrLinkClosed = errors.New("link is closed")
	// ErrConnectionLost marks a request whose channel dropped before the
	// response arrived.
	ErrConnectionLost = errors.New("connection to debug target lost")
)

const handshakeTimeout = 10 * time.Second

// Reply is the direct answer to a sent command. Err carries a
// protocol-level error from the target; it does not invalidate the link.
// Seq is the buffer position the response was recorded at, so callers can
// tell which buffered items arrived after it.
type Reply struct {
	Result json.RawMessage
	Err    *cdp.FrameError
	Seq    uint64
}

// Link is one session's exclusive connection to its debug target.
type Link struct {
	conn *websocket.Conn
	buf  *buffer.Log
	log  *logging.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Reply
	closed  bool

	done     chan struct{}
	failOnce sync.Once
}

// Dial connects to the inspector websocket endpoint and starts the read
// loop. The buffer must be exclusive to this link; the link is its sole
// writer.
func Dial(ctx context.Context, endpoint string, buf *buffer.Log, log *logging.Logger) (*Link, error) {
	// Node's inspector does not answer pings, so no keepalive here.
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial inspector at %s: %w", endpoint, err)
	}

	l := &Link{
		conn:    conn,
		buf:     buf,
		log:     log,
		pending: make(map[uint64]chan Reply),
		done:    make(chan struct{}),
	}

	go l.readLoop()

	return l, nil
}

// Send writes one command frame and returns its correlation id plus a
// channel that yields the reply. The channel is closed without a value if
// the connection drops first. Correlation ids are monotonically increasing
// and never reused for the lifetime of the link.
func (l *Link) Send(method string, params map[string]any) (uint64, <-chan Reply, error) {
	if params == nil {
		params = map[string]any{}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, nil, ErrLinkClosed
	}

	l.nextID++
	id := l.nextID
	ch := make(chan Reply, 1)
	l.pending[id] = ch

	// Holding the mutex across the write keeps gorilla's single-writer
	// requirement and pins frame order to id order.
	err := l.conn.WriteJSON(struct {
		ID     uint64         `json:"id"`
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}{ID: id, Method: method, Params: params})
	if err != nil {
		delete(l.pending, id)
		l.mu.Unlock()
		l.fail()
		return 0, nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	l.mu.Unlock()

	l.log.Debug("sent command", zap.Uint64("id", id), zap.String("method", method))
	return id, ch, nil
}

// Done returns a channel closed when the link shuts down, either via Close
// or because the underlying channel dropped.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close tears the link down. Idempotent.
func (l *Link) Close() error {
	// Best effort polite close; the target is usually gone already.
	deadline := time.Now().Add(time.Second)
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	l.fail()
	return nil
}

func (l *Link) readLoop() {
	defer l.fail()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.log.Debug("read loop ended", zap.Error(err))
			return
		}

		var frame cdp.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			l.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch {
		case frame.IsResponse():
			l.dispatchResponse(&frame)
		case frame.IsEvent():
			if cdp.IsIgnoredEvent(frame.Method) {
				continue
			}
			item := l.buf.Append(buffer.KindEvent, json.RawMessage(data))
			l.log.Debug("buffered event",
				zap.String("method", frame.Method), zap.Uint64("seq", item.Seq))
		default:
			l.log.Warn("dropping unclassifiable frame", zap.ByteString("frame", data))
		}
	}
}

// dispatchResponse records the response in the buffer, then resolves the
// matching pending request exactly once.
func (l *Link) dispatchResponse(frame *cdp.Frame) {
	payload := frame.Result
	if frame.Error != nil {
		payload, _ = json.Marshal(map[string]any{"error": frame.Error})
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	item := l.buf.Append(buffer.KindCommandResult, payload)

	l.mu.Lock()
	ch, ok := l.pending[frame.ID]
	delete(l.pending, frame.ID)
	l.mu.Unlock()

	if !ok {
		l.log.Warn("response with no pending request", zap.Uint64("id", frame.ID))
		return
	}
	ch <- Reply{Result: frame.Result, Err: frame.Error, Seq: item.Seq}
}

// fail shuts the link down once: all pending requests observe
// ErrConnectionLost via their closed channels, and Done is closed.
func (l *Link) fail() {
	l.failOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		pending := l.pending
		l.pending = make(map[uint64]chan Reply)
		l.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		close(l.done)
		l.conn.Close()
	})
}
