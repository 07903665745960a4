// Package cdptest provides a scripted in-process debug target for tests.
//
// A Target is an httptest websocket server speaking the inspector wire
// format: it answers command frames from per-method scripts and emits
// unsolicited events before or after the response, with optional delays,
// so tests can stage exact arrival interleavings.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jsdbg/jsdbg/internal/cdp"
)

// Event is an unsolicited notification emitted by the target.
type Event struct {
	Method string
	Params map[string]any
	Delay  time.Duration
}

// Reply scripts the target's reaction to one command.
type Reply struct {
	Result      map[string]any
	Error       *cdp.FrameError
	Before      []Event // events written before the response frame
	After       []Event // events written after the response frame
	Drop        bool    // swallow the command, never respond
	Hangup      bool    // close the connection instead of responding
	HangupAfter bool    // close the connection once all events are written
}

// Handler computes a Reply from the received command frame.
type Handler func(frame cdp.Frame) Reply

// Target is a fake debug endpoint. Unscripted methods get an empty result.
type Target struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	received []cdp.Frame
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New starts a target; it is shut down via t.Cleanup.
func New(t *testing.T) *Target {
	t.Helper()

	tgt := &Target{
		t:        t,
		handlers: make(map[string]Handler),
	}
	tgt.srv = httptest.NewServer(http.HandlerFunc(tgt.serve))
	t.Cleanup(tgt.srv.Close)

	return tgt
}

// URL returns the websocket endpoint.
func (tgt *Target) URL() string {
	return "ws" + strings.TrimPrefix(tgt.srv.URL, "http")
}

// Handle scripts a method with a dynamic handler.
func (tgt *Target) Handle(method string, h Handler) {
	tgt.mu.Lock()
	defer tgt.mu.Unlock()
	tgt.handlers[method] = h
}

// Script scripts a method with a fixed reply.
func (tgt *Target) Script(method string, reply Reply) {
	tgt.Handle(method, func(cdp.Frame) Reply { return reply })
}

// Received returns every command frame seen so far, in order.
func (tgt *Target) Received() []cdp.Frame {
	tgt.mu.Lock()
	defer tgt.mu.Unlock()
	out := make([]cdp.Frame, len(tgt.received))
	copy(out, tgt.received)
	return out
}

func (tgt *Target) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}
	emit := func(events []Event) {
		for _, ev := range events {
			if ev.Delay > 0 {
				time.Sleep(ev.Delay)
			}
			params := ev.Params
			if params == nil {
				params = map[string]any{}
			}
			if err := writeFrame(map[string]any{"method": ev.Method, "params": params}); err != nil {
				return
			}
		}
	}

	for {
		var frame cdp.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		tgt.mu.Lock()
		tgt.received = append(tgt.received, frame)
		handler := tgt.handlers[frame.Method]
		tgt.mu.Unlock()

		reply := Reply{}
		if handler != nil {
			reply = handler(frame)
		}

		if reply.Hangup {
			return
		}

		emit(reply.Before)

		if !reply.Drop {
			resp := map[string]any{"id": frame.ID}
			if reply.Error != nil {
				resp["error"] = reply.Error
			} else {
				result := reply.Result
				if result == nil {
					result = map[string]any{}
				}
				resp["result"] = result
			}
			if err := writeFrame(resp); err != nil {
				return
			}
		}

		if reply.HangupAfter {
			emit(reply.After)
			return
		}

		// Deliver trailing events asynchronously so delayed pauses do not
		// block the next command.
		if len(reply.After) > 0 {
			go emit(reply.After)
		}
	}
}

// Result is a convenience for scripting a plain result payload.
func Result(v map[string]any) Reply { return Reply{Result: v} }

// MustJSON marshals v or fails the calling test.
func MustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
