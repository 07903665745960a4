// Package buffer implements the per-session event log.
//
// The log is append-only: every inbound frame a session's link receives is
// recorded here in arrival order, whether or not a batch is currently
// draining. Items are never removed or reordered; the log lives and dies
// with its session.
package buffer

import (
	"encoding/json"
	"sync"
	"time"
)

// Kind tags a buffered item.
type Kind string

const (
	// KindCommandResult marks the direct reply to a sent command.
	KindCommandResult Kind = "command_result"
	// KindEvent marks an unsolicited notification from the target.
	KindEvent Kind = "event"
)

// Item is one entry in the log. Seq is strictly increasing within a
// session and never reused; it totally orders everything the session's
// link ever produced.
type Item struct {
	Kind    Kind            `json:"type"`
	Seq     uint64          `json:"seq"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"data"`
}

// Log is an append-only item log with cursor-based draining.
//
// Single writer (the link's read loop), multiple readers. Readers never
// block the writer: Since copies out a snapshot, and Wake hands out a
// broadcast channel that closes on the next append.
type Log struct {
	mu    sync.Mutex
	items []Item
	wake  chan struct{}
}

// New creates an empty log.
func New() *Log {
	return &Log{wake: make(chan struct{})}
}

// Append records an item and wakes any waiting readers. It returns the
// stored item with its assigned sequence number.
func (l *Log) Append(kind Kind, payload json.RawMessage) Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	item := Item{
		Kind:    kind,
		Seq:     uint64(len(l.items)) + 1,
		At:      time.Now(),
		Payload: payload,
	}
	l.items = append(l.items, item)

	// Broadcast by closing the current wake channel
	close(l.wake)
	l.wake = make(chan struct{})

	return item
}

// Cursor returns the position after the last appended item. An item with
// Seq n sits between cursors n-1 and n.
func (l *Log) Cursor() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.items))
}

// Since returns a copy of all items appended after the given cursor.
func (l *Log) Since(cursor uint64) []Item {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cursor >= uint64(len(l.items)) {
		return nil
	}
	out := make([]Item, len(l.items)-int(cursor))
	copy(out, l.items[cursor:])
	return out
}

// Wake returns a channel that is closed by the next Append. Callers must
// grab the channel before checking Since to avoid missing an append that
// lands between the two calls.
func (l *Log) Wake() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.wake
}

// Len returns the number of items ever appended.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
