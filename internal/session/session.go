package session

import (
	"sync"
	"time"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/link"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/shared/id"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusStarting covers the window between provisioning and the first
	// completed batch.
	StatusStarting Status = "starting"
	// StatusRunning means the target is executing and no quiescence signal
	// has been observed since the last batch started.
	StatusRunning Status = "running"
	// StatusPaused means the target is stopped at a breakpoint or debugger
	// statement.
	StatusPaused Status = "paused"
	// StatusTerminated means the script finished or the target went away.
	// The sandbox still exists until the session is closed.
	StatusTerminated Status = "terminated"
	// StatusClosed means the session was torn down.
	StatusClosed Status = "closed"
)

// Session is one live debugging session: an exclusive sandbox, the link
// into its inspector, and the append-only buffer of everything the target
// said. All fields past the identity block are guarded as commented.
type Session struct {
	ID        id.SessionID
	CreatedAt time.Time

	env *sandbox.Env
	lk  *link.Link
	buf *buffer.Log
	log *logging.Logger

	// batchMu serializes command batches: concurrent execute calls on the
	// same session queue here instead of interleaving on the wire.
	batchMu sync.Mutex

	mu       sync.Mutex
	status   Status
	consumed uint64 // buffer cursor up to which results were delivered
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ContainerID exposes the sandbox container for listings and logs.
func (s *Session) ContainerID() string {
	return s.env.ContainerID
}

// consumedCursor returns the cursor the next batch drains from.
func (s *Session) consumedCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// advance moves the consumed cursor forward after a delivered batch and
// records the new lifecycle state. The cursor never moves backwards and
// never moves on a failed batch.
func (s *Session) advance(cursor uint64, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cursor > s.consumed {
		s.consumed = cursor
	}
	s.setStatusLocked(status)
}

// setStatus records a lifecycle transition, ignoring moves out of a final
// state.
func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(status)
}

func (s *Session) setStatusLocked(status Status) {
	if s.status == StatusClosed {
		return
	}
	if s.status == StatusTerminated && status != StatusClosed {
		return
	}
	s.status = status
}

// active reports whether the session can still accept batches.
func (s *Session) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != StatusTerminated && s.status != StatusClosed
}
