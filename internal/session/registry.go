package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/cdp"
	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/executor"
	"github.com/jsdbg/jsdbg/internal/link"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/shared/id"
)

var (
	// ErrSessionNotFound is returned when no live session has the given id,
	// including sessions whose target already terminated: they cannot take
	// batches anymore.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the configured session cap is hit.
	ErrTooManySessions = errors.New("maximum number of concurrent sessions reached")
)

// Result is what one batch produced: the quiescence outcome, the session
// status it left behind, and the buffered items delivered to the caller.
type Result struct {
	Outcome executor.Outcome
	Status  Status
	Items   []buffer.Item
}

// Registry owns every live session. Lookups are lock-free; per-session
// batch serialization lives on the session itself.
type Registry struct {
	prov sandbox.Provisioner
	exec *executor.Executor
	cfg  *config.Config
	log  *logging.Logger

	sessions sync.Map // id.SessionID -> *Session
	count    atomic.Int64
}

// NewRegistry creates a registry backed by the given provisioner.
func NewRegistry(prov sandbox.Provisioner, cfg *config.Config, log *logging.Logger) *Registry {
	return &Registry{
		prov: prov,
		exec: executor.New(log),
		cfg:  cfg,
		log:  log,
	}
}

// Create provisions a sandbox, connects to its inspector, arms the core
// protocol domains, runs the caller's setup commands, and releases the
// waiting target. On provisioning or connection failure nothing is left
// behind: the sandbox is torn down and no session is registered. A timeout
// on the initial batch is different: the target is just still running, so
// the session stays registered and is returned with ErrTimeout.
func (r *Registry) Create(ctx context.Context, spec sandbox.Spec, initial []cdp.Command, timeout time.Duration) (*Session, *Result, error) {
	if n := r.count.Add(1); n > int64(r.cfg.Session.MaxSessions) {
		r.count.Add(-1)
		return nil, nil, ErrTooManySessions
	}

	sid := id.NewSessionID()
	slog := r.log.WithSession(sid.String())

	env, err := r.prov.Provision(ctx, spec)
	if err != nil {
		r.count.Add(-1)
		return nil, nil, err
	}
	slog.Info("sandbox provisioned",
		zap.String("container_id", env.ContainerID),
		zap.String("endpoint", env.Endpoint))

	buf := buffer.New()
	lk, err := link.Dial(ctx, env.Endpoint, buf, slog)
	if err != nil {
		r.teardown(env, slog)
		r.count.Add(-1)
		return nil, nil, err
	}

	s := &Session{
		ID:        sid,
		CreatedAt: time.Now().UTC(),
		env:       env,
		lk:        lk,
		buf:       buf,
		log:       slog,
		status:    StatusStarting,
	}

	// The target is live behind the link now; the first batch observes the
	// startup burst up to the first pause or termination. Caller setup
	// commands run while the target is still held at its first statement.
	s.setStatus(StatusRunning)
	res, err := r.run(ctx, s, cdp.InitCommands(initial...), r.batchTimeout(timeout))
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrTimeout):
		// The target simply has not quiesced yet (a server script, say).
		// The session stays attached; the startup events sit in the buffer
		// for the next batch.
		r.sessions.Store(sid, s)
		slog.Info("session created", zap.String("status", string(s.Status())))
		return s, nil, err
	default:
		lk.Close()
		r.teardown(env, slog)
		r.count.Add(-1)
		return nil, nil, err
	}

	r.sessions.Store(sid, s)
	slog.Info("session created", zap.String("status", string(res.Status)))
	return s, res, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(sid id.SessionID) (*Session, error) {
	v, ok := r.sessions.Load(sid)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session), nil
}

// Execute runs one batch against a session. Concurrent calls for the same
// session are queued, never rejected and never interleaved.
func (r *Registry) Execute(ctx context.Context, sid id.SessionID, commands []cdp.Command, timeout time.Duration) (*Result, error) {
	s, err := r.Get(sid)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, s, commands, r.batchTimeout(timeout))
}

// run executes one batch under the session's batch lock, advancing the
// consumed cursor only when the batch delivers.
func (r *Registry) run(ctx context.Context, s *Session, commands []cdp.Command, timeout time.Duration) (*Result, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if !s.active() {
		return nil, ErrSessionNotFound
	}

	start := s.consumedCursor()
	outcome, items, err := r.exec.Run(ctx, s.lk, s.buf, start, commands, timeout)
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrTimeout):
		// Nothing was consumed and the status is left as it was: the next
		// batch re-delivers everything buffered meanwhile.
		return nil, err
	case errors.Is(err, link.ErrConnectionLost):
		// Drop without a finish event: the target died out from under us.
		s.setStatus(StatusTerminated)
		return nil, err
	default:
		return nil, err
	}

	status := StatusRunning
	switch outcome {
	case executor.OutcomePaused:
		status = StatusPaused
	case executor.OutcomeTerminated:
		status = StatusTerminated
	}

	cursor := start
	if len(items) > 0 {
		cursor = items[len(items)-1].Seq
	}
	s.advance(cursor, status)

	s.log.Debug("batch complete",
		zap.Int("commands", len(commands)),
		zap.Int("items", len(items)),
		zap.String("status", string(status)))

	return &Result{Outcome: outcome, Status: s.Status(), Items: items}, nil
}

// Close tears a session down: link first, then sandbox, then the registry
// entry, so a concurrent lookup never observes a half-dead session as
// absent. Closing an unknown or already-closed session succeeds; close
// never fails.
func (r *Registry) Close(ctx context.Context, sid id.SessionID) Status {
	v, ok := r.sessions.Load(sid)
	if !ok {
		return StatusClosed
	}
	s := v.(*Session)

	s.mu.Lock()
	already := s.status == StatusClosed
	s.status = StatusClosed
	s.mu.Unlock()
	if already {
		return StatusClosed
	}

	s.lk.Close()
	r.teardown(s.env, s.log)
	r.sessions.Delete(sid)
	r.count.Add(-1)

	s.log.Info("session closed")
	return StatusClosed
}

// CloseAll closes every live session; used on server shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.sessions.Range(func(key, _ any) bool {
		r.Close(ctx, key.(id.SessionID))
		return true
	})
}

// List returns all live sessions, oldest first. ULIDs sort by creation
// time, so the id order is the creation order.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

func (r *Registry) batchTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return r.cfg.Session.DefaultTimeout
	}
	return timeout
}

// teardown is best effort: the sandbox is auto-removing, so a failed stop
// only delays reclamation.
func (r *Registry) teardown(env *sandbox.Env, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Sandbox.StopTimeout+5*time.Second)
	defer cancel()
	if err := r.prov.Teardown(ctx, env); err != nil {
		log.Warn("sandbox teardown failed", zap.Error(err))
	}
}
