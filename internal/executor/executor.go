// Package executor drives command batches against a debug target.
//
// A batch sends its commands strictly in order, each awaited before the
// next, then waits until the target quiesces: it pauses, its script
// finishes, or the batch deadline expires. The result is the session
// buffer drained from the batch's start cursor, one flat list in true
// arrival order mixing command results and events.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/cdp"
	"github.com/jsdbg/jsdbg/internal/link"
	"github.com/jsdbg/jsdbg/internal/logging"
)

// ErrTimeout is returned when the target does not quiesce within the batch
// deadline. The batch consumes nothing: everything buffered so far stays
// available to the next batch.
var ErrTimeout = errors.New("timed out waiting for debug target to quiesce")

// Outcome is the quiescence condition a batch actually observed.
type Outcome string

const (
	// OutcomeNone means no quiescence signal was seen (running target).
	OutcomeNone Outcome = ""
	// OutcomePaused means the target stopped at a breakpoint or debugger
	// statement.
	OutcomePaused Outcome = "paused"
	// OutcomeTerminated means the script finished or the target detached.
	OutcomeTerminated Outcome = "terminated"
)

// Executor runs batches. It is stateless; all per-batch state lives in the
// session's link and buffer.
type Executor struct {
	log *logging.Logger
}

// New creates an executor.
func New(log *logging.Logger) *Executor {
	return &Executor{log: log}
}

// Run executes one batch. start is the cursor the result is drained from;
// items before it belong to earlier batches. On success the returned items
// cover start up to the buffer position at quiescence. On ErrTimeout no
// items are returned and the caller must not advance its cursor.
func (e *Executor) Run(ctx context.Context, lk *link.Link, buf *buffer.Log, start uint64, commands []cdp.Command, timeout time.Duration) (Outcome, []buffer.Item, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := &batch{exec: e, lk: lk, buf: buf, scan: start}

	for _, cmd := range commands {
		if err := b.sendAndAwait(dctx, cmd); err != nil {
			return OutcomeNone, nil, e.timeoutOr(dctx, ctx, err)
		}
	}

	// After the last command, keep draining until the target pauses or
	// terminates.
	if err := b.wait(dctx, func() bool { return b.outcome != OutcomeNone }); err != nil {
		return OutcomeNone, nil, e.timeoutOr(dctx, ctx, err)
	}

	return b.outcome, buf.Since(start), nil
}

// batch tracks the scan cursor and the last quiescence signal observed.
type batch struct {
	exec *Executor
	lk   *link.Link
	buf  *buffer.Log

	scan      uint64
	outcome   Outcome
	signalSeq uint64 // seq of the item that set outcome
}

// sendAndAwait sends one command and waits for its direct response. For
// commands that (may) continue execution it then also waits for the next
// pause or termination, so each command's side effects are observable
// before the next command is issued.
func (b *batch) sendAndAwait(ctx context.Context, cmd cdp.Command) error {
	_, ch, err := b.lk.Send(cmd.Method, cmd.Params)
	if err != nil {
		if errors.Is(err, link.ErrLinkClosed) {
			return link.ErrConnectionLost
		}
		return err
	}

	var reply link.Reply
	select {
	case r, ok := <-ch:
		if !ok {
			return link.ErrConnectionLost
		}
		reply = r
	case <-ctx.Done():
		// A command whose response never arrives is treated like overall
		// timeout.
		return ctx.Err()
	}

	if reply.Err != nil {
		// Protocol errors are already recorded inline in the buffer; the
		// batch carries on with the remaining commands.
		b.exec.log.Warn("command failed",
			zap.String("method", cmd.Method),
			zap.Int("code", reply.Err.Code),
			zap.String("error", reply.Err.Message))
		return nil
	}

	if cdp.IsRunCommand(cmd.Method) || cdp.MayRunCommand(cmd.Method) {
		after := reply.Seq
		return b.wait(ctx, func() bool {
			return b.outcome != OutcomeNone && b.signalSeq > after
		})
	}
	return nil
}

// wait blocks until cond holds, folding newly arrived items into the
// quiescence state between wakeups.
func (b *batch) wait(ctx context.Context, cond func() bool) error {
	for {
		// Wake channel first: an append between absorb and select must
		// not be lost.
		wake := b.buf.Wake()
		b.absorb()
		if cond() {
			return nil
		}

		select {
		case <-wake:
		case <-b.lk.Done():
			// Drain whatever made it into the buffer before the drop. A
			// close right after the script finished is normal shutdown.
			b.absorb()
			if cond() {
				return nil
			}
			return link.ErrConnectionLost
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// absorb advances the scan cursor, updating the observed quiescence state:
// pause and finish events set it, a resume cancels a prior pause, and a
// finish is final.
func (b *batch) absorb() {
	for _, item := range b.buf.Since(b.scan) {
		b.scan = item.Seq
		if item.Kind != buffer.KindEvent {
			continue
		}

		var frame cdp.Frame
		if err := json.Unmarshal(item.Payload, &frame); err != nil {
			continue
		}

		switch {
		case cdp.IsFinishedEvent(frame.Method):
			b.outcome = OutcomeTerminated
			b.signalSeq = item.Seq
		case cdp.IsPausedEvent(frame.Method) && b.outcome != OutcomeTerminated:
			b.outcome = OutcomePaused
			b.signalSeq = item.Seq
		case cdp.IsResumedEvent(frame.Method) && b.outcome == OutcomePaused:
			b.outcome = OutcomeNone
		}
	}
}

// timeoutOr maps a deadline expiry on the batch context to ErrTimeout,
// keeping caller-initiated cancellation distinct.
func (e *Executor) timeoutOr(dctx, ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrTimeout
	}
	return err
}
