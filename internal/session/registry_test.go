package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsdbg/jsdbg/internal/buffer"
	"github.com/jsdbg/jsdbg/internal/cdp"
	"github.com/jsdbg/jsdbg/internal/cdptest"
	"github.com/jsdbg/jsdbg/internal/config"
	"github.com/jsdbg/jsdbg/internal/executor"
	"github.com/jsdbg/jsdbg/internal/logging"
	"github.com/jsdbg/jsdbg/internal/sandbox"
	"github.com/jsdbg/jsdbg/internal/shared/id"
)

// fakeProvisioner hands out the scripted in-process target instead of a
// container.
type fakeProvisioner struct {
	tgt *cdptest.Target

	mu           sync.Mutex
	provisioned  int
	tornDown     int
	provisionErr error
}

func (p *fakeProvisioner) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Env, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	p.provisioned++
	return &sandbox.Env{ContainerID: "c-fake", Endpoint: p.tgt.URL(), HostPort: "9229"}, nil
}

func (p *fakeProvisioner) Teardown(ctx context.Context, env *sandbox.Env) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tornDown++
	return nil
}

func (p *fakeProvisioner) teardowns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tornDown
}

func newTestRegistry(t *testing.T) (*Registry, *fakeProvisioner, *cdptest.Target) {
	t.Helper()

	tgt := cdptest.New(t)
	prov := &fakeProvisioner{tgt: tgt}
	cfg := config.Default()
	cfg.Session.DefaultTimeout = 2 * time.Second

	reg := NewRegistry(prov, cfg, logging.NewNop())
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return reg, prov, tgt
}

func itemsContain(items []buffer.Item, substr string) bool {
	for _, item := range items {
		if strings.Contains(string(item.Payload), substr) {
			return true
		}
	}
	return false
}

// The canonical run: the target logs once, hits a debugger statement, and
// after a resume logs again and exits.
func TestSessionLifecycle(t *testing.T) {
	reg, prov, tgt := newTestRegistry(t)

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{
			{Method: "Runtime.consoleAPICalled", Params: map[string]any{
				"type": "log", "args": []any{map[string]any{"value": "a"}},
			}},
			{Method: "Debugger.paused", Params: map[string]any{"reason": "other"}},
		},
	})
	tgt.Script("Debugger.resume", cdptest.Reply{
		After: []cdptest.Event{
			{Method: "Runtime.consoleAPICalled", Params: map[string]any{
				"type": "log", "args": []any{map[string]any{"value": "b"}},
			}},
			{Method: "Inspector.detached", Params: map[string]any{"reason": "target_closed"}},
		},
	})

	ctx := context.Background()
	spec := sandbox.Spec{Code: `console.log("a"); debugger; console.log("b");`}

	s, res, err := reg.Create(ctx, spec, nil, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.ID.String(), "sess_"))
	assert.Equal(t, executor.OutcomePaused, res.Outcome)
	assert.Equal(t, StatusPaused, res.Status)
	assert.True(t, itemsContain(res.Items, `"a"`))
	assert.False(t, itemsContain(res.Items, `"b"`))
	assert.Equal(t, 1, reg.Len())

	res, err = reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Debugger.resume"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, executor.OutcomeTerminated, res.Outcome)
	assert.Equal(t, StatusTerminated, res.Status)
	assert.True(t, itemsContain(res.Items, `"b"`))
	// The first batch already delivered the items before the pause.
	assert.False(t, itemsContain(res.Items, `"a"`))

	// The target is gone; further batches are rejected outright.
	_, err = reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Runtime.evaluate"}}, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Equal(t, StatusClosed, reg.Close(ctx, s.ID))
	assert.Equal(t, 1, prov.teardowns())
	assert.Equal(t, 0, reg.Len())

	// Close never fails, no matter how often or how stale the id.
	assert.Equal(t, StatusClosed, reg.Close(ctx, s.ID))
	assert.Equal(t, StatusClosed, reg.Close(ctx, id.SessionID("sess_does_not_exist")))
	assert.Equal(t, 1, prov.teardowns())
}

func TestExecuteUnknownSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Execute(context.Background(), id.SessionID("sess_missing"), nil, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTimeoutKeepsItemsForNextBatch(t *testing.T) {
	reg, _, tgt := newTestRegistry(t)

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused"}},
	})
	tgt.Script("Runtime.evaluate", cdptest.Reply{
		Result: map[string]any{"result": map[string]any{"value": 42}},
		After: []cdptest.Event{{Method: "Runtime.consoleAPICalled", Params: map[string]any{
			"args": []any{map[string]any{"value": "leftover"}},
		}}},
	})
	tgt.Script("Debugger.resume", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused", Delay: 20 * time.Millisecond}},
	})

	ctx := context.Background()
	s, _, err := reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.NoError(t, err)

	// Evaluate alone never quiesces the paused target again, so the batch
	// times out and consumes nothing.
	_, err = reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Runtime.evaluate"}}, 150*time.Millisecond)
	require.ErrorIs(t, err, executor.ErrTimeout)
	// Timeout aborts the wait, not the session; the status stays put.
	assert.Equal(t, StatusPaused, s.Status())

	// The next batch re-delivers everything the timed out batch buffered.
	res, err := reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Debugger.resume"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.True(t, itemsContain(res.Items, "leftover"))
	assert.True(t, itemsContain(res.Items, "42"))
}

func TestConcurrentBatchesAreSerialized(t *testing.T) {
	reg, _, tgt := newTestRegistry(t)

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused"}},
	})
	tgt.Script("Debugger.stepOver", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused", Delay: 10 * time.Millisecond}},
	})

	ctx := context.Background()
	s, _, err := reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Debugger.stepOver"}}, 0)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	// Each step ran to completion before the next started: the target saw
	// strictly alternating command frames, never interleaved batches.
	var steps int
	for _, frame := range tgt.Received() {
		if frame.Method == "Debugger.stepOver" {
			steps++
		}
	}
	assert.Equal(t, 4, steps)
}

func TestMaxSessionsCap(t *testing.T) {
	reg, _, tgt := newTestRegistry(t)
	reg.cfg.Session.MaxSessions = 1

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused"}},
	})

	ctx := context.Background()
	s, _, err := reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.NoError(t, err)

	_, _, err = reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	assert.ErrorIs(t, err, ErrTooManySessions)

	// Closing frees the slot.
	reg.Close(ctx, s.ID)
	_, _, err = reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	assert.NoError(t, err)
}

func TestCreateProvisionFailureLeavesNothingBehind(t *testing.T) {
	reg, prov, _ := newTestRegistry(t)
	prov.provisionErr = errors.New("no docker daemon")

	_, _, err := reg.Create(context.Background(), sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.List())
}

func TestCreateRunsInitialCommands(t *testing.T) {
	reg, _, tgt := newTestRegistry(t)

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused"}},
	})

	initial := []cdp.Command{{
		Method: "Debugger.setBreakpointByUrl",
		Params: map[string]any{"lineNumber": 3, "url": "file:///app/entrypoint.ts"},
	}}
	_, res, err := reg.Create(context.Background(), sandbox.Spec{Code: "debugger;"}, initial, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)

	var methods []string
	for _, frame := range tgt.Received() {
		methods = append(methods, frame.Method)
	}
	require.GreaterOrEqual(t, len(methods), 7)
	assert.Equal(t, "Runtime.enable", methods[0])

	// The breakpoint must be armed before the target is released, or the
	// top-level code would run straight past it.
	bpIdx := slices.Index(methods, "Debugger.setBreakpointByUrl")
	releaseIdx := slices.Index(methods, "Runtime.runIfWaitingForDebugger")
	require.NotEqual(t, -1, bpIdx)
	require.NotEqual(t, -1, releaseIdx)
	assert.Less(t, bpIdx, releaseIdx)
}

func TestCreateTimeoutKeepsSessionAttached(t *testing.T) {
	reg, prov, tgt := newTestRegistry(t)

	// The startup burst carries a console event but never quiesces, like a
	// long-running server script.
	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Runtime.consoleAPICalled", Params: map[string]any{
			"args": []any{map[string]any{"value": "listening"}},
		}}},
	})
	tgt.Script("Debugger.pause", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused", Delay: 10 * time.Millisecond}},
	})

	ctx := context.Background()
	s, res, err := reg.Create(ctx, sandbox.Spec{Code: "serve();"}, nil, 300*time.Millisecond)
	require.ErrorIs(t, err, executor.ErrTimeout)
	require.NotNil(t, s, "session must survive a create-time timeout")
	assert.Nil(t, res)
	assert.Equal(t, StatusRunning, s.Status())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 0, prov.teardowns())

	// The session is usable and the startup events were preserved.
	got, err := reg.Execute(ctx, s.ID, []cdp.Command{{Method: "Debugger.pause"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.True(t, itemsContain(got.Items, "listening"))

	reg.Close(ctx, s.ID)
	assert.Equal(t, 1, prov.teardowns())
}

func TestListOrderedByCreation(t *testing.T) {
	reg, _, tgt := newTestRegistry(t)

	tgt.Script("Runtime.runIfWaitingForDebugger", cdptest.Reply{
		After: []cdptest.Event{{Method: "Debugger.paused"}},
	})

	ctx := context.Background()
	a, _, err := reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.NoError(t, err)
	b, _, err := reg.Create(ctx, sandbox.Spec{Code: "debugger;"}, nil, 0)
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}
