package cdp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventClassification(t *testing.T) {
	tests := []struct {
		method   string
		paused   bool
		finished bool
		resumed  bool
		ignored  bool
	}{
		{method: "Debugger.paused", paused: true},
		{method: "Debugger.resumed", resumed: true},
		{method: "Inspector.detached", finished: true},
		{method: "Runtime.executionContextDestroyed", finished: true},
		{method: "Debugger.scriptParsed", ignored: true},
		{method: "Runtime.consoleAPICalled"},
		{method: ""},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.paused, IsPausedEvent(tt.method))
			assert.Equal(t, tt.finished, IsFinishedEvent(tt.method))
			assert.Equal(t, tt.resumed, IsResumedEvent(tt.method))
			assert.Equal(t, tt.ignored, IsIgnoredEvent(tt.method))
		})
	}
}

func TestRunCommands(t *testing.T) {
	for _, m := range []string{"Debugger.resume", "Debugger.stepOver", "Debugger.stepInto", "Debugger.stepOut"} {
		assert.True(t, IsRunCommand(m), m)
		assert.False(t, MayRunCommand(m), m)
	}

	for _, m := range []string{"Runtime.runIfWaitingForDebugger", "Debugger.setSkipAllPauses"} {
		assert.True(t, MayRunCommand(m), m)
		assert.False(t, IsRunCommand(m), m)
	}

	assert.False(t, IsRunCommand("Runtime.evaluate"))
	assert.False(t, MayRunCommand("Runtime.evaluate"))
}

func TestAllowedCommands(t *testing.T) {
	assert.True(t, IsAllowed("Runtime.evaluate"))
	assert.True(t, IsAllowed("Debugger.setBreakpointByUrl"))
	assert.False(t, IsAllowed("Page.navigate"))
	assert.False(t, IsAllowed(""))

	// Everything the init sequence sends must be allowed
	for _, cmd := range InitCommands() {
		assert.True(t, IsAllowed(cmd.Method), cmd.Method)
	}
}

func TestInitCommandsOrder(t *testing.T) {
	cmds := InitCommands()
	require.NotEmpty(t, cmds)

	// The release command comes last, after all domain enables
	assert.Equal(t, "Runtime.runIfWaitingForDebugger", cmds[len(cmds)-1].Method)
}

func TestInitCommandsSetupBeforeRelease(t *testing.T) {
	bp := Command{Method: "Debugger.setBreakpointByUrl", Params: map[string]any{"lineNumber": 3}}
	cmds := InitCommands(bp)

	var bpIdx, releaseIdx int
	for i, cmd := range cmds {
		switch cmd.Method {
		case bp.Method:
			bpIdx = i
		case "Runtime.runIfWaitingForDebugger":
			releaseIdx = i
		}
	}

	// Setup lands while the target is still held at its first statement.
	assert.Greater(t, bpIdx, 0)
	assert.Equal(t, len(cmds)-1, releaseIdx)
	assert.Less(t, bpIdx, releaseIdx)
}

func TestFrameKinds(t *testing.T) {
	var resp Frame
	require.NoError(t, json.Unmarshal([]byte(`{"id":3,"result":{"ok":true}}`), &resp))
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsEvent())

	var evt Frame
	require.NoError(t, json.Unmarshal([]byte(`{"method":"Debugger.paused","params":{}}`), &evt))
	assert.True(t, evt.IsEvent())
	assert.False(t, evt.IsResponse())

	var errResp Frame
	require.NoError(t, json.Unmarshal([]byte(`{"id":4,"error":{"code":-32601,"message":"method not found"}}`), &errResp))
	assert.True(t, errResp.IsResponse())
	require.NotNil(t, errResp.Error)
	assert.Equal(t, -32601, errResp.Error.Code)
}
