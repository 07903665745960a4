package cdp

// Event names the orchestrator has to recognize. Everything else on the
// wire is opaque.
const (
	EventPaused                    = "Debugger.paused"
	EventResumed                   = "Debugger.resumed"
	EventDetached                  = "Inspector.detached"
	EventExecutionContextDestroyed = "Runtime.executionContextDestroyed"
	EventScriptParsed              = "Debugger.scriptParsed"
)

// IsPausedEvent reports whether the event signals the debugger has paused.
func IsPausedEvent(method string) bool {
	return method == EventPaused
}

// IsFinishedEvent reports whether the event signals the script has finished
// executing (target detached or its execution context was destroyed).
func IsFinishedEvent(method string) bool {
	switch method {
	case EventDetached, EventExecutionContextDestroyed:
		return true
	}
	return false
}

// IsResumedEvent reports whether the event signals execution has resumed.
func IsResumedEvent(method string) bool {
	return method == EventResumed
}

// IsIgnoredEvent reports whether the event is dropped before buffering.
// Debugger.scriptParsed fires for every module the target loads and would
// drown real events.
func IsIgnoredEvent(method string) bool {
	return method == EventScriptParsed
}

// IsRunCommand reports whether the command continues program execution.
// After one of these, the target runs until the next pause or until the
// script finishes.
func IsRunCommand(method string) bool {
	switch method {
	case "Debugger.resume",
		"Debugger.stepInto",
		"Debugger.stepOut",
		"Debugger.stepOver":
		return true
	}
	return false
}

// MayRunCommand reports whether the command can cause execution to continue
// as a side effect.
func MayRunCommand(method string) bool {
	switch method {
	case "Runtime.runIfWaitingForDebugger",
		"Debugger.setSkipAllPauses":
		return true
	}
	return false
}

// AllowedCommands is the command surface exposed to callers by default.
// It is outer-layer input validation, not a protocol schema: the transport
// forwards any method verbatim when validation is disabled.
var AllowedCommands = map[string]struct{}{
	"Debugger.enable":     {},
	"Runtime.enable":      {},
	"Network.enable":      {},
	"HeapProfiler.enable": {},
	"Profiler.enable":     {},

	// Execution control
	"Debugger.resume":   {},
	"Debugger.pause":    {},
	"Debugger.stepOver": {},
	"Debugger.stepInto": {},
	"Debugger.stepOut":  {},

	// Breakpoints
	"Debugger.setBreakpointByUrl":          {},
	"Debugger.setBreakpointOnFunctionCall": {},
	"Debugger.removeBreakpoint":            {},
	"Debugger.setSkipAllPauses":            {},
	"Debugger.setBlackboxPatterns":         {},
	"Debugger.setPauseOnExceptions":        {},

	// Source and stack
	"Debugger.getScriptSource": {},
	"Debugger.getStackTrace":   {},

	// Runtime evaluation
	"Runtime.evaluate":                {},
	"Debugger.evaluateOnCallFrame":    {},
	"Runtime.callFunctionOn":          {},
	"Runtime.getProperties":           {},
	"Runtime.runIfWaitingForDebugger": {},

	// Memory / heap
	"HeapProfiler.takeHeapSnapshot": {},
	"HeapProfiler.startSampling":    {},
	"HeapProfiler.stopSampling":     {},

	// CPU / coverage
	"Profiler.start":                {},
	"Profiler.stop":                 {},
	"Profiler.startPreciseCoverage": {},
	"Profiler.takePreciseCoverage":  {},
	"Profiler.stopPreciseCoverage":  {},
}

// IsAllowed reports whether the method is in the default command surface.
func IsAllowed(method string) bool {
	_, ok := AllowedCommands[method]
	return ok
}

// InitCommands returns the command sequence that arms the core inspector
// domains and releases the waiting target. Setup commands (breakpoints and
// the like) go between the enables and Runtime.runIfWaitingForDebugger, so
// they take effect before the first line of the target runs.
func InitCommands(setup ...Command) []Command {
	cmds := []Command{
		{Method: "Runtime.enable"},
		{Method: "Debugger.enable"},
		{Method: "HeapProfiler.enable"},
		{Method: "Profiler.enable"},
		{Method: "Network.enable"},
	}
	cmds = append(cmds, setup...)
	return append(cmds, Command{Method: "Runtime.runIfWaitingForDebugger"})
}
