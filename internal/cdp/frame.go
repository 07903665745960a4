package cdp

import "encoding/json"

// Command is a single protocol command submitted by a caller. Method names
// and parameter shapes are opaque pass-through; the core never validates
// them against a protocol schema.
type Command struct {
	Method string         `json:"method" binding:"required"`
	Params map[string]any `json:"params"`
}

// Frame is a wire frame on the inspector channel. Outbound frames carry
// id/method/params; inbound frames are either responses (id + result/error)
// or unsolicited events (method + params, no id).
//
// Correlation ids start at 1, so ID == 0 reliably marks an event frame.
type Frame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is the error object attached to a failed response frame.
type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the frame answers an earlier request.
func (f *Frame) IsResponse() bool {
	return f.ID != 0
}

// IsEvent reports whether the frame is an unsolicited notification.
func (f *Frame) IsEvent() bool {
	return f.ID == 0 && f.Method != ""
}
