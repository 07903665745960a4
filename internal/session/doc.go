// Package session orchestrates debugging sessions.
//
// A session binds a provisioned sandbox, the inspector link into it, and
// the session's event buffer under one id. The Registry owns session
// lifecycle: creation arms the protocol domains and releases the waiting
// target, execution runs serialized command batches, and close tears the
// sandbox down exactly once no matter how often it is requested.
package session
