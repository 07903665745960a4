// Package server exposes the debugging engine over HTTP: session creation,
// command batch execution, session teardown, listings, health and metrics.
package server
