// Package monitoring provides Prometheus metrics for the debugger server:
// HTTP traffic, session lifecycle, batch outcomes and sandbox provisioning.
package monitoring
