// Package middleware provides the HTTP middleware stack: CORS, per-IP rate
// limiting and request id propagation.
package middleware
