// Package config provides environment-based configuration management.
//
// Configuration is loaded from environment variables with sensible defaults,
// covering the HTTP server, the Docker sandbox, session behavior, logging,
// and rate limiting.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Println(cfg.Server.Port)
package config
