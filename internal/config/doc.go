// Package config handles configuration loading for persona-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provider:
//	  api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	provider:
//	  timeout: "30s"
//	engine:
//	  dedupe_ttl: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server and storage:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	database:
//	  path: "~/.local/share/persona-gateway/gateway.db"
//
// Management API auth:
//
//	auth:
//	  jwt_secret: "${PERSONA_JWT_SECRET}"
//
// Completion provider (the global api_key is the fallback credential;
// individual persona bindings may override it):
//
//	provider:
//	  base_url: "https://api.openai.com/v1"
//	  model: "gpt-4o-mini"
//	  api_key: "${OPENAI_API_KEY}"
//	  timeout: "30s"
//
// Engine tuning and per-binding defaults:
//
//	engine:
//	  autostart: true
//	  start_concurrency: 4
//	  dedupe_ttl: "10m"
//	  dedupe_max: 10000
//	defaults:
//	  response_delay_ms: 0
//	  max_response_length: 500
package config
