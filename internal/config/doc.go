// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML, TOML or JSON file (chosen by file
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_CONFIG environment variable
//  2. ~/.config/relay/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  api_key: "${OPENAI_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	correlation:
//	  ttl: "5m"
//	  reap_interval: "10s"
//	  tool_timeout: "60s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8008"   # OpenAI-style API, /mcp, health
//	  grpc_addr: "0.0.0.0:50051"  # peer connections
//	  endpoint: "v1"              # POST /v1/chat/completions
//
//	backend:
//	  provider: "openai"          # http, gemini, deepseek, openai, anthropic, ollama, graph
//	  model: "gpt-4o-mini"
//	  api_url: ""                 # base URL (full URL with raw_url or gemini)
//	  api_key: "${OPENAI_API_KEY}"
//	  auth_style: "bearer"        # bearer, goog
//	  proxy: false                # honour HTTP(S)_PROXY
//	  peer: ""                    # peer id for provider graph
//	  tools: true                 # send the tool catalogue
//
//	session:
//	  mode: "shared"              # shared, per_user
//	  tool_followup: "next_turn"  # next_turn, reanswer
//	  max_sessions: 1000
//	  idle_ttl: "30m"
//
//	database:
//	  path: "relay-gateway.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// TOML and JSON files use the same keys.
package config
