// Package config handles configuration loading for policydesk.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion. A .env file next to the config file, or in
// the working directory, is loaded first and never overrides variables that
// are already set.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from POLICYDESK_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/policydesk/config.yaml
//  3. ~/.config/policydesk/config.yaml
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"                 # sqlite, postgres
//	  path: "/var/lib/policydesk/chat.db"
//	  dsn: "${POSTGRES_URL}"           # postgres only
//
//	auth:
//	  jwt_secret: "${SUPABASE_JWT_SECRET}"
//	  cookie_name: "policydesk-token"
//	  guest_token_ttl: "24h"
//
//	agent:
//	  base_url: "${N8N_BASE_URL}"
//	  webhook_id: "${N8N_WEBHOOK_ID}"
//
//	resumable:
//	  backend: "redis"                 # empty disables resumption, memory, redis
//	  redis_url: "${REDIS_URL}"
//	  retention: "10m"
//
//	limits:
//	  messages_per_minute: 20
//	  burst: 5
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax.
package config
