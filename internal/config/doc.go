// Package config handles configuration loading for inbox-allocator.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML, when the file name ends
// in .toml) with environment variable expansion. Missing values receive
// defaults and the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from INBOX_ALLOCATOR_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/inbox-allocator/allocator.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${INBOX_ALLOCATOR_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	allocation:
//	  grace_period: "1m"
//	sweeper:
//	  interval: "1m"
//	ingest:
//	  dedupe_ttl: "5m"
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  driver: "sqlite"                 # sqlite (default) or postgres
//	  path: "/var/lib/inbox/allocator.db"
//	  url: "postgres://..."            # postgres only
//
// Allocation tuning:
//
//	allocation:
//	  candidate_window: 100   # queued conversations scored per allocation
//	  grace_period: "1m"      # how long an offline operator keeps its work
//	  default_alpha: 1.0      # weight of message count
//	  default_beta: 1.0       # weight of waiting time
//
// Sweeper:
//
//	sweeper:
//	  enabled: true
//	  interval: "1m"
//	  max_failures: 5         # consecutive failures before health turns NOT_SERVING
//
// Event sinks (each enabled by setting its address):
//
//	events:
//	  rabbitmq: { url: "amqp://...", exchange: "inbox.allocation" }
//	  nats:     { url: "nats://...", subject_prefix: "inbox" }
//	  redis:    { addr: "localhost:6379", stream: "inbox:allocation" }
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Validate() checks:
//
//   - the database driver and its required address
//   - JWT secret minimum length (32 bytes) when a secret is set
//   - positive window, interval and dedupe TTL
//   - finite non-negative default weights
//   - logging level and format values
//
// # Usage
//
//	path, err := config.DefaultPath()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := config.Load(path)
package config
