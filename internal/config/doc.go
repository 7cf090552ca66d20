// Package config handles configuration loading for coven-rpc.
//
// # Configuration File
//
// The path is taken from the --config flag, then the COVEN_RPC_CONFIG
// environment variable, then ./coven-rpc.yaml. Files ending in .toml are
// parsed as TOML; everything else is parsed as YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables before parsing:
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"
//
//	store:
//	  driver: "sqlite"            # memory, sqlite, sqlite3, pgx, redis
//	  dsn: "data/coven-rpc.db"
//
//	agents:
//	  cache_size: 10000
//	  bootstrap:
//	    - id: "calc-1"
//	      type: "calc"
//
//	transports:                   # first match wins address resolution
//	  - type: "http"
//	    base_url: "http://localhost:8080"
//	  - type: "grpc"
//	    host: "localhost:50051"
//	  - type: "messaging"
//	    host: "myhost.com"
//	    backend: "hub"            # hub, matrix
//
//	callbacks:
//	  timeout: "30s"
//	  dedupe_ttl: "10m"
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json, color
//
// With no transports listed, a single HTTP transport on the server address
// is configured.
package config
