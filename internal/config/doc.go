// Package config loads and validates space-gateway configuration.
//
// Configuration is a single YAML file. ${VAR_NAME} references anywhere in
// the file are expanded from the environment before parsing, so secrets
// like tokens and the JWT signing key can stay out of the file itself:
//
//	server:
//	  http_addr: ":8080"
//	auth:
//	  jwt_secret: ${SPACE_JWT_SECRET}
//	space:
//	  history_capacity: 1000
//	  participants:
//	    - id: researcher
//	      token: ${RESEARCHER_TOKEN}
//	      capabilities:
//	        - kind: chat
//	        - kind: mcp/request:tools/*
//	correlation:
//	  default_timeout: 30s
//
// # Durations
//
// Duration fields are written as Go duration strings ("30s", "5m") and
// parsed into time.Duration during Load. Unset durations stay zero and
// the consuming package applies its default.
//
// # Validation
//
// Load fails fast on anything a running gateway could not serve: a
// missing listen address, an empty roster, duplicate participant ids,
// tokenless participants with no JWT secret to fall back on, and
// capability patterns that do not compile.
package config
