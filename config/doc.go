// Package config loads and validates cloudkit configuration.
//
// Configuration is layered: built-in defaults, then a JSON/YAML file, then environment
// variables prefixed with CLOUDKIT_ where dots become underscores:
//
//	cfg, err := config.Load("cloudkit.yaml")
//	// CLOUDKIT_NATS_URL=nats://prod:4222 overrides nats.url
//	// CLOUDKIT_FUNCTIONS_MAX_RETRIES=5 overrides functions.max_retries
//
// Durations accept Go duration strings ("70s", "500ms").
//
// Example YAML:
//
//	platform:
//	  project: orders
//	nats:
//	  url: nats://127.0.0.1:4222
//	functions:
//	  region: europe-west1
//	  timeout: 30s
//	  max_retries: 3
//	messaging:
//	  max_in_flight: 50
//	  ack_deadline: 60s
//	  auto_ack: true
//	documents:
//	  bucket_prefix: docs
//	  schemas:
//	    users: schemas/users.json
//
// Save writes a configuration back as YAML with credentials removed.
package config
