package config

import "context"

// Loader hides where configuration comes from. The orchestrator reads a yaml
// file today; tests and future sources (env overlays, remote stores) provide
// their own implementations.
type Loader interface {
	// Load retrieves and parses the configuration. The returned Config has
	// defaults applied and passed validation.
	Load(ctx context.Context) (*Config, error)
}
