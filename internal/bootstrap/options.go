package bootstrap

import "github.com/lyzr/meshflow/internal/config"

// Option configures the bootstrap process, mirroring the teacher's
// bootstrap.Option functional-options shape.
type Option func(*options)

type options struct {
	customConfig *config.Config
	skipStore    bool
	skipCache    bool
}

// WithCustomConfig uses a pre-built config instead of loading from the
// environment; tests and the deployer CLI's flag-driven invocation use
// this to avoid env-var plumbing.
func WithCustomConfig(cfg *config.Config) Option {
	return func(o *options) { o.customConfig = cfg }
}

// WithoutStore skips store/redis/postgres connection setup, for
// components that only need config+logger (e.g. a validate-only CLI
// invocation of the compiler).
func WithoutStore() Option {
	return func(o *options) { o.skipStore = true }
}

// WithoutCache disables the in-process deploy-artifact cache.
func WithoutCache() Option {
	return func(o *options) { o.skipCache = true }
}

func defaultOptions() *options {
	return &options{}
}
