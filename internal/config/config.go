// Package config loads the gateway's process configuration from the
// environment, generalizing the teacher's own ad hoc environment-variable
// auto-discovery into a typed loader plus a dynamic per-chain-prefix scan.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config is the process-wide environment-derived configuration.
type Config struct {
	Port                  string `env:"PORT" envDefault:"8080"`
	JWTSecret             string `env:"JWT_SECRET,required"`
	MongoURI              string `env:"MONGO_URI,required"`
	DefaultMaxRPS         int    `env:"DEFAULT_MAX_RPS" envDefault:"20"`
	DefaultDailyRequests  int    `env:"DEFAULT_DAILY_REQUESTS" envDefault:"10000"`
	EnableMetrics         bool   `env:"ENABLE_METRICS" envDefault:"true"`

	// Chains is populated by Discover, not by struct tags: each entry names
	// a chain prefix found in the environment and the URL lists configured
	// for it.
	Chains []ChainSeed
}

// ChainSeed is one chain's env-derived upstream URL lists, keyed by the
// uppercase prefix found in the environment (e.g. "ETHEREUM").
type ChainSeed struct {
	Prefix          string
	ExecutionURLs   []string
	ConsensusURLs   []string
	PrometheusURLs  []string
	WebsocketURLs   []string
}

// Load reads .env (if present, ignored if absent), binds the typed fields,
// then discovers per-chain-prefix URL lists by scanning the process
// environment, generalizing the teacher's own config.go
// autoDiscoverFromEnvironment/processServerLists pattern from a fixed set of
// Cosmos/EVM suffixes to the chain-prefix suffixes Discover scans for.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.Chains = Discover(os.Environ())
	return cfg, nil
}

const (
	execSuffix = "_EXECUTION_RPC_URL"
	consSuffix = "_CONSENSUS_API_URL"
	promSuffix = "_PROMETHEUS_URL"
	wsSuffix   = "_CONSENSUS_WS_URL"
)

// Discover scans environ (the "KEY=VALUE" lines os.Environ returns) for the
// chain-prefix suffixes and groups them by prefix. A chain need not define
// all of them; X_CONSENSUS_WS_URL is optional and only feeds the health
// prober's supplementary websocket liveness check (spec.md's Non-goals
// exclude proxying WebSocket upstreams — nothing in the routing surface
// consumes it).
func Discover(environ []string) []ChainSeed {
	seeds := make(map[string]*ChainSeed)
	var order []string

	seedFor := func(prefix string) *ChainSeed {
		s, ok := seeds[prefix]
		if !ok {
			s = &ChainSeed{Prefix: prefix}
			seeds[prefix] = s
			order = append(order, prefix)
		}
		return s
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		switch {
		case strings.HasSuffix(key, execSuffix):
			prefix := strings.TrimSuffix(key, execSuffix)
			seedFor(prefix).ExecutionURLs = splitURLList(value)
		case strings.HasSuffix(key, consSuffix):
			prefix := strings.TrimSuffix(key, consSuffix)
			seedFor(prefix).ConsensusURLs = splitURLList(value)
		case strings.HasSuffix(key, promSuffix):
			prefix := strings.TrimSuffix(key, promSuffix)
			seedFor(prefix).PrometheusURLs = splitURLList(value)
		case strings.HasSuffix(key, wsSuffix):
			prefix := strings.TrimSuffix(key, wsSuffix)
			seedFor(prefix).WebsocketURLs = splitURLList(value)
		}
	}

	result := make([]ChainSeed, 0, len(order))
	for _, prefix := range order {
		result = append(result, *seeds[prefix])
	}
	return result
}

func splitURLList(raw string) []string {
	parts := strings.Split(raw, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}
