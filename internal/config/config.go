package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	AllowAutoCreateNamespaces bool              `json:"allowAutoCreateNamespaces"`
	DefaultNamespaceName      string            `json:"defaultNamespaceName"`
	NamespaceNameRegex        string            `json:"namespaceNameRegex"`
	NamespaceDefaults         NamespaceDefaults `json:"namespaceDefaults"`
	MaxNamespaces             int               `json:"maxNamespaces"`
	AllowedNamespaces         []string          `json:"allowedNamespaces"`

	Merge     MergeConfig     `json:"merge"`
	Consumers ConsumersConfig `json:"consumers"`
	Auth      AuthConfig      `json:"auth"`
	Backend   BackendConfig   `json:"backend"`
	Client    ClientConfig    `json:"client"`
}

// NamespaceDefaults captures per-namespace baseline limits.
type NamespaceDefaults struct {
	PayloadMaxBytes int `json:"payloadMaxBytes"`
	// PresenceHistory is how many entries each peer keeps in a room log.
	PresenceHistory int `json:"presenceHistory"`
	// ServerStateMaxAgeSec bounds the server-state change log. 0 keeps everything.
	ServerStateMaxAgeSec int `json:"serverStateMaxAgeSec"`
}

// MergeConfig tunes document compaction.
type MergeConfig struct {
	BatchSize          int  `json:"batchSize"`
	FetchWaitMs        int  `json:"fetchWaitMs"`
	PersistCheckpoints bool `json:"persistCheckpoints"`
	MaxCommitAttempts  int  `json:"maxCommitAttempts"`
}

// FetchWait returns FetchWaitMs as a duration.
func (m MergeConfig) FetchWait() time.Duration {
	return time.Duration(m.FetchWaitMs) * time.Millisecond
}

// ConsumersConfig bounds how long idle log consumers survive.
type ConsumersConfig struct {
	EphemeralInactiveMs int `json:"ephemeralInactiveMs"`
	DurableInactiveMs   int `json:"durableInactiveMs"`
	JanitorIntervalMs   int `json:"janitorIntervalMs"`
}

func (c ConsumersConfig) EphemeralInactive() time.Duration {
	return time.Duration(c.EphemeralInactiveMs) * time.Millisecond
}

func (c ConsumersConfig) DurableInactive() time.Duration {
	return time.Duration(c.DurableInactiveMs) * time.Millisecond
}

func (c ConsumersConfig) JanitorInterval() time.Duration {
	return time.Duration(c.JanitorIntervalMs) * time.Millisecond
}

// AuthConfig configures token verification. An empty JWTSecret with
// AllowAnonymous grants read and write to every token.
type AuthConfig struct {
	JWTSecret      string `json:"jwtSecret"`
	Issuer         string `json:"issuer"`
	AllowAnonymous bool   `json:"allowAnonymous"`
}

// BackendConfig selects the log service implementation.
type BackendConfig struct {
	Kind    string `json:"kind"` // pebble | nats
	NATSURL string `json:"natsUrl"`
}

// ClientConfig tunes the replica engine.
type ClientConfig struct {
	QueueMax    int     `json:"queueMax"`
	BackoffBase float64 `json:"backoffBase"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AllowAutoCreateNamespaces: true,
		DefaultNamespaceName:      "default",
		NamespaceNameRegex:        "[a-z0-9-]{1,64}",
		NamespaceDefaults: NamespaceDefaults{
			PayloadMaxBytes: 1 << 20,
			PresenceHistory: 8,
		},
		Merge: MergeConfig{
			BatchSize:          1000,
			FetchWaitMs:        200,
			PersistCheckpoints: true,
			MaxCommitAttempts:  5,
		},
		Consumers: ConsumersConfig{
			EphemeralInactiveMs: 10_000,
			DurableInactiveMs:   60_000,
			JanitorIntervalMs:   5_000,
		},
		Auth:    AuthConfig{AllowAnonymous: true},
		Backend: BackendConfig{Kind: "pebble"},
		Client:  ClientConfig{QueueMax: 256, BackoffBase: 2},
	}
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.Merge.BatchSize <= 0 {
		return errors.New("config: merge.batchSize must be positive")
	}
	if c.Merge.FetchWaitMs <= 0 {
		return errors.New("config: merge.fetchWaitMs must be positive")
	}
	if c.NamespaceDefaults.PresenceHistory <= 0 {
		return errors.New("config: namespaceDefaults.presenceHistory must be positive")
	}
	switch c.Backend.Kind {
	case "pebble":
	case "nats":
		if c.Backend.NATSURL == "" {
			return errors.New("config: backend.natsUrl is required for the nats backend")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend.Kind)
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return errors.New("config: auth.jwtSecret is required unless allowAnonymous is set")
	}
	return nil
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
