package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays COLLA_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envBool("COLLA_ALLOW_AUTO_CREATE_NAMESPACES", &cfg.AllowAutoCreateNamespaces)
	envString("COLLA_DEFAULT_NAMESPACE_NAME", &cfg.DefaultNamespaceName)
	envString("COLLA_NAMESPACE_NAME_REGEX", &cfg.NamespaceNameRegex)
	envInt("COLLA_MAX_NAMESPACES", &cfg.MaxNamespaces)
	if v := os.Getenv("COLLA_ALLOWED_NAMESPACES"); v != "" {
		cfg.AllowedNamespaces = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.AllowedNamespaces = append(cfg.AllowedNamespaces, p)
			}
		}
	}
	envInt("COLLA_NAMESPACE_DEFAULTS_PAYLOAD_MAX_BYTES", &cfg.NamespaceDefaults.PayloadMaxBytes)
	envInt("COLLA_PRESENCE_HISTORY", &cfg.NamespaceDefaults.PresenceHistory)
	envInt("COLLA_SERVER_STATE_MAX_AGE_SEC", &cfg.NamespaceDefaults.ServerStateMaxAgeSec)

	envInt("COLLA_MERGE_BATCH_SIZE", &cfg.Merge.BatchSize)
	envInt("COLLA_MERGE_FETCH_WAIT_MS", &cfg.Merge.FetchWaitMs)
	envBool("COLLA_MERGE_PERSIST_CHECKPOINTS", &cfg.Merge.PersistCheckpoints)

	envInt("COLLA_EPHEMERAL_INACTIVE_MS", &cfg.Consumers.EphemeralInactiveMs)
	envInt("COLLA_DURABLE_INACTIVE_MS", &cfg.Consumers.DurableInactiveMs)
	envInt("COLLA_JANITOR_INTERVAL_MS", &cfg.Consumers.JanitorIntervalMs)

	envString("COLLA_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("COLLA_JWT_ISSUER", &cfg.Auth.Issuer)
	envBool("COLLA_ALLOW_ANONYMOUS", &cfg.Auth.AllowAnonymous)

	envString("COLLA_BACKEND", &cfg.Backend.Kind)
	envString("COLLA_NATS_URL", &cfg.Backend.NATSURL)

	envInt("COLLA_CLIENT_QUEUE_MAX", &cfg.Client.QueueMax)
	if v := os.Getenv("COLLA_CLIENT_BACKOFF_BASE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Client.BackoffBase = f
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
