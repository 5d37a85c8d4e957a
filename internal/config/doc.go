// Package config loads colla's server configuration: a JSON file over
// Default(), then COLLA_* environment variables via FromEnv.
//
//	cfg, err := config.Load("/etc/colla.json")
//	if err != nil { /* handle */ }
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil { /* handle */ }
package config
