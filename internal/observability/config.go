package observability

import (
	"strings"

	"github.com/smallbiznis/tsumshop/internal/config"
)

// Config is the slice of application config the observability stack reads.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	config.ObservabilityConfig
	OTLPEndpoint string
}

func LoadConfig(cfg config.Config) Config {
	return Config{
		ServiceName:         cfg.AppName,
		Environment:         strings.ToLower(strings.TrimSpace(cfg.Environment)),
		Version:             cfg.AppVersion,
		ObservabilityConfig: cfg.Observability,
		OTLPEndpoint:        strings.TrimSpace(cfg.OTLPEndpoint),
	}
}

// Debug turns on development logging, error stack traces and gin debug mode.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch c.Environment {
	case "development", "local", "test":
		return true
	}
	return false
}
