// Package config loads the Configuration object the registry is
// initialized from (spec.md §6: "{ [Subsystem]: { Connector: <name>,
// Settings: <opaque> } }"), using the teacher's chu-based layered loader
// (env + file + optional Consul/Vault external loaders) and logi/slog for
// startup logging, exactly as the teacher's own internal/config/config.go
// does for its provider map.
package config

import (
	"context"
	"fmt"
	"log/slog"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

// Service is set by cmd/sre/main.go to "<name>/<version>" for telemetry tagging.
var Service = ""

// ConnectorConfig is one entry of the Configuration object: the name of a
// registered factory plus the opaque settings passed to it.
type ConnectorConfig struct {
	Connector string         `cfg:"connector"`
	Settings  map[string]any `cfg:"settings"`
}

// Config is the root Configuration object. Connectors is keyed by
// connector.Subsystem string value ("Storage", "Vault", "Cache", "NKV",
// "VectorDB", "LLM", "Account", "Code", "Router", "AgentData", "Log").
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Connectors map[string]ConnectorConfig `cfg:"connectors"`

	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Server configures the HTTP gateway surface (spec.md §6's external
// interfaces: SmythFS resource/temp URLs, the gateway, admin endpoints).
type Server struct {
	BasePath string `cfg:"base_path"`
	Port     string `cfg:"port" default:"8080"`
	Host     string `cfg:"host"`

	// PublicBase is the externally reachable base URL SmythFS uses to
	// mint resource and temp URLs (spec.md §4.5/§6).
	PublicBase string `cfg:"public_base"`
}

// Load reads the Configuration object for path (the program name), sets
// the process log level, and logs the resolved configuration the way the
// teacher's Load does.
func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("SRE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
