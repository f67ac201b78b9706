// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package confsvc wires the control-plane components (registry,
// coordinator, fingerprint verifier, ack aggregator, rtcp collector,
// quality controller) behind the signaling WebSocket server and a
// small HTTP surface for metrics and admin. It is the confd analogue
// of the teacher's service package.
package confsvc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/confdio/confd/api"
	"github.com/confdio/confd/logger"
	"github.com/confdio/confd/ws"
)

// SecurityConfig gates the admin control surface the confbot driver
// talks to.
type SecurityConfig struct {
	EnableAdmin    bool   `toml:"enable_admin"`
	AdminSecretKey string `toml:"admin_secret_key"`
}

func (c SecurityConfig) IsValid() error {
	if !c.EnableAdmin {
		return nil
	}
	if c.AdminSecretKey == "" {
		return fmt.Errorf("invalid AdminSecretKey value: should not be empty")
	}
	return nil
}

// APIConfig bundles the HTTP surface (metrics, pprof, admin) with its
// access controls.
type APIConfig struct {
	HTTP     api.Config     `toml:"http"`
	Security SecurityConfig `toml:"security"`
}

func (c APIConfig) IsValid() error {
	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}
	if err := c.Security.IsValid(); err != nil {
		return fmt.Errorf("failed to validate security config: %w", err)
	}
	return nil
}

// Config is the top-level confd configuration.
type Config struct {
	API     APIConfig
	WS      ws.ServerConfig
	Logger  logger.Config
	Metrics MetricsConfig
}

// MetricsConfig names the Prometheus namespace the metrics registry is
// mounted under.
type MetricsConfig struct {
	Namespace string `toml:"namespace"`
}

func (c MetricsConfig) IsValid() error {
	if c.Namespace == "" {
		return fmt.Errorf("invalid Namespace value: should not be empty")
	}
	return nil
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}
	if err := c.WS.IsValid(); err != nil {
		return err
	}
	if err := c.Logger.IsValid(); err != nil {
		return err
	}
	if err := c.Metrics.IsValid(); err != nil {
		return err
	}
	return nil
}

// SetDefaults fills Config with the values confd ships with out of the
// box, mirroring the teacher's rtcd defaults.
func (c *Config) SetDefaults() {
	c.API.HTTP.ListenAddress = ":8045"
	c.WS.ReadBufferSize = 1024
	c.WS.WriteBufferSize = 1024
	c.WS.PingInterval = 10 * time.Second
	c.Logger.EnableConsole = true
	c.Logger.ConsoleJSON = false
	c.Logger.ConsoleLevel = "INFO"
	c.Logger.EnableFile = true
	c.Logger.FileJSON = true
	c.Logger.FileLocation = "confd.log"
	c.Logger.FileLevel = "DEBUG"
	c.Logger.EnableColor = false
	c.Logger.MaxQueueSize = 4096
	c.Metrics.Namespace = "confd"
}

// LoadConfig reads the TOML file at path and overlays it with any
// CONFD_-prefixed environment variables. A missing file is not an
// error: the returned Config falls back to SetDefaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg.SetDefaults()
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := envconfig.Process("confd", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
