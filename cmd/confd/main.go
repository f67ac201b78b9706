// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/confdio/confd/confsvc"
	"github.com/confdio/confd/logger"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.toml", "Path to the configuration file for the confd service.")
	flag.Parse()

	cfg, err := confsvc.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("confd: failed to load config: %s", err.Error())
	}

	if err := cfg.IsValid(); err != nil {
		log.Fatalf("confd: failed to validate config: %s", err.Error())
	}

	logr, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("confd: failed to init logger: %s", err.Error())
	}
	defer func() {
		if err := logr.Shutdown(); err != nil {
			log.Printf("confd: failed to shutdown logger: %s", err.Error())
		}
	}()

	logr.Info("confd: starting up")

	svc, err := confsvc.New(cfg, logr)
	if err != nil {
		logr.Error("confd: failed to create service", mlog.Err(err))
		return
	}

	if err := svc.Start(); err != nil {
		logr.Error("confd: failed to start service", mlog.Err(err))
		return
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logr.Info("confd: shutting down")

	if err := svc.Stop(); err != nil {
		logr.Error("confd: failed to stop service", mlog.Err(err))
		return
	}
}
