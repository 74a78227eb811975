// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/despacho/despacho"
	"github.com/hashicorp/despacho/telegram"
	"github.com/hashicorp/despacho/version"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersion().FullVersionNumber(true))
		return 0
	}

	config, err := despacho.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "despacho",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("despacho"), inm); err != nil {
		logger.Warn("failed to initialize metrics", "error", err)
	}

	sender := telegram.NewSender(config.TelegramToken, "", logger)
	server, err := despacho.NewServer(config, despacho.ServerDeps{Sender: sender}, logger)
	if err != nil {
		logger.Error("failed to start server", "error", err)
		return 1
	}

	router := telegram.NewRouter(server.Handler(), server.Health, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(router)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		logger.Info("caught signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			_ = server.Shutdown()
			return 1
		}
		return 0
	}

	if err := server.Shutdown(); err != nil {
		logger.Error("error during shutdown", "error", err)
		return 1
	}
	return 0
}
