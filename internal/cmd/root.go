// SPDX-License-Identifier: AGPL-3.0-or-later
// scrutinyd - Scrutiny device-facing core server
// Copyright (C) 2026 The scrutinyd authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package cmd wires up the scrutinyd composition root: it loads config,
// constructs every core collaborator (link, dispatcher, exchanger,
// discovery, heartbeat, info poller, datastore, memsync, and the device
// handler FSM that drives them all), and runs the core tick loop until a
// shutdown signal arrives.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/ztrue/shutdown"

	"github.com/scrutiny-tools/scrutinyd/internal/config"
	"github.com/scrutiny-tools/scrutinyd/internal/kv"
	"github.com/scrutiny-tools/scrutinyd/internal/metrics"
	"github.com/scrutiny-tools/scrutinyd/internal/pprof"
	"github.com/scrutiny-tools/scrutinyd/internal/pubsub"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/datastore"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/devicefsm"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/discovery"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/dispatcher"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/exchanger"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/heartbeat"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/infopoller"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/link"
	"github.com/scrutiny-tools/scrutinyd/internal/scrutiny/memsync"
	"github.com/scrutiny-tools/scrutinyd/internal/tracing"
)

// coreTickInterval is how often the device handler FSM is advanced. It must
// be well under every configured timeout so the FSM never starves waiting
// on its own pump.
const coreTickInterval = 5 * time.Millisecond

// pollerPriority and memsyncPriority rank the Info Poller and Memory
// Reader/Writer below Discover and Heartbeat traffic but above nothing
// else, since this core has no other request source yet.
const (
	pollerPriority  = 150
	memsyncPriority = 100
)

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "scrutinyd",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("scrutinyd - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return fmt.Errorf("failed to get config from context: %w", err)
	}

	cfg, err := c.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	cleanup := tracing.Init(ctx, cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	m := metrics.NewMetrics()
	go func() {
		if err := metrics.CreateMetricsServer(ctx, cfg); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go func() {
		if err := pprof.CreatePProfServer(ctx, cfg); err != nil {
			logger.Error("pprof server stopped", "error", err)
		}
	}()

	kvStore, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	pubsubClient, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}

	l, err := link.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to construct link: %w", err)
	}
	if err := l.Open(); err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}

	d := dispatcher.New(cfg, m, logger)
	ex := exchanger.New(l, cfg.Timing.ResponseTimeout, logger, m)

	searcher := discovery.New(d, logger)
	searcher.SetInterval(cfg.Timing.DeviceSearcherInterval)

	hb := heartbeat.New(d, logger)

	poller := infopoller.New(d, pollerPriority, logger)

	ds := datastore.New(logger, m)

	syncer := memsync.New(d, ds, memsyncPriority, logger, m)

	fsm := devicefsm.New(devicefsm.Params{
		Config:     cfg,
		Link:       l,
		Dispatcher: d,
		Exchanger:  ex,
		Searcher:   searcher,
		Heartbeat:  hb,
		Poller:     poller,
		Datastore:  ds,
		MemSync:    syncer,
		KV:         kvStore,
		PubSub:     pubsubClient,
		Metrics:    m,
		Logger:     logger,
		InstanceID: fmt.Sprintf("scrutinyd-%d", os.Getpid()),
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runCore(runCtx, fsm)
	}()

	stop := func(sig os.Signal) {
		logger.Warn("shutting down due to signal", "signal", sig)
		cancelRun()

		done := make(chan struct{})
		go func() {
			defer close(done)
			wg.Wait()
		}()

		const timeout = 10 * time.Second
		select {
		case <-done:
		case <-time.After(timeout):
			logger.Error("core tick loop did not stop in time")
		}

		if err := l.Close(); err != nil {
			logger.Error("failed to close link", "error", err)
		}
		if err := pubsubClient.Close(); err != nil {
			logger.Error("failed to close pubsub", "error", err)
		}
		if err := kvStore.Close(); err != nil {
			logger.Error("failed to close kv", "error", err)
		}
		logger.Info("shutdown complete")
		os.Exit(0)
	}
	defer stop(syscall.SIGINT)

	shutdown.AddWithParam(stop)
	shutdown.Listen(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	return nil
}

// runCore ticks the device handler FSM until ctx is cancelled.
func runCore(ctx context.Context, fsm *devicefsm.FSM) {
	ticker := time.NewTicker(coreTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fsm.Process(ctx)
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	out := os.Stdout
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelWarn:
		level = slog.LevelWarn
		out = os.Stderr
	case config.LogLevelError:
		level = slog.LevelError
		out = os.Stderr
	}

	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(out, &tint.Options{Level: level}))
}
