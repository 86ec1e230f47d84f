// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Command polygen is the Weir QoS policy generator. It scans per-second
// usage counters in Redis, compares them against per-user QoS limits, and
// pushes violation and bandwidth limit-share policies to every configured
// HAProxy instance.
//
// Usage:
//
//	polygen <config_file>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bloomberg/weir-qos/internal/polygen/config"
	"github.com/bloomberg/weir-qos/internal/polygen/control"
	"github.com/bloomberg/weir-qos/internal/polygen/demand"
	"github.com/bloomberg/weir-qos/internal/polygen/detector"
	"github.com/bloomberg/weir-qos/internal/polygen/dispatch"
	"github.com/bloomberg/weir-qos/internal/polygen/limits"
	"github.com/bloomberg/weir-qos/internal/polygen/logging"
	"github.com/bloomberg/weir-qos/internal/polygen/store"
	"github.com/bloomberg/weir-qos/internal/polygen/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: polygen <config_file>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "polygen: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFileName)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", configPath), zap.String("zone", cfg.Zone))

	st, err := store.New(cfg.RedisServer, cfg.RedisKeysBatch, cfg.PolygenLuaPath)
	if err != nil {
		return err
	}
	log.Info("connecting to redis", zap.String("addr", cfg.RedisServer))

	limitsPath, err := cfg.LimitsCachePath()
	if err != nil {
		return err
	}
	unknown := limits.NewUnknownUsers(log.Named("limits"),
		time.Duration(cfg.UnknownUsersReportTimeSeconds)*time.Second)
	reg := limits.NewRegistry(log.Named("limits"), limitsPath,
		cfg.DefaultActiveRequestIfQoSNotConfigured, unknown)
	if err := reg.Load(); err != nil {
		// Not fatal: the engine runs on hard-coded defaults until a cache
		// appears and a reload is requested.
		log.Error("no limits cache loaded, starting with empty limits", zap.Error(err))
	}

	topo, err := dispatch.BuildTopology(log.Named("dispatch"), cfg.HaproxyServers,
		cfg.Tick(), cfg.PolicyMsgQueueSize)
	if err != nil {
		return err
	}

	fifoPath := cfg.ReloadFifoPath()
	if err := control.EnsureFifo(fifoPath); err != nil {
		return fmt.Errorf("create reload fifo %s: %w", fifoPath, err)
	}

	if cfg.MetricsAddr != "" {
		telemetry.ServeMetrics(cfg.MetricsAddr)
		log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	// One dedicated writer per proxy; backpressure stays per-proxy.
	for _, p := range topo.All() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(ctx)
		}()
	}

	// The FIFO watcher is not joined at shutdown: its open blocks until a
	// writer connects and is released by process exit.
	go control.NewWatcher(log.Named("control"), fifoPath, reg.RequestReload).Run(ctx)

	pool := detector.NewPool(cfg.ViolationCheckThreadNum)
	det := detector.New(log.Named("detector"), detector.Config{
		Zone:           cfg.Zone,
		Tick:           cfg.Tick(),
		BatchSize:      cfg.RedisKeysBatch,
		UnblockRatio:   cfg.ReqsUnblockRatio,
		UnblockBackoff: time.Duration(cfg.ReqsUnblockBackoffTimeMS) * time.Millisecond,
	}, st, reg, unknown, topo, pool)

	wg.Add(2)
	go func() {
		defer wg.Done()
		det.RunVerbLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		det.RunConnLoop(ctx)
	}()

	agg := demand.NewAggregator(log.Named("demand"), cfg.Zone, cfg.DemandTick(),
		st, reg, topo.All())
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(ctx)
	}()

	log.Info("polygen initialization completed",
		zap.Int("haproxies", len(topo.All())), zap.Duration("tick", cfg.Tick()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()

	// Writers flush in-flight batches up to roughly one tick.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		pool.Stop()
	case <-time.After(cfg.Tick() + time.Second):
		log.Warn("shutdown deadline exceeded")
	}
	return nil
}
