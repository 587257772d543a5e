// Copyright 2018 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/engine"
	"github.com/pingcap-incubator/tinytxn/kv/session"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath     string
	backendArg     string
	dbPathArg      string
	statusAddrArg  string
	threadsArg     int
	targetArg      int
	reportInterval int
	workloadArgs   = workloadConfig{table: "usertable"}
)

// bench is one load or run of the benchmark.
type bench struct {
	command  string
	cfg      *config.Config
	wl       workloadConfig
	threads  int
	interval time.Duration
	out      io.Writer

	reg      *prometheus.Registry
	m        *measurement
	engine   *engine.Engine
	sessions []*session.Session
}

func newBench(command string, cfg *config.Config, wl workloadConfig, threads int) (*bench, error) {
	if threads <= 0 {
		return nil, errors.New("threads must be greater than 0")
	}
	if err := wl.validate(); err != nil {
		return nil, err
	}
	e, err := cfg.OpenEngine()
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	b := &bench{
		command: command,
		cfg:     cfg,
		wl:      wl,
		threads: threads,
		out:     os.Stdout,
		reg:     reg,
		m:       newMeasurement(reg),
		engine:  e,
	}
	opts := cfg.SessionOptions(transaction.NewMetrics(reg), transaction.NewSerialGenerator())
	for i := 0; i < threads; i++ {
		b.sessions = append(b.sessions, session.New(fmt.Sprintf("%s-%d", command, i), e, opts))
	}
	return b, nil
}

func (b *bench) status() statusInfo {
	return statusInfo{
		Command:    b.command,
		Backend:    b.cfg.Engine.Backend,
		Sessions:   len(b.sessions),
		Operations: b.m.summary(),
	}
}

// run drives the workload until it is done or ctx is cancelled.
func (b *bench) run(ctx context.Context) error {
	w := newWorkload(b.wl, b.m)
	if b.interval > 0 {
		reportCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.report(reportCtx)
		}()
		defer func() {
			cancel()
			wg.Wait()
		}()
	}
	if b.command == "load" {
		return w.load(ctx, b.sessions)
	}
	// A memory engine starts empty, so the records are inserted first without being measured.
	if b.cfg.Engine.Backend == config.BackendMemory {
		if err := newWorkload(b.wl, newMeasurement(nil)).load(ctx, b.sessions); err != nil {
			return err
		}
		b.m.reset()
	}
	w.run(ctx, b.sessions)
	return nil
}

func (b *bench) report(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.m.output(b.out)
		case <-ctx.Done():
			return
		}
	}
}

func (b *bench) close() {
	for _, s := range b.sessions {
		s.Close()
	}
	if err := b.engine.Close(); err != nil {
		log.L().Warn("close engine failed", zap.Error(err))
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("backend") {
		cfg.Engine.Backend = backendArg
	}
	if cmd.Flags().Changed("db-path") {
		cfg.Engine.DBPath = dbPathArg
	}
	if cmd.Flags().Changed("status-addr") {
		cfg.StatusAddr = statusAddrArg
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runClientCommandFunc(cmd *cobra.Command, command string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fmt.Printf("load config failed: %v\n", err)
		os.Exit(1)
	}
	if err = cfg.SetupLogger(); err != nil {
		fmt.Printf("setup logger failed: %v\n", err)
		os.Exit(1)
	}

	wl := workloadArgs
	wl.target = targetArg
	b, err := newBench(command, cfg, wl, threadsArg)
	if err != nil {
		log.L().Fatal("create benchmark failed", zap.Error(err))
	}
	defer b.close()
	b.interval = time.Duration(reportInterval) * time.Second

	if cfg.StatusAddr != "" {
		serveStatus(globalContext, cfg.StatusAddr, newStatusRouter(b.reg, b.status))
	}

	log.L().Info("benchmark started",
		zap.String("command", command),
		zap.String("backend", cfg.Engine.Backend),
		zap.Int("threads", threadsArg),
		zap.Int("records", wl.recordCount),
		zap.Int("operations", wl.opCount))

	start := time.Now()
	if err = b.run(globalContext); err != nil {
		log.L().Error("benchmark failed", zap.Error(err))
	}
	fmt.Printf("Run finished, takes %s\n", time.Now().Sub(start))
	b.m.output(os.Stdout)
}

func runLoadCommandFunc(cmd *cobra.Command, args []string) {
	runClientCommandFunc(cmd, "load")
}

func runTransCommandFunc(cmd *cobra.Command, args []string) {
	runClientCommandFunc(cmd, "run")
}

func initClientCommand(m *cobra.Command) {
	m.Flags().StringVarP(&configPath, "config", "C", "", "Config file path")
	m.Flags().StringVar(&backendArg, "backend", config.BackendBadger, "Engine backend, \"memory\" or \"badger\"")
	m.Flags().StringVar(&dbPathArg, "db-path", "", "Directory of the badger backend")
	m.Flags().StringVar(&statusAddrArg, "status-addr", "", "Address of the status server, empty to disable it")
	m.Flags().StringVar(&workloadArgs.table, "table", "usertable", "Table name")
	m.Flags().IntVar(&threadsArg, "threads", 1, "Execute using n threads, each with its own session")
	m.Flags().IntVar(&targetArg, "target", 0, "Attempt to do n operations per second (default: unlimited)")
	m.Flags().IntVar(&reportInterval, "interval", 10, "Interval of outputting measurements in seconds")
	m.Flags().IntVar(&workloadArgs.recordCount, "records", 1000, "Number of records")
	m.Flags().IntVar(&workloadArgs.opCount, "operations", 1000, "Number of operations in the run phase")
	m.Flags().IntVar(&workloadArgs.valueSize, "value-size", 100, "Value size in bytes")
	m.Flags().IntVar(&workloadArgs.batch, "batch", 1, "Inserts sent in one transaction during load")
	m.Flags().Float64Var(&workloadArgs.readProp, "read", 0.95, "Proportion of reads")
	m.Flags().Float64Var(&workloadArgs.updateProp, "update", 0.05, "Proportion of updates")
	m.Flags().Float64Var(&workloadArgs.scanProp, "scan", 0, "Proportion of scans")
	m.Flags().BoolVar(&workloadArgs.uniqueIndex, "unique-index", false, "Maintain a unique index on every inserted record")
}

func newLoadCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "load",
		Short: "Load records through the transaction handler",
		Args:  cobra.NoArgs,
		Run:   runLoadCommandFunc,
	}

	initClientCommand(m)
	return m
}

func newRunCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "run",
		Short: "Run read, update and scan operations through the transaction handler",
		Args:  cobra.NoArgs,
		Run:   runTransCommandFunc,
	}

	initClientCommand(m)
	return m
}
