// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The amon master: authoritative configuration for the monitoring
// fabric, event routing and maintenance suppression. Relays poll it for
// agent probe manifests and push probe events into it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/GoogleCloudPlatform/amon/internal/cache"
	"github.com/GoogleCloudPlatform/amon/internal/config"
	"github.com/GoogleCloudPlatform/amon/internal/directory"
	"github.com/GoogleCloudPlatform/amon/internal/events"
	"github.com/GoogleCloudPlatform/amon/internal/kv"
	"github.com/GoogleCloudPlatform/amon/internal/machines"
	"github.com/GoogleCloudPlatform/amon/internal/maint"
	"github.com/GoogleCloudPlatform/amon/internal/notify"
	"github.com/GoogleCloudPlatform/amon/internal/probekind"
	"github.com/GoogleCloudPlatform/amon/internal/probes"
	"github.com/GoogleCloudPlatform/amon/internal/server"
	"github.com/GoogleCloudPlatform/amon/internal/users"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("amon-master", "The Amon monitoring fabric master")
	a.HelpFlag.Short('h')

	configFile := a.Flag("config.file", "Path of the bootstrap configuration file.").
		Default("amon-master.yml").String()
	logLevel := a.Flag("log.level", "One of debug, info, warn, error.").
		Default("info").Enum("debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(*logLevel, level.InfoValue())))

	cfg, err := config.Load(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	dir, err := directory.Dial(log.With(logger, "component", "directory"),
		cfg.Directory.URL, cfg.Directory.BindDN, cfg.Directory.BindPassword)
	if err != nil {
		_ = level.Error(logger).Log("msg", "connecting to directory", "err", err)
		os.Exit(1)
	}
	defer dir.Close()

	store := kv.Dial(cfg.KV.Address, cfg.KV.Password, cfg.KV.DB)
	defer store.Close()

	cacheOverrides := map[string]cache.SizeTTL{}
	for name, cc := range cfg.Caches {
		cacheOverrides[name] = cache.SizeTTL{Size: cc.Size, TTL: time.Duration(cc.TTL)}
	}
	caches := cache.NewRegistry(log.With(logger, "component", "cache"), cache.Options{
		Disabled:  cfg.DisableCaches,
		Overrides: cacheOverrides,
	}, reg)

	resolver := users.NewResolver(log.With(logger, "component", "users"), dir, caches)

	plugins, err := notify.NewRegistry(log.With(logger, "component", "notify"), cfg.Notifications, reg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building notification plugins", "err", err)
		os.Exit(1)
	}

	probeStore := probes.NewStore(log.With(logger, "component", "probes"), probes.StoreOptions{
		Directory: dir,
		Kinds:     probekind.Builtin(),
		VMs:       machines.NewVMAPI(cfg.VMAPIURL),
		Servers:   machines.NewCNAPI(cfg.CNAPIURL),
		Operators: resolver,
		AdminUUID: cfg.AdminUUID,
	}, caches)

	maintLogger := log.With(logger, "component", "maint")
	engine := maint.NewEngine(maintLogger, store, func(w *maint.Window) {
		// Re-evaluating alarms the window suppressed is future work.
		_ = level.Info(maintLogger).Log("msg", "maintenance window ended",
			"user", w.User, "id", w.ID)
	}, reg)

	alarms := notify.NewLogAlarmSink(log.With(logger, "component", "config-alarms"), reg)
	router := events.NewRouter(log.With(logger, "component", "events"),
		probeStore, resolver, engine, plugins, plugins, alarms, reg)

	srv := server.New(log.With(logger, "component", "http"), server.Options{
		Users:       resolver,
		Probes:      probeStore,
		Maintenance: engine,
		Events:      router,
		ReadyChecks: map[string]server.ReadyCheck{
			"kv": store.Ping,
		},
		Gatherer: reg,
	}, reg)

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return engine.Run(ctx)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: srv}
		g.Add(
			func() error {
				_ = level.Info(logger).Log("msg", "starting web server", "listen", cfg.ListenAddress)
				return httpServer.ListenAndServe()
			},
			func(error) {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if err := httpServer.Shutdown(ctx); err != nil {
					_ = level.Error(logger).Log("msg", "shutting down web server", "err", err)
				}
			},
		)
	}
	if err := g.Run(); err != nil && err != http.ErrServerClosed {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}
