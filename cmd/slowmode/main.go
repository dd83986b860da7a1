/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/NexusGPU/slowmode/internal/actuator"
	"github.com/NexusGPU/slowmode/internal/config"
	"github.com/NexusGPU/slowmode/internal/ingest"
	"github.com/NexusGPU/slowmode/internal/logging"
	"github.com/NexusGPU/slowmode/internal/manager"
	"github.com/NexusGPU/slowmode/internal/metrics"
	"github.com/NexusGPU/slowmode/internal/server"
	"github.com/NexusGPU/slowmode/internal/utils"
)

var (
	configPath  = flag.String("config", "slowmode.yaml", "Path to the slowmode config file")
	httpAddr    = flag.String("addr", ":8080", "Listen address of the admin, ingest and metrics HTTP server")
	dryRun      = flag.Bool("dry-run", false, "Log actuations instead of calling the platform API")
	configPoll  = flag.Duration("config-poll-interval", utils.WatchConfigFileChangesInterval, "How often the config file is checked for changes")
	watchConfig = flag.Bool("watch-config", true, "Apply config file changes at runtime")
	adminToken  = flag.String("admin-token-env", "", "Environment variable holding the admin API bearer token")
)

const setupTimeout = 30 * time.Second

func main() {
	logOpts := logging.NewOptions()
	logOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	closer := logging.Setup(logOpts)
	defer func() {
		_ = closer.Close()
	}()
	setupLog := ctrl.Log.WithName("setup")

	if err := run(setupLog); err != nil {
		setupLog.Error(err, "slowmode exited with error")
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(setupLog logr.Logger) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLog.Info("config loaded", "path", *configPath, "channels", len(cfg.Channels),
		"tickInterval", cfg.TickInterval.Duration, "autoRegister", cfg.AutoRegister)

	act, err := newActuator(cfg)
	if err != nil {
		return err
	}

	recorder := metrics.NewPrometheus(true)
	mgr, err := manager.New(act,
		manager.WithTickInterval(cfg.TickInterval.Duration),
		manager.WithActuationTimeout(cfg.EffectiveActuationTimeout()),
		manager.WithRecorder(recorder),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.IntoContext(ctx, ctrl.Log.WithName("slowmode"))

	applyCtx, cancel := context.WithTimeout(ctx, setupTimeout)
	err = mgr.ApplyConfig(applyCtx, cfg)
	cancel()
	if err != nil {
		return err
	}

	httpServer := server.NewServer(mgr, recorder.Registry(), *httpAddr,
		server.WithAdminToken(adminTokenValue()))
	var consumer *ingest.Consumer
	if cfg.Kafka != nil && len(cfg.Kafka.Brokers) > 0 {
		if consumer, err = ingest.NewKafkaConsumer(*cfg.Kafka, mgr); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Start(gctx)
	})
	g.Go(func() error {
		return httpServer.Start(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}
	if *watchConfig {
		g.Go(func() error {
			return reloadConfig(gctx, mgr)
		})
	}

	setupLog.Info("slowmode running", "addr", *httpAddr, "dryRun", *dryRun)
	return g.Wait()
}

// adminTokenValue reads the admin bearer token from the variable named by
// --admin-token-env. An empty result leaves the admin API open.
func adminTokenValue() string {
	if *adminToken == "" {
		return ""
	}
	return utils.GetEnvOrDefault(*adminToken, "")
}

func newActuator(cfg *config.Config) (actuator.Actuator, error) {
	if *dryRun {
		return actuator.Func(func(ctx context.Context, entityID string, value int) (int, error) {
			log.FromContext(ctx).Info("dry run actuation", "entity", entityID, "value", value)
			return value, nil
		}), nil
	}

	opts := []actuator.RESTOption{
		actuator.WithAuthorization(cfg.Actuator.Authorization()),
	}
	if cfg.Actuator.Timeout != nil {
		opts = append(opts, actuator.WithTimeout(cfg.Actuator.Timeout.Duration))
	}
	if cfg.Actuator.AuditReason != "" {
		opts = append(opts, actuator.WithAuditReason(cfg.Actuator.AuditReason))
	}
	return actuator.NewREST(cfg.Actuator.BaseURL, opts...)
}

// reloadConfig applies valid config file changes. Invalid content is
// logged and the running configuration stays in place.
func reloadConfig(ctx context.Context, mgr *manager.Manager) error {
	logger := log.FromContext(ctx).WithName("config")
	changes, err := utils.WatchConfigFileChanges(ctx, *configPath, *configPoll)
	if err != nil {
		return err
	}
	for data := range changes {
		cfg, err := config.Parse(data)
		if err != nil {
			logger.Error(err, "ignoring invalid config change", "path", *configPath)
			continue
		}
		if err := mgr.ApplyConfig(ctx, cfg); err != nil {
			logger.Error(err, "config change partially applied", "path", *configPath)
			continue
		}
		logger.V(1).Info("config applied", "path", *configPath, "entities", mgr.Len())
	}
	return nil
}
