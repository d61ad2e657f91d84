// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package netaudit assembles the NetAudit service from its configuration.
//
// # Description
//
// New opens the store and builds every component in dependency order:
//
//	store -> vault -> connectors -> backoff/locks -> orchestrator
//	      -> dispatcher -> backup -> remediation -> scheduler -> router
//
// Serve runs the scheduler and the HTTP API until the context ends. The CLI
// uses the same Service for one-shot commands without calling Serve.
package netaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/audit"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backoff"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/backup"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/config"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/mdcli"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/netconfxml"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/connector/sshcli"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/devicelock"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/observability"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/remediation"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/routes"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/rules"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/scheduler"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/storage"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/telemetry"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/trigger"
	"github.com/AleutianAI/AleutianNetAudit/services/netaudit/vault"
)

// ErrNoMasterKey is returned when a persistent store is configured without a
// credential master key.
var ErrNoMasterKey = errors.New("netaudit: no vault master key configured")

// Service holds every wired component.
//
// # Thread Safety
//
// Components are safe for concurrent use. Serve must be called at most once;
// Close after Serve returns.
type Service struct {
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	Store       *storage.BadgerStore
	Vault       *vault.Vault
	Connectors  *connector.Factory
	Backoff     *backoff.Tracker
	Locks       *devicelock.Locker
	Auditor     *audit.Orchestrator
	Dispatcher  *trigger.Dispatcher
	Backups     *backup.Service
	Remediation *remediation.Engine
	Scheduler   *scheduler.Scheduler
	Router      *gin.Engine

	mu       sync.Mutex
	cfg      *config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
	addr     net.Addr
	closed   bool
}

// New builds the service.
//
// # Inputs
//
//   - ctx: Used while connecting telemetry exporters.
//   - cfg: Validated configuration.
//   - logger: Root logger. Nil uses slog.Default().
//
// # Outputs
//
//   - *Service: Ready to Serve or to use directly. Call Close when done.
//   - error: Any component failed to build. Resources opened so far are
//     released.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("netaudit: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = observability.NewMetrics(s.Registry)

	if s.shutdown, err = telemetry.Init(ctx, cfg.Telemetry, s.Registry); err != nil {
		return nil, err
	}

	storeCfg := cfg.Storage
	storeCfg.Logger = logger.With(slog.String("component", "badger"))
	if s.Store, err = storage.Open(storeCfg); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if s.Vault, err = openVault(cfg, logger); err != nil {
		return nil, err
	}

	if s.Connectors, err = buildConnectors(cfg, s.Vault, logger); err != nil {
		return nil, err
	}

	s.Backoff = backoff.NewTracker(s.Store, cfg.Backoff,
		backoff.WithLogger(logger), backoff.WithObserver(s.Metrics))
	s.Locks = devicelock.New()

	if s.Auditor, err = audit.New(cfg.Audit, audit.Deps{
		Store:     s.Store,
		Opener:    s.Connectors,
		Evaluator: rules.New(logger),
		Backoff:   s.Backoff,
		Locks:     s.Locks,
		Metrics:   s.Metrics,
		Logger:    logger,
	}); err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	s.Dispatcher = trigger.NewDispatcher(s.Auditor, cfg.Trigger.Dispatcher,
		trigger.WithLogger(logger),
		trigger.WithMetrics(s.Metrics),
		trigger.WithCompletionHook(func(r trigger.Result) {
			if r.Run == nil {
				return
			}
			logger.Info("triggered audit finished",
				slog.String("request_id", r.RequestID),
				slog.String("run_id", r.Run.ID),
				slog.String("status", string(r.Run.Status)),
				slog.Duration("duration", r.Duration))
		}))

	if s.Backups, err = backup.New(cfg.Backup, backup.Deps{
		Store:   s.Store,
		Opener:  s.Connectors,
		Backoff: s.Backoff,
		Locks:   s.Locks,
		Metrics: s.Metrics,
		Logger:  logger,
	}); err != nil {
		return nil, fmt.Errorf("build backup service: %w", err)
	}

	var reAudit trigger.AuditTrigger = s.Dispatcher
	if cfg.Trigger.RemoteURL != "" {
		reAudit = trigger.NewHTTPClient(cfg.Trigger.RemoteURL, trigger.WithClientLogger(logger))
	}
	if s.Remediation, err = remediation.New(cfg.Remediation, remediation.Deps{
		Store:   s.Store,
		Opener:  s.Connectors,
		Backoff: s.Backoff,
		Locks:   s.Locks,
		Trigger: reAudit,
		Metrics: s.Metrics,
		Logger:  logger,
	}); err != nil {
		return nil, fmt.Errorf("build remediation engine: %w", err)
	}

	if s.Scheduler, err = scheduler.New(cfg.Scheduler, scheduler.Deps{
		Store:   s.Store,
		Auditor: s.Auditor,
		Backoff: s.Backoff,
		Pruner:  s.Backups,
		Metrics: s.Metrics,
		Logger:  logger,
	}); err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	s.Router = routes.NewRouter(cfg.Telemetry.ServiceName, s.Dispatcher, s.Store, s.Registry)
	return s, nil
}

func openVault(cfg *config.Config, logger *slog.Logger) (*vault.Vault, error) {
	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	if key != "" {
		v, err := vault.NewFromBase64(cfg.Vault.KeyID, key)
		if err != nil {
			return nil, fmt.Errorf("open vault: %w", err)
		}
		return v, nil
	}
	if !cfg.Storage.InMemory {
		return nil, ErrNoMasterKey
	}
	logger.Warn("no vault master key configured, using an ephemeral key for the in-memory store")
	return vault.NewRandom(cfg.Vault.KeyID), nil
}

func buildConnectors(cfg *config.Config, resolver vault.Resolver, logger *slog.Logger) (*connector.Factory, error) {
	if cfg.Connector.KnownHostsFile == "" {
		logger.Warn("no known_hosts file configured, device host keys are not verified")
	}
	hostKeys, err := connector.HostKeyCallback(cfg.Connector.KnownHostsFile)
	if err != nil {
		return nil, err
	}

	op := cfg.Connector.OpTimeout
	return connector.NewFactory(resolver, cfg.Connector.ConnectTimeout,
		netconfxml.New(netconfxml.Config{HostKeys: hostKeys, OpTimeout: op, Logger: logger}),
		mdcli.New(mdcli.Config{HostKeys: hostKeys, OpTimeout: op, Logger: logger}),
		sshcli.New(sshcli.Config{HostKeys: hostKeys, OpTimeout: op, Logger: logger}),
	)
}

// Config returns the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Logger returns the root logger.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}

// Reconfigure applies a reloaded configuration.
//
// # Description
//
// Scheduler settings take effect immediately. Every other section is read
// only at startup; changes there are logged and need a restart.
func (s *Service) Reconfigure(cfg *config.Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.Scheduler.Reconfigure(cfg.Scheduler)

	restart := restartSections(prev, cfg)
	if len(restart) > 0 {
		s.logger.Warn("configuration changes need a restart to take effect",
			slog.Any("sections", restart))
	}
}

func restartSections(prev, next *config.Config) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("server", prev.Server != next.Server)
	check("storage", prev.Storage != next.Storage)
	check("vault", prev.Vault != next.Vault)
	check("connector", prev.Connector != next.Connector)
	check("backoff", prev.Backoff != next.Backoff)
	check("audit", prev.Audit != next.Audit)
	check("remediation", prev.Remediation != next.Remediation)
	check("trigger", prev.Trigger != next.Trigger)
	check("telemetry", prev.Telemetry != next.Telemetry)
	return out
}

// Addr returns the address the API listens on once Serve has started.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve runs the scheduler and the HTTP API until ctx ends, then shuts the
// server down gracefully.
//
// # Outputs
//
//   - error: Nil after a clean shutdown; the listener or scheduler failure
//     otherwise.
func (s *Service) Serve(ctx context.Context) error {
	cfg := s.Config()
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := s.Scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		s.logger.Info("API listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down API")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops the dispatcher, closes the store and flushes telemetry. Safe
// to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if s.Dispatcher != nil {
		s.Dispatcher.Close()
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if s.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, s.shutdown(ctx))
	}
	return errors.Join(errs...)
}
