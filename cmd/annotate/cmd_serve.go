// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnnotate/pkg/extensions"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/changes"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/config"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/docstore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/filestore"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/observability"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/ontology"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/server"
	badgerstore "github.com/AleutianAI/AleutianAnnotate/services/annotation/storage/badger"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/telemetry"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/validation"
)

var (
	serveAddr   string
	traceStdout bool
	ginDebug    bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&traceStdout, "trace-stdout", false, "print spans to stdout instead of exporting them")
	serveCmd.Flags().BoolVar(&ginDebug, "debug", false, "enable gin debug mode")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := appConfig
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	log := logger.Slog()
	if ginDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := telemetry.Init(ctx, tracingConfig(cfg.Tracing, traceStdout))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	dbCfg := cfg.Storage.Badger()
	dbCfg.Logger = log
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	store := docstore.New(db, log)
	files, err := filestore.New(cfg.Storage.FilesDir(), log)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}

	vocab, err := loadOntology(ctx, cfg.Ontology, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	opts := serviceOptions(cfg.Auth, log)
	hub := server.NewHub(cfg.Server.SubscriberBuffer, metrics, log)
	defer hub.Close()

	executor, err := server.NewExecutor(server.ExecutorConfig{
		Store:       store,
		Files:       files,
		Registry:    changes.NewDefaultRegistry(),
		Validations: validation.Default(vocab, opts.AuthzProvider),
		Hub:         hub,
		Audit:       opts.AuditLogger,
		Metrics:     metrics,
		Logger:      log,
		MaxRetries:  cfg.Server.MaxRetries,
	})
	if err != nil {
		return err
	}
	handlers := server.NewHandlers(executor, store, files, hub).WithLogger(log)
	router := server.NewRouter(handlers, server.RouterConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Options:     opts,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting annotation server",
			"address", cfg.Server.Addr,
			"data_dir", cfg.Storage.DataDir,
			"auth", cfg.Auth.Enabled(),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down annotation server")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func tracingConfig(cfg config.TracingConfig, stdout bool) telemetry.Config {
	tc := telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: server.ServiceVersion,
		TraceExporter:  telemetry.ExporterNone,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   cfg.Insecure,
	}
	switch {
	case stdout:
		tc.TraceExporter = telemetry.ExporterStdout
	case cfg.OTLPEndpoint != "":
		tc.TraceExporter = telemetry.ExporterOTLP
	}
	return tc
}

func loadOntology(ctx context.Context, cfg config.OntologyConfig, log *slog.Logger) (*ontology.Vocabulary, error) {
	if cfg.Path == "" {
		return ontology.Default(), nil
	}
	vocab, err := ontology.LoadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("load ontology: %w", err)
	}
	if cfg.Watch {
		if err := vocab.Watch(ctx, cfg.Path, log); err != nil {
			return nil, fmt.Errorf("watch ontology: %w", err)
		}
	}
	return vocab, nil
}

// serviceOptions selects JWT bearer auth with role checks when a secret is
// configured, and the single-user local admin otherwise. Changes are always
// audited.
func serviceOptions(cfg config.AuthConfig, log *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(&extensions.SlogAuditLogger{Logger: log.With("component", "audit")})
	if cfg.Enabled() {
		opts = opts.
			WithAuth(extensions.NewJWTAuthProvider([]byte(cfg.JWTSecret), cfg.Issuer)).
			WithAuthz(extensions.RoleAuthzProvider{})
	}
	return opts
}
