// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/aqea/aqea-extractor/aqea"
	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/services/master"
	"github.com/aqea/aqea-extractor/services/master/observability"
	"github.com/aqea/aqea-extractor/services/master/routes"
)

var (
	masterLanguage string
	masterSource   string
	masterPort     int

	masterCmd = &cobra.Command{
		Use:   "master",
		Short: "Run the master coordinator",
		RunE:  runMaster,
	}
)

func init() {
	masterCmd.Flags().StringVarP(&masterLanguage, "language", "l", "", "ISO 639 language code to extract (required)")
	masterCmd.Flags().StringVarP(&masterSource, "source", "s", "wiktionary", "upstream data source")
	masterCmd.Flags().IntVarP(&masterPort, "port", "p", 0, "listen port (overrides config)")
	masterCmd.MarkFlagRequired("language")
}

const shutdownGrace = 30 * time.Second

func runMaster(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if masterPort > 0 {
		cfg.Master.Port = masterPort
	}
	logger := newLogger("master")
	defer logger.Close()

	if _, err := aqea.LanguageDomain(masterLanguage); err != nil {
		return exitf(exitLanguage, "%v", err)
	}
	if _, ok := cfg.Plan(masterLanguage); !ok {
		return exitf(exitConfig, "no language plan configured for %q", masterLanguage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, database.Config{
		Backends:    cfg.Database.Backends,
		SupabaseURL: cfg.Database.SupabaseURL,
		SupabaseKey: cfg.Database.SupabaseKey,
		SQLitePath:  cfg.Database.SQLitePath,
	}, logger.Logger)
	if err != nil {
		return exitf(exitStore, "store initialization failed: %v", err)
	}
	defer store.Close()

	otlpEndpoint := cfg.Master.OTLPEndpoint
	if otlpEndpoint == "" {
		otlpEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	traceShutdown, err := initTracer(otlpEndpoint, "aqea-master")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	if traceShutdown != nil {
		defer traceShutdown(context.Background())
	}

	metrics := observability.NewMetrics(nil)
	coord := master.New(store, cfg, aqea.NormalizeLanguageCode(masterLanguage), masterSource, logger.Logger, metrics)
	if _, err := coord.CreateWorkPlan(ctx); err != nil {
		return exitf(exitConfig, "create work plan: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if traceShutdown != nil {
		router.Use(otelgin.Middleware("aqea-master"))
	}
	routes.Setup(router, coord, metrics)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Master.Host, cfg.Master.Port),
		Handler: router,
	}

	go coord.RunSweeps(ctx)
	go func() {
		logger.Info("master coordinator listening",
			"addr", srv.Addr, "language", masterLanguage, "source", masterSource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down master")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", "error", err)
	}
	coord.LogFinalStatus(shutdownCtx)

	if wasInterrupt() {
		return exitf(exitInterrupted, "interrupted")
	}
	return nil
}

// wasInterrupt reports whether shutdown came from SIGINT (exit 130)
// rather than SIGTERM (clean service stop).
var interruptSeen = make(chan os.Signal, 1)

func init() {
	signal.Notify(interruptSeen, syscall.SIGINT)
}

func wasInterrupt() bool {
	select {
	case <-interruptSeen:
		return true
	default:
		return false
	}
}
