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
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/pkg/validation"
	"github.com/aqea/aqea-extractor/services/worker"
)

var (
	workerMasterURL string
	workerID        string

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run an extraction worker",
		RunE:  runWorker,
	}
)

func init() {
	workerCmd.Flags().StringVarP(&workerMasterURL, "master", "m", "", "master base URL (overrides config)")
	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker ID (generated when empty)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerMasterURL != "" {
		cfg.Worker.MasterURL = workerMasterURL
	}
	id := workerID
	if id == "" {
		id = cfg.Worker.WorkerID
	}
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	if err := validation.ValidateWorkerID(id); err != nil {
		return exitf(exitConfig, "%v", err)
	}

	logger := newLogger("worker")
	defer logger.Close()

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

	client := worker.NewClient(cfg.Worker.MasterURL, id, logger.Logger)
	w := worker.New(cfg, client, store, id, logger.Logger)

	logger.Info("starting extraction worker", "worker_id", id, "master", cfg.Worker.MasterURL)
	err = w.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if wasInterrupt() {
		return exitf(exitInterrupted, "interrupted")
	}
	logger.Info("worker stopped", "worker_id", id)
	return nil
}
