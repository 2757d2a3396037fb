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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aqea/aqea-extractor/monitoring"
	"github.com/aqea/aqea-extractor/services/master"
)

var (
	statusMasterURL string
	statusWatch     bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show extraction progress from a running master",
		RunE:  runStatus,
	}
)

func init() {
	statusCmd.Flags().StringVarP(&statusMasterURL, "master", "m", "http://localhost:8080", "master base URL")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow the live status stream")
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := monitoring.NewClient(statusMasterURL)

	if !statusWatch {
		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(monitoring.Render(st))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return client.Watch(ctx, func(st *master.Status) {
		fmt.Print("\033[H\033[2J") // clear screen between frames
		fmt.Print(monitoring.Render(st))
	})
}
