// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The aqea command runs the distributed lexical extraction system:
// a master coordinator, extraction workers and a status monitor.
//
// Exit codes: 0 normal, 1 config error, 2 unsupported language,
// 3 store initialization failed, 130 interrupted.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aqea/aqea-extractor/pkg/config"
	"github.com/aqea/aqea-extractor/pkg/logging"
)

const (
	exitOK          = 0
	exitConfig      = 1
	exitLanguage    = 2
	exitStore       = 3
	exitInterrupted = 130
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

var (
	cfgPath  string
	logLevel string
	logDir   string
	logJSON  bool

	rootCmd = &cobra.Command{
		Use:   "aqea",
		Short: "Distributed Wiktionary-to-AQEA extraction",
		Long: `aqea extracts lexical entries from Wiktionary (and pluggable
equivalents), converts each entry into a 4-byte AQEA address with
structured metadata and persists the result in a central store.

Run one master and any number of workers:

  aqea master --language deu --source wiktionary
  aqea worker --master http://master-host:8080
  aqea status --master http://master-host:8080 --watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitConfig)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config YAML (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for JSON log files")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "json-logs", false, "JSON logs on stderr")

	rootCmd.AddCommand(masterCmd, workerCmd, statusCmd)
}

// loadConfig reads and validates configuration; failures are fatal
// config errors (exit 1).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, exitf(exitConfig, "load config: %v", err)
	}
	return cfg, nil
}

func newLogger(service string) *logging.Logger {
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: service,
		JSON:    logJSON,
	})
}
