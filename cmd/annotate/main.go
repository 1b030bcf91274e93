// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command annotate runs the collaborative annotation server and the client
// commands that talk to it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAnnotate/pkg/logging"
	"github.com/AleutianAI/AleutianAnnotate/services/annotation/config"
)

var (
	configPath string
	logLevel   string

	// appConfig and logger are set by the root PersistentPreRunE.
	appConfig config.Config
	logger    *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "annotate",
		Short:         "Collaborative genome annotation server and client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if logger != nil {
				logger.Close()
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to annotate.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, importCmd, exportCmd, changesCmd, followCmd, applyCmd, tokenCmd)
}

func setup(cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	appConfig = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	service := "annotate"
	if cmd.Name() != "serve" {
		service = "annotate-" + cmd.Name()
	}
	logger, err = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: service,
		Format:  logging.Format(cfg.Logging.Format),
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Slog())
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
