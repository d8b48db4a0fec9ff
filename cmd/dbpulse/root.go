// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/dbpulse/internal/version"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "dbpulse",
	Short:   "dbpulse - slow-query intelligence service",
	Long:    `dbpulse collects slow queries from monitored MySQL and PostgreSQL databases, analyses them with deterministic rules and an optional AI oracle, and measures whether its recommendations actually made the queries faster.`,
	Version: version.Get(),
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./dbpulse.yaml)")

	// Server flags
	rootCmd.PersistentFlags().String("listen", ":8080", "HTTP listen address")

	// Database flags
	rootCmd.PersistentFlags().String("db", "dbpulse.db", "SQLite database path")

	// Probe flags
	rootCmd.PersistentFlags().String("targets", "targets.yaml", "monitored database targets file")

	// Oracle flags
	rootCmd.PersistentFlags().Bool("oracle", true, "consult the AI oracle (use --oracle=false for rules-only)")
	rootCmd.PersistentFlags().String("anthropic-key", "", "Anthropic API key (or ANTHROPIC_API_KEY)")
	rootCmd.PersistentFlags().String("anthropic-model", "", "Anthropic model (default from client)")

	// Logging flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	// Bind flags to viper
	_ = viper.BindPFlag("server.listen", rootCmd.PersistentFlags().Lookup("listen"))
	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("probes.targets_file", rootCmd.PersistentFlags().Lookup("targets"))
	_ = viper.BindPFlag("oracle.enabled", rootCmd.PersistentFlags().Lookup("oracle"))
	_ = viper.BindPFlag("oracle.anthropic_api_key", rootCmd.PersistentFlags().Lookup("anthropic-key"))
	_ = viper.BindPFlag("oracle.anthropic_model", rootCmd.PersistentFlags().Lookup("anthropic-model"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	config, err = LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}
