// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/dbpulse/internal/log"
	"github.com/teradata-labs/dbpulse/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending store migrations and exit",
	Long: `Apply pending store migrations and exit.

Opening the store applies migrations automatically; this command exists so
deployments can migrate explicitly before rolling the service.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	logger, err := log.Build(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cmd.Context(), config.Database.Path, logger, storage.Options{})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	version, err := store.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d at %s\n", version, config.Database.Path)
	return nil
}
