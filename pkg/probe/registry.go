// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// Target is one registered monitored database.
type Target struct {
	ID          string           `yaml:"id"`
	SourceType  types.SourceType `yaml:"source_type"`
	Host        string           `yaml:"host"`
	DSN         string           `yaml:"dsn"`
	MonitorUser string           `yaml:"monitor_user"`
	TenantScope string           `yaml:"tenant_scope"`
	Enabled     bool             `yaml:"-"`
}

type targetEntry struct {
	Target  `yaml:",inline"`
	Enabled *bool `yaml:"enabled"`
}

type registryFile struct {
	Targets []targetEntry `yaml:"targets"`
}

// LoadTargets parses a registry YAML file. Targets default to enabled.
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Targets))
	targets := make([]Target, 0, len(file.Targets))
	for i, entry := range file.Targets {
		t := entry.Target
		if t.ID == "" {
			return nil, fmt.Errorf("registry %s: target %d has no id", path, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("registry %s: duplicate target id %q", path, t.ID)
		}
		seen[t.ID] = true
		if t.DSN == "" {
			return nil, fmt.Errorf("registry %s: target %q has no dsn", path, t.ID)
		}
		switch t.SourceType {
		case types.SourceMySQL, types.SourcePostgres:
		default:
			return nil, fmt.Errorf("registry %s: target %q has unsupported source_type %q", path, t.ID, t.SourceType)
		}
		t.Enabled = entry.Enabled == nil || *entry.Enabled
		targets = append(targets, t)
	}
	return targets, nil
}

// Registry holds the current target list and re-reads the file when it
// changes on disk. Consumers get a nudge on Changes and re-pull Targets.
type Registry struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	changes chan struct{}

	mu      sync.RWMutex
	targets []Target
}

// NewRegistry loads the file once and sets up the directory watch.
func NewRegistry(path string, logger *zap.Logger) (*Registry, error) {
	targets, err := LoadTargets(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch registry directory: %w", err)
	}

	return &Registry{
		path:    path,
		logger:  logger,
		watcher: watcher,
		changes: make(chan struct{}, 1),
		targets: targets,
	}, nil
}

// Targets returns a copy of the current target list, enabled and disabled.
func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, len(r.targets))
	copy(out, r.targets)
	return out
}

// EnabledTargets returns only the targets the collector should poll.
func (r *Registry) EnabledTargets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Target
	for _, t := range r.targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Changes delivers one nudge per successful reload. The channel is never
// closed; receivers should also select on their context.
func (r *Registry) Changes() <-chan struct{} {
	return r.changes
}

// Watch blocks processing filesystem events until ctx is cancelled. A reload
// that fails to parse keeps the previous target list.
func (r *Registry) Watch(ctx context.Context) error {
	defer func() { _ = r.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(r.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			r.reload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Registry watcher error", zap.Error(err))
		}
	}
}

func (r *Registry) reload() {
	targets, err := LoadTargets(r.path)
	if err != nil {
		r.logger.Error("Registry reload failed, keeping previous targets",
			zap.String("path", r.path),
			zap.Error(err))
		return
	}

	r.mu.Lock()
	r.targets = targets
	r.mu.Unlock()

	r.logger.Info("Registry reloaded",
		zap.String("path", r.path),
		zap.Int("targets", len(targets)))

	select {
	case r.changes <- struct{}{}:
	default:
	}
}
