// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
)

// debounceWindow coalesces the write bursts editors and orchestrators
// produce when rewriting a file.
const debounceWindow = 250 * time.Millisecond

// Provider hands out the current run defaults and keeps them fresh when a
// watcher is attached.
//
// # Thread Safety
//
// Safe for concurrent use.
type Provider struct {
	mu       sync.RWMutex
	defaults datatypes.RunConfig
}

// NewProvider seeds the provider with the loaded defaults.
func NewProvider(defaults datatypes.RunConfig) *Provider {
	return &Provider{defaults: defaults}
}

// RunDefaults returns the current default RunConfig by value.
func (p *Provider) RunDefaults() datatypes.RunConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaults
}

func (p *Provider) setDefaults(cfg datatypes.RunConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults = cfg
}

// Watch reloads the run defaults whenever the config file changes.
//
// # Description
//
// Blocks until ctx is done; callers run it in a goroutine. A reload that
// fails to parse or validate is logged and skipped, leaving the previous
// defaults in effect. Only the run_defaults section takes effect live.
func (p *Provider) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}
	slog.Info("Watching config for run-default changes", "path", path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				slog.Warn("Config reload failed, keeping previous defaults",
					"path", path, "error", err)
				continue
			}
			p.setDefaults(cfg.RunDefaults)
			slog.Info("Run defaults reloaded", "path", path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
