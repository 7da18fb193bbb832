// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on write/create/rename and hands the
// result to an OnReload callback. It does not reload on its own config's
// zero value: Watch returns nil, nil when the config was not loaded from
// a file, since there is nothing on disk to watch.
type Watcher struct {
	fsw      *fsnotify.Watcher
	path     string
	onReload func(*Config)
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Watch starts watching cfg's source file for changes. Each write event
// re-runs Load against the same path and, if it succeeds, invokes
// onReload with the new Config. A failed reload is logged and the old
// Config stays in effect, so a typo mid-edit never takes the daemon down.
func Watch(cfg *Config, onReload func(*Config), logger *slog.Logger) (*Watcher, error) {
	if cfg.path == "" {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(cfg.path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", cfg.path, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	w := &Watcher{
		fsw:      fsw,
		path:     cfg.path,
		onReload: onReload,
		logger:   logger.With(slog.String("component", "config.watcher"), slog.String("path", cfg.path)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	return w, nil
}

// Start begins watching for file events in the background.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
}

// Stop halts the watcher and releases the underlying inotify handle.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.fsw.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", "error", err)
		return
	}
	w.logger.Info("config reloaded")
	w.onReload(cfg)
}
