// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/absmach/fluxrule/core"
	"github.com/absmach/fluxrule/storage"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher keeps a RuleChainStore in sync with a definitions file and reports
// every applied difference as a lifecycle event.
type Watcher struct {
	path     string
	store    storage.RuleChainStore
	logger   *slog.Logger
	onChange func(core.ComponentLifecycleEvent)
	debounce time.Duration

	mu    sync.Mutex
	known map[core.EntityID]storage.RuleChain
}

// NewWatcher creates a watcher for path. onChange may be nil.
func NewWatcher(path string, store storage.RuleChainStore, logger *slog.Logger, onChange func(core.ComponentLifecycleEvent)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(core.ComponentLifecycleEvent) {}
	}
	return &Watcher{
		path:     filepath.Clean(path),
		store:    store,
		logger:   logger,
		onChange: onChange,
		debounce: defaultDebounce,
		known:    make(map[core.EntityID]storage.RuleChain),
	}
}

// Sync loads the file, writes the differences to the store and returns the
// events it emitted. Chains removed from the file since the previous sync are
// deleted. An invalid file leaves the store untouched.
func (w *Watcher) Sync(ctx context.Context) ([]core.ComponentLifecycleEvent, error) {
	chains, err := Load(w.path)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var events []core.ComponentLifecycleEvent
	var errs []error
	next := make(map[core.EntityID]storage.RuleChain, len(chains))
	for _, rc := range chains {
		next[rc.ID] = rc

		ev := core.LifecycleCreated
		cur, err := w.store.Get(ctx, rc.TenantID, rc.ID)
		switch {
		case err == nil:
			if sameChain(cur, rc) {
				continue
			}
			ev = core.LifecycleUpdated
		case !errors.Is(err, storage.ErrNotFound):
			errs = append(errs, err)
			continue
		}
		if err := w.store.Save(ctx, rc); err != nil {
			errs = append(errs, fmt.Errorf("save rule chain %s: %w", rc.ID, err))
			continue
		}
		events = append(events, core.ComponentLifecycleEvent{Tenant: rc.TenantID, Entity: rc.ID, Event: ev})
	}

	for id, old := range w.known {
		if _, ok := next[id]; ok {
			continue
		}
		if err := w.store.Delete(ctx, old.TenantID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete rule chain %s: %w", id, err))
			next[id] = old
			continue
		}
		events = append(events, core.ComponentLifecycleEvent{Tenant: old.TenantID, Entity: id, Event: core.LifecycleDeleted})
	}
	w.known = next

	for _, ev := range events {
		w.onChange(ev)
	}
	return events, errors.Join(errs...)
}

// Watch re-syncs after every change of the file until ctx is done. The parent
// directory is watched so editors replacing the file are noticed.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go w.loop(ctx, fw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule chains file watcher error", slog.String("error", err.Error()))
		case <-timer.C:
			events, err := w.Sync(ctx)
			if err != nil {
				w.logger.Error("failed to reload rule chains file",
					slog.String("path", w.path),
					slog.String("error", err.Error()))
			}
			if len(events) > 0 {
				w.logger.Info("rule chains file reloaded",
					slog.String("path", w.path),
					slog.Int("changes", len(events)))
			}
		}
	}
}

func sameChain(a, b storage.RuleChain) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
