// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxrule/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RuleChainStore = (*Store)(nil)

// Store is a BadgerDB backed rule chain store.
type Store struct {
	db *badger.DB

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// GCInterval is the period of value log garbage collection.
	GCInterval time.Duration
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Rule chain metadata is small and rarely written; keep every write durable.
	opts.SyncWrites = true
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}

	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	s := &Store{
		db:         db,
		gcInterval: cfg.GCInterval,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means nothing was worth collecting.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
