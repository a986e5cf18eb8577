// Package simdb implements the storage contracts on an embedded BadgerHold
// store. One Store instance backs every collection plus the durable message
// queue.
package simdb

import (
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/timshannon/badgerhold/v4"

	"github.com/jcalloway/shopsim/internal/common"
)

// BadgerHold serializes records with gob. The oracle request's JSON schema
// holds nested containers in interface-typed fields, and gob refuses
// unregistered concrete types there.
func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
}

// keySep separates composite key parts. A null byte cannot appear in ids,
// so "a\x00b:c" and "a:b\x00c" never collide.
const keySep = "\x00"

// Store wraps the BadgerHold database shared by all collections.
type Store struct {
	db     *badgerhold.Store
	logger *common.Logger

	// jobMu serializes job state transitions; claimMu serializes queue
	// claims. BadgerHold calls are individually transactional but the
	// read-check-write sequences here are not.
	jobMu   sync.Mutex
	claimMu sync.Mutex
}

// NewStore opens (or creates) the database at path.
func NewStore(logger *common.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create db path %s: %w", path, err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.Logger = nil
	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	logger.Info().Str("path", path).Msg("Simulation store opened")
	return &Store{db: db, logger: logger}, nil
}

// Close shuts down the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
