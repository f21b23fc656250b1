// Copyright 2025 Certen Protocol
//
// KV Adapter for CometBFT Database Integration
// Wraps CometBFT's dbm.DB interface to expose the statedelta.KVStore
// interface, so the layered state delta's "underlying" store can be any
// cometbft-db backend (memdb, goleveldb, badgerdb, ...).

package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB and exposes statedelta.KVStore.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get returns the value for key, or (nil, nil) if absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set durably writes key/value.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Delete durably removes key.
func (a *KVAdapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}

// Iterator returns a half-open [start, end) iterator over the store,
// matching dbm.DB's iterator contract directly.
func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	if a.db == nil {
		return dbm.NewMemDB().Iterator(start, end)
	}
	return a.db.Iterator(start, end)
}
