// Package kvdb adapts CometBFT's dbm.DB to the ledgerbackend.KV interface,
// giving the redaction core a durable on-disk nullifier store instead
// of the in-memory default.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// Adapter wraps a CometBFT dbm.DB and exposes ledgerbackend.KV.
type Adapter struct {
	db dbm.DB
}

// Open opens (creating if absent) a goleveldb-backed database at dir/name
// and wraps it as an Adapter.
func Open(name, dir string) (*Adapter, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db}, nil
}

// NewAdapter wraps an already-open dbm.DB.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (a *Adapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

func (a *Adapter) Has(key []byte) (bool, error) {
	return a.db.Has(key)
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}
