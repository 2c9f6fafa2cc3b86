// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	apperr "smeagol/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

var ErrNotFound = apperr.NotFound("entry not found")

// BadgerStore keeps JSON values under "<prefix>:<id>", zstd-compressed once
// they pass the compression threshold.
type BadgerStore struct {
	db     *badger.DB
	prefix string
	comp   *compressor
}

func NewBadgerStore(db *badger.DB, prefix string, opts CompressionOptions) (*BadgerStore, error) {
	comp, err := newCompressor(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:     db,
		prefix: prefix,
		comp:   comp,
	}, nil
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

// Put stores v under id, replacing any previous value.
func (s *BadgerStore) Put(id string, v any) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling value: %w", err)
	}

	value := s.comp.compress(data)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(id), value)
	})
}

// Get decodes the value under id into v.
func (s *BadgerStore) Get(id string, v any) error {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return apperr.IOError("reading "+id, err)
	}

	raw, err := s.comp.decompress(data)
	if err != nil {
		return apperr.Corrupt("decoding "+id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Corrupt("unmarshaling "+id, err)
	}
	return nil
}

// Delete removes id. Deleting a missing id is not an error.
func (s *BadgerStore) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(id))
	})
	if err != nil {
		return apperr.IOError("deleting "+id, err)
	}
	return nil
}
