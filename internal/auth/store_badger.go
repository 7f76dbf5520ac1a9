package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

var credentialKey = []byte("auth/credentials")

// BadgerStore persists the credential pair in a local badger database.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Load() (*CredentialPair, error) {
	var pair *CredentialPair
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var p CredentialPair
			if err := json.Unmarshal(val, &p); err != nil {
				return fmt.Errorf("decode credentials: %w", err)
			}
			pair = &p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (s *BadgerStore) Save(pair CredentialPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credentialKey, data)
	})
}

func (s *BadgerStore) Clear() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credentialKey)
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
