// Package cache persists discovered GATT databases keyed by their database
// hash, with an address-to-hash mapping for bonded devices.
package cache

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/blewire/bthost"
)

const addrIndexFile = "addrs.json"

// Store is a directory of hash-keyed database files plus one index file
// mapping bonded addresses to hashes.
type Store struct {
	dir  string
	lock sync.Mutex
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create cache dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) dbFile(hash []byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(hash)+".json")
}

// Save writes db under its hash. An existing entry for the same hash is
// replaced; the content must be identical by construction.
func (s *Store) Save(hash []byte, db interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	out, err := jsoniter.Marshal(db)
	if err != nil {
		return errors.Wrap(err, "marshal gatt db")
	}
	return ioutil.WriteFile(s.dbFile(hash), out, 0644)
}

// Load reads the database stored under hash into out.
func (s *Store) Load(hash []byte, out interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	in, err := ioutil.ReadFile(s.dbFile(hash))
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(in, out)
}

// Has reports whether a database is stored under hash.
func (s *Store) Has(hash []byte) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := os.Stat(s.dbFile(hash))
	return err == nil
}

// Link records that addr's database is the one stored under hash. Only
// bonded devices get linked; the caller decides.
func (s *Store) Link(addr bthost.Addr, hash []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	index[addr.String()] = hex.EncodeToString(hash)
	return s.storeIndex(index)
}

// Unlink drops addr's mapping, keeping the database file for other devices
// sharing the hash.
func (s *Store) Unlink(addr bthost.Addr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	delete(index, addr.String())
	return s.storeIndex(index)
}

// HashFor returns the hash linked to addr, if any.
func (s *Store) HashFor(addr bthost.Addr) ([]byte, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, false
	}
	h, ok := index[addr.String()]
	if !ok {
		return nil, false
	}
	hash, err := hex.DecodeString(h)
	if err != nil {
		return nil, false
	}
	return hash, true
}

// LoadByAddr reads the database linked to addr into out.
func (s *Store) LoadByAddr(addr bthost.Addr, out interface{}) error {
	hash, ok := s.HashFor(addr)
	if !ok {
		return fmt.Errorf("no gatt db linked to %v", addr)
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	in, err := ioutil.ReadFile(s.dbFile(hash))
	if err != nil {
		return err
	}
	return jsoniter.Unmarshal(in, out)
}

func (s *Store) loadIndex() (map[string]string, error) {
	in, err := ioutil.ReadFile(filepath.Join(s.dir, addrIndexFile))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var index map[string]string
	if err := jsoniter.Unmarshal(in, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *Store) storeIndex(index map[string]string) error {
	out, err := jsoniter.Marshal(index)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(s.dir, addrIndexFile), out, 0644)
}
