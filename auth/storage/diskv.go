package storage

import (
	"context"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/peterbourgon/diskv/v3"

	"github.com/MCore-Services-bv/teamleader-go/lib"
)

const (
	// cacheSizeMaxBytes max memory cache held by diskv itself.
	cacheSizeMaxBytes = 1024

	// recordKey is the key of the single current token record.
	recordKey = "token"
)

// DiskvStore is a Store backed by a diskv directory. The record survives
// process restarts and may be shared by several processes on one host.
type DiskvStore struct {
	mu sync.Mutex
	dv *diskv.Diskv
}

// NewDiskvStore creates a store rooted at the given directory.
// The directory is provisioned on first use.
func NewDiskvStore(dir string) (*DiskvStore, error) {
	if dir == "" {
		return nil, trace.BadParameter("storage directory is not set")
	}

	// Simplest transform function: put all the data files into the base dir.
	flatTransform := func(s string) []string { return []string{} }

	dv := diskv.New(diskv.Options{
		BasePath:     dir,
		Transform:    flatTransform,
		CacheSizeMax: cacheSizeMaxBytes,
	})

	return &DiskvStore{dv: dv}, nil
}

// Load implements Store.
func (s *DiskvStore) Load(ctx context.Context) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dv.Has(recordKey) {
		return nil, trace.NotFound("no token record stored")
	}

	data, err := s.dv.Read(recordKey)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no token record stored")
		}
		return nil, trace.Wrap(err)
	}

	var record TokenRecord
	if err := lib.FastUnmarshal(data, &record); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := record.Check(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &record, nil
}

// Save implements Store.
func (s *DiskvStore) Save(ctx context.Context, record *TokenRecord) error {
	if err := record.Check(); err != nil {
		return trace.Wrap(err)
	}

	data, err := lib.FastMarshal(record)
	if err != nil {
		return trace.Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.dv.Write(recordKey, data))
}

// Delete implements Store.
func (s *DiskvStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dv.Has(recordKey) {
		return nil
	}
	return trace.Wrap(s.dv.Erase(recordKey))
}

var _ Store = (*DiskvStore)(nil)
