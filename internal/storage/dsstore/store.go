// Package dsstore provides a Store backend over any ipfs/go-datastore.
// It is the backend of choice for tests and for hosts that already embed a
// datastore; durable deployments use the sqlite backend instead.
package dsstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/pkg/types"
)

// Store is a storage.Store over a key-value datastore. Records are stored as
// JSON under /config, /recovery, /proxy and /refs prefixes.
type Store struct {
	ds datastore.Datastore
}

var _ storage.Store = (*Store)(nil)

// New wraps an existing datastore.
func New(ds datastore.Datastore) *Store {
	return &Store{ds: ds}
}

// NewMem returns a store over an in-memory map datastore.
func NewMem() *Store {
	return New(dssync.MutexWrap(datastore.NewMapDatastore()))
}

func configKey(protected types.Identity) datastore.Key {
	return datastore.NewKey("/config/" + protected.String())
}

func recoveryKey(protected, rescuer types.Identity) datastore.Key {
	return datastore.NewKey("/recovery/" + protected.String() + "/" + rescuer.String())
}

func proxyKey(rescuer types.Identity) datastore.Key {
	return datastore.NewKey("/proxy/" + rescuer.String())
}

func refsKey(account types.Identity) datastore.Key {
	return datastore.NewKey("/refs/" + account.String())
}

func (s *Store) GetConfig(ctx context.Context, protected types.Identity) (*types.RecoveryConfig, error) {
	raw, err := s.ds.Get(ctx, configKey(protected))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg types.RecoveryConfig
	if err := cfg.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) CreateConfig(ctx context.Context, protected types.Identity, cfg *types.RecoveryConfig) error {
	key := configKey(protected)
	exists, err := s.ds.Has(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrExists
	}
	raw, err := cfg.Serialize()
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.ds.Put(ctx, key, raw)
}

func (s *Store) GetRecovery(ctx context.Context, protected, rescuer types.Identity) (*types.ActiveRecovery, error) {
	raw, err := s.ds.Get(ctx, recoveryKey(protected, rescuer))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec types.ActiveRecovery
	if err := rec.Deserialize(raw); err != nil {
		return nil, fmt.Errorf("decode recovery: %w", err)
	}
	return &rec, nil
}

func (s *Store) CreateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error {
	key := recoveryKey(protected, rescuer)
	exists, err := s.ds.Has(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrExists
	}
	return s.putRecovery(ctx, key, rec)
}

func (s *Store) UpdateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error {
	key := recoveryKey(protected, rescuer)
	exists, err := s.ds.Has(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return s.putRecovery(ctx, key, rec)
}

func (s *Store) putRecovery(ctx context.Context, key datastore.Key, rec *types.ActiveRecovery) error {
	raw, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("encode recovery: %w", err)
	}
	return s.ds.Put(ctx, key, raw)
}

func (s *Store) GetProxy(ctx context.Context, rescuer types.Identity) (types.Identity, error) {
	raw, err := s.ds.Get(ctx, proxyKey(rescuer))
	if errors.Is(err, datastore.ErrNotFound) {
		return types.Identity{}, storage.ErrNotFound
	}
	if err != nil {
		return types.Identity{}, err
	}
	return types.IdentityFromBytes(raw)
}

func (s *Store) AccountRefs(ctx context.Context, account types.Identity) (uint64, error) {
	raw, err := s.ds.Get(ctx, refsKey(account))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeRefs(raw)
}

// Update stages writes in memory and applies them only if fn succeeds. The
// datastore has no native transactions; staging keeps a failing fn from
// leaving partial state, and the service's operation lock rules out
// interleaved writers.
func (s *Store) Update(ctx context.Context, fn func(storage.Txn) error) error {
	txn := &memTxn{ctx: ctx, store: s}
	if err := fn(txn); err != nil {
		return err
	}
	for _, apply := range txn.pending {
		if err := apply(); err != nil {
			return fmt.Errorf("apply staged write: %w", err)
		}
	}
	return nil
}

type memTxn struct {
	ctx     context.Context
	store   *Store
	pending []func() error
}

func (t *memTxn) PutProxy(rescuer, protected types.Identity) error {
	key := proxyKey(rescuer)
	value := make([]byte, types.IdentitySize)
	copy(value, protected[:])
	t.pending = append(t.pending, func() error {
		return t.store.ds.Put(t.ctx, key, value)
	})
	return nil
}

func (t *memTxn) DeleteRecovery(protected, rescuer types.Identity) error {
	key := recoveryKey(protected, rescuer)
	t.pending = append(t.pending, func() error {
		return t.store.ds.Delete(t.ctx, key)
	})
	return nil
}

func (t *memTxn) IncAccountRef(account types.Identity) error {
	key := refsKey(account)
	t.pending = append(t.pending, func() error {
		refs := uint64(0)
		raw, err := t.store.ds.Get(t.ctx, key)
		if err != nil && !errors.Is(err, datastore.ErrNotFound) {
			return err
		}
		if err == nil {
			if refs, err = decodeRefs(raw); err != nil {
				return err
			}
		}
		return t.store.ds.Put(t.ctx, key, encodeRefs(refs+1))
	})
	return nil
}

func (s *Store) Close() error {
	return s.ds.Close()
}

func encodeRefs(refs uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, refs)
}

func decodeRefs(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("invalid refcount encoding: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}
