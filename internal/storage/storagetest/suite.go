// Package storagetest runs the storage.Store conformance suite against a
// backend. Both backends must behave identically from the service's point
// of view.
package storagetest

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/pkg/types"
)

// Factory returns a fresh, empty store. The suite closes it when done.
type Factory func(t *testing.T) storage.Store

func ident(b byte) types.Identity {
	var id types.Identity
	id[0] = b
	return id
}

// Run exercises every Store method against the backend under test.
func Run(t *testing.T, factory Factory) {
	t.Run("Configs", func(t *testing.T) { testConfigs(t, factory) })
	t.Run("Recoveries", func(t *testing.T) { testRecoveries(t, factory) })
	t.Run("Proxies", func(t *testing.T) { testProxies(t, factory) })
	t.Run("AccountRefs", func(t *testing.T) { testAccountRefs(t, factory) })
	t.Run("Uint64Range", func(t *testing.T) { testUint64Range(t, factory) })
	t.Run("UpdateRollback", func(t *testing.T) { testUpdateRollback(t, factory) })
}

func testConfigs(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	alice := ident(1)

	_, err := store.GetConfig(ctx, alice)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cfg := &types.RecoveryConfig{DelayPeriod: 5, FriendsRoot: []byte{9, 9, 9}, Threshold: 2}
	require.NoError(t, store.CreateConfig(ctx, alice, cfg))

	got, err := store.GetConfig(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	err = store.CreateConfig(ctx, alice, &types.RecoveryConfig{Threshold: 1})
	assert.ErrorIs(t, err, storage.ErrExists)

	// The original survives the rejected overwrite.
	got, err = store.GetConfig(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func testRecoveries(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	alice, bob := ident(1), ident(2)

	_, err := store.GetRecovery(ctx, alice, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = store.UpdateRecovery(ctx, alice, bob, &types.ActiveRecovery{Created: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := &types.ActiveRecovery{Created: 10}
	require.NoError(t, store.CreateRecovery(ctx, alice, bob, rec))

	err = store.CreateRecovery(ctx, alice, bob, &types.ActiveRecovery{Created: 99})
	assert.ErrorIs(t, err, storage.ErrExists)

	got, err := store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Created)
	assert.Empty(t, got.Approved)

	got.Approve(ident(7))
	got.Approve(ident(3))
	require.NoError(t, store.UpdateRecovery(ctx, alice, bob, got))

	got, err = store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{ident(3), ident(7)}, got.Approved)

	// Attempts are keyed by the full (protected, rescuer) pair.
	_, err = store.GetRecovery(ctx, bob, alice)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testProxies(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	alice, bob := ident(1), ident(2)

	_, err := store.GetProxy(ctx, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Update(ctx, func(txn storage.Txn) error {
		return txn.PutProxy(bob, alice)
	}))

	got, err := store.GetProxy(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
}

func testAccountRefs(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	bob := ident(2)

	refs, err := store.AccountRefs(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), refs)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Update(ctx, func(txn storage.Txn) error {
			return txn.IncAccountRef(bob)
		}))
		refs, err = store.AccountRefs(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), refs)
	}
}

// testUint64Range pins down that both backends round-trip the full uint64
// range: delay periods and creation times up to MaxUint64 are valid input
// (the claim path's overflow gate exists for them).
func testUint64Range(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	alice, bob := ident(1), ident(2)

	cfg := &types.RecoveryConfig{DelayPeriod: math.MaxUint64, FriendsRoot: []byte{1}, Threshold: 1}
	require.NoError(t, store.CreateConfig(ctx, alice, cfg))
	got, err := store.GetConfig(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got.DelayPeriod)

	rec := &types.ActiveRecovery{Created: math.MaxUint64}
	require.NoError(t, store.CreateRecovery(ctx, alice, bob, rec))

	rec.Approve(ident(3))
	require.NoError(t, store.UpdateRecovery(ctx, alice, bob, rec))

	gotRec, err := store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), gotRec.Created)
	assert.Equal(t, []types.Identity{ident(3)}, gotRec.Approved)
}

func testUpdateRollback(t *testing.T, factory Factory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	alice, bob := ident(1), ident(2)
	require.NoError(t, store.CreateRecovery(ctx, alice, bob, &types.ActiveRecovery{Created: 1}))

	boom := assert.AnError
	err := store.Update(ctx, func(txn storage.Txn) error {
		if err := txn.PutProxy(bob, alice); err != nil {
			return err
		}
		if err := txn.DeleteRecovery(alice, bob); err != nil {
			return err
		}
		if err := txn.IncAccountRef(bob); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing applied.
	_, err = store.GetProxy(ctx, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetRecovery(ctx, alice, bob)
	require.NoError(t, err)
	refs, err := store.AccountRefs(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), refs)

	// The same writes succeed when fn does.
	require.NoError(t, store.Update(ctx, func(txn storage.Txn) error {
		if err := txn.PutProxy(bob, alice); err != nil {
			return err
		}
		if err := txn.DeleteRecovery(alice, bob); err != nil {
			return err
		}
		return txn.IncAccountRef(bob)
	}))

	got, err := store.GetProxy(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, alice, got)
	_, err = store.GetRecovery(ctx, alice, bob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	refs, err = store.AccountRefs(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), refs)
}
