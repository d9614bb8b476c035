// Package storage defines the persistence contract consumed by the recovery
// service. Implementations exist for SQLite (durable deployments) and for any
// ipfs/go-datastore (in-memory hosts and tests).
package storage

import (
	"context"
	"errors"

	"github.com/veilsafe/recoverd/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a create collides with an existing record.
	ErrExists = errors.New("already exists")
)

// Store abstracts recovery protocol state. The service serializes its
// operations, so backends see at most one protocol operation at a time; no
// store performs partial writes.
type Store interface {
	// Recovery configurations, keyed by protected account. Configs are
	// immutable: there is no update or delete.
	GetConfig(ctx context.Context, protected types.Identity) (*types.RecoveryConfig, error)
	CreateConfig(ctx context.Context, protected types.Identity, cfg *types.RecoveryConfig) error

	// Active recovery attempts, keyed by (protected, rescuer).
	GetRecovery(ctx context.Context, protected, rescuer types.Identity) (*types.ActiveRecovery, error)
	CreateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error
	UpdateRecovery(ctx context.Context, protected, rescuer types.Identity, rec *types.ActiveRecovery) error

	// GetProxy returns the protected account the rescuer may act for.
	GetProxy(ctx context.Context, rescuer types.Identity) (types.Identity, error)

	// AccountRefs returns the reference count pinned on an account.
	AccountRefs(ctx context.Context, account types.Identity) (uint64, error)

	// Update runs fn against a write transaction. Every write issued
	// through the transaction commits together or not at all.
	Update(ctx context.Context, fn func(Txn) error) error

	Close() error
}

// Txn groups the writes of the claim path so a proxy install, the rescuer
// reference-count bump and the ledger-entry removal cannot apply partially.
type Txn interface {
	PutProxy(rescuer, protected types.Identity) error
	DeleteRecovery(protected, rescuer types.Identity) error
	IncAccountRef(account types.Identity) error
}
