// Package recovery implements a social-recovery protocol over a hidden
// friend set. An account owner commits to their friends with a merkle root;
// friends later reveal themselves one by one with inclusion proofs and
// rescuer-bound signatures, and once enough have vouched and the configured
// delay has passed, the rescuer receives a proxy delegation for the account.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veilsafe/recoverd/internal/storage"
	"github.com/veilsafe/recoverd/pkg/membership"
	"github.com/veilsafe/recoverd/pkg/types"
)

const defaultConfigCacheSize = 1024

// Service owns the recovery protocol state machine. All operations run to
// completion as one atomic unit and are safe to call from concurrent
// goroutines.
type Service struct {
	store      storage.Store
	clock      Clock
	sigs       SignatureVerifier
	dispatcher Dispatcher
	notifier   Notifier
	logger     *slog.Logger

	// mu serializes protocol operations. The state machine reads state,
	// decides, then writes; nothing may interleave between the read and
	// the write.
	mu sync.Mutex

	// configs caches recovery configurations. Safe because configs are
	// immutable after creation.
	configs *lru.Cache[types.Identity, *types.RecoveryConfig]
}

// New creates a recovery service over the given store.
func New(store storage.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	cfg := applyOptions(opts...)
	cache, err := lru.New[types.Identity, *types.RecoveryConfig](cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create config cache: %w", err)
	}
	return &Service{
		store:      store,
		clock:      cfg.clock,
		sigs:       cfg.sigs,
		dispatcher: cfg.dispatcher,
		notifier:   cfg.notifier,
		logger:     cfg.logger,
		configs:    cache,
	}, nil
}

// CreateRecovery stores the caller's recovery configuration: the merkle
// commitment to their friend set, the approval threshold and the delay
// period. An account can be configured once; the configuration is immutable.
func (s *Service) CreateRecovery(ctx context.Context, origin types.Origin, friendsRoot []byte, threshold uint16, delayPeriod uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	who, ok := origin.Signer()
	if !ok {
		return ErrNotAllowed
	}
	if _, err := s.config(ctx, who); err == nil {
		return ErrAlreadyConfigured
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if threshold < 1 {
		return ErrInvalidThreshold
	}

	cfg := &types.RecoveryConfig{
		DelayPeriod: delayPeriod,
		FriendsRoot: friendsRoot,
		Threshold:   threshold,
	}
	if err := s.store.CreateConfig(ctx, who, cfg); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return ErrAlreadyConfigured
		}
		return err
	}
	s.configs.Add(who, cfg)

	s.logger.InfoContext(ctx, "recovery configured", "protected", who, "threshold", threshold, "delay", delayPeriod)
	s.notifier.Notify(ctx, RecoveryConfigured{Protected: who})
	return nil
}

// InitiateRecovery opens a recovery attempt by the calling rescuer against
// the lost account. Each (protected, rescuer) pair has its own independent
// attempt.
func (s *Service) InitiateRecovery(ctx context.Context, origin types.Origin, lost types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rescuer, ok := origin.Signer()
	if !ok {
		return ErrNotAllowed
	}
	if _, err := s.config(ctx, lost); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotRecoverable
		}
		return err
	}

	rec := &types.ActiveRecovery{Created: s.clock.Now()}
	if err := s.store.CreateRecovery(ctx, lost, rescuer, rec); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return ErrAlreadyStarted
		}
		return err
	}

	s.logger.InfoContext(ctx, "recovery initiated", "protected", lost, "rescuer", rescuer, "created", rec.Created)
	s.notifier.Notify(ctx, RecoveryInitiated{Protected: lost, Rescuer: rescuer})
	return nil
}

// ApproveRecovery records one friend's approval of a rescuer. The friend is
// identified by the proof's leaf value, must have signed the rescuer's
// identity, and must prove membership in the lost account's committed friend
// set. Anyone may submit the approval; authority comes from the proof and
// signature, not from the submitting origin.
func (s *Service) ApproveRecovery(ctx context.Context, origin types.Origin, lost, rescuer types.Identity, sig types.Signature, proof *membership.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := origin.Signer(); !ok {
		return ErrNotAllowed
	}
	cfg, err := s.config(ctx, lost)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotRecoverable
		}
		return err
	}

	approver, err := types.IdentityFromBytes(proof.Value)
	if err != nil {
		return ErrInconsistentProofValue
	}
	if !s.sigs.Verify(approver, ApprovalMessage(rescuer), sig) {
		return ErrSignatureInvalid
	}
	if err := proof.Validate(cfg.FriendsRoot); err != nil {
		return ErrMerkleProofInvalid
	}

	rec, err := s.store.GetRecovery(ctx, lost, rescuer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotStarted
		}
		return err
	}
	if !rec.Approve(approver) {
		return ErrAlreadyApproved
	}
	if err := s.store.UpdateRecovery(ctx, lost, rescuer, rec); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "recovery approved", "protected", lost, "rescuer", rescuer, "approver", approver, "approvals", len(rec.Approved))
	s.notifier.Notify(ctx, ApprovedRecovery{Protected: lost, Rescuer: rescuer, Approver: approver})
	return nil
}

// ClaimRecovery completes the calling rescuer's attempt. It succeeds only
// when the delay period has elapsed since initiation and the approval set has
// reached the configured threshold; on success it installs the proxy entry,
// pins a reference on the rescuer account and retires the ledger entry, all
// in one transaction.
func (s *Service) ClaimRecovery(ctx context.Context, origin types.Origin, lost types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rescuer, ok := origin.Signer()
	if !ok {
		return ErrNotAllowed
	}
	cfg, err := s.config(ctx, lost)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotRecoverable
		}
		return err
	}
	rec, err := s.store.GetRecovery(ctx, lost, rescuer)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotStarted
		}
		return err
	}
	if _, err := s.store.GetProxy(ctx, rescuer); err == nil {
		return ErrAlreadyProxied
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	eligibleAt := rec.Created + cfg.DelayPeriod
	if eligibleAt < rec.Created {
		return ErrOverflow
	}
	if s.clock.Now() < eligibleAt {
		return ErrDelayPeriod
	}
	if len(rec.Approved) < int(cfg.Threshold) {
		return ErrUnderThreshold
	}

	err = s.store.Update(ctx, func(tx storage.Txn) error {
		if err := tx.PutProxy(rescuer, lost); err != nil {
			return err
		}
		if err := tx.IncAccountRef(rescuer); err != nil {
			return err
		}
		return tx.DeleteRecovery(lost, rescuer)
	})
	if err != nil {
		return fmt.Errorf("commit claim: %w", err)
	}

	s.logger.InfoContext(ctx, "account recovered", "protected", lost, "rescuer", rescuer, "approvals", len(rec.Approved))
	s.notifier.Notify(ctx, AccountRecovered{Protected: lost, Rescuer: rescuer})
	return nil
}

// SetRecovered installs a proxy entry unconditionally, bypassing
// configuration, threshold, delay and verification. Root origin only; this
// is a governance escape hatch, not part of the normal protocol path.
func (s *Service) SetRecovered(ctx context.Context, origin types.Origin, lost, rescuer types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !origin.IsRoot() {
		return ErrNotAllowed
	}
	err := s.store.Update(ctx, func(tx storage.Txn) error {
		return tx.PutProxy(rescuer, lost)
	})
	if err != nil {
		return fmt.Errorf("install proxy: %w", err)
	}

	s.logger.InfoContext(ctx, "account recovered by override", "protected", lost, "rescuer", rescuer)
	s.notifier.Notify(ctx, AccountRecovered{Protected: lost, Rescuer: rescuer})
	return nil
}

// AsRecovered forwards a call for execution under the lost account's
// identity. The caller must hold a proxy entry whose stored target matches
// lost; the stored target is re-checked even though the entry is keyed by
// rescuer. The dispatcher's outcome is propagated unchanged.
func (s *Service) AsRecovered(ctx context.Context, origin types.Origin, lost types.Identity, call Call) error {
	rescuer, ok := origin.Signer()
	if !ok {
		return ErrNotAllowed
	}

	// Authorize under the lock, but dispatch outside it: a forwarded call
	// may legitimately reenter the service.
	s.mu.Lock()
	target, err := s.store.GetProxy(ctx, rescuer)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotAllowed
		}
		return err
	}
	if target != lost {
		return ErrNotAllowed
	}
	if s.dispatcher == nil {
		return fmt.Errorf("no dispatcher configured")
	}

	s.logger.DebugContext(ctx, "forwarding call", "protected", lost, "rescuer", rescuer, "cost", ForwardCost(call))
	return s.dispatcher.Dispatch(ctx, types.SignedOrigin(lost), call)
}

// Proxy returns the protected account the rescuer holds a proxy for, or
// storage.ErrNotFound.
func (s *Service) Proxy(ctx context.Context, rescuer types.Identity) (types.Identity, error) {
	return s.store.GetProxy(ctx, rescuer)
}

// Config returns the recovery configuration of a protected account, or
// storage.ErrNotFound.
func (s *Service) Config(ctx context.Context, protected types.Identity) (*types.RecoveryConfig, error) {
	return s.config(ctx, protected)
}

func (s *Service) config(ctx context.Context, protected types.Identity) (*types.RecoveryConfig, error) {
	if cfg, ok := s.configs.Get(protected); ok {
		return cfg, nil
	}
	cfg, err := s.store.GetConfig(ctx, protected)
	if err != nil {
		return nil, err
	}
	s.configs.Add(protected, cfg)
	return cfg, nil
}
