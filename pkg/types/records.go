package types

import (
	"encoding/json"
	"slices"
)

// RecoveryConfig is the per-protected-account recovery configuration. It is
// immutable once created; there is no update or removal path.
type RecoveryConfig struct {
	// DelayPeriod is the minimum logical time that must elapse between
	// initiation and a successful claim.
	DelayPeriod uint64 `json:"delay_period"`
	// FriendsRoot is the merkle commitment to the hidden friend set.
	FriendsRoot []byte `json:"friends_root"`
	// Threshold is the number of distinct approving friends required
	// before a claim can succeed. Always >= 1.
	Threshold uint16 `json:"threshold"`
}

// Serialize converts a RecoveryConfig to JSON bytes for storage.
func (c *RecoveryConfig) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// Deserialize populates a RecoveryConfig from JSON bytes.
func (c *RecoveryConfig) Deserialize(data []byte) error {
	return json.Unmarshal(data, c)
}

// ActiveRecovery tracks one recovery attempt, keyed by the
// (protected, rescuer) pair that owns it.
type ActiveRecovery struct {
	// Created is the logical time the attempt was initiated.
	Created uint64 `json:"created"`
	// Approved holds the friends that have vouched so far. Always sorted
	// ascending, never contains duplicates.
	Approved []Identity `json:"approved"`
}

// Approve inserts a friend into the approval set, keeping it sorted. It
// returns false if the friend already approved, leaving the set unchanged.
func (r *ActiveRecovery) Approve(friend Identity) bool {
	pos, found := slices.BinarySearchFunc(r.Approved, friend, Identity.Compare)
	if found {
		return false
	}
	r.Approved = slices.Insert(r.Approved, pos, friend)
	return true
}

// HasApproved reports whether the friend is already in the approval set.
func (r *ActiveRecovery) HasApproved(friend Identity) bool {
	_, found := slices.BinarySearchFunc(r.Approved, friend, Identity.Compare)
	return found
}

// Serialize converts an ActiveRecovery to JSON bytes for storage.
func (r *ActiveRecovery) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

// Deserialize populates an ActiveRecovery from JSON bytes.
func (r *ActiveRecovery) Deserialize(data []byte) error {
	return json.Unmarshal(data, r)
}
