// Package types holds the core data model shared across the recovery service.
package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// IdentitySize is the length of an account identity in bytes. Identities are
// raw Ed25519 public keys.
const IdentitySize = ed25519.PublicKeySize

// SignatureSize is the length of an approval signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Identity is a fixed-size account identifier. The same value doubles as the
// account's Ed25519 public key when verifying friend approvals.
type Identity [IdentitySize]byte

// IdentityFromBytes converts raw bytes into an Identity. It fails when the
// input is not exactly IdentitySize bytes.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, fmt.Errorf("invalid identity length: got %d, want %d", len(b), IdentitySize)
	}
	copy(id[:], b)
	return id, nil
}

// ParseIdentity decodes a hex-encoded identity.
func ParseIdentity(s string) (Identity, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return IdentityFromBytes(b)
}

// PublicKey returns the identity as an Ed25519 public key.
func (id Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// Compare orders identities by their raw bytes. The approval set relies on
// this ordering for its binary-search insert.
func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id[:], other[:])
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler (hex).
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Signature is a fixed-size Ed25519 signature.
type Signature [SignatureSize]byte

// SignatureFromBytes converts raw bytes into a Signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature
	if len(b) != SignatureSize {
		return sig, fmt.Errorf("invalid signature length: got %d, want %d", len(b), SignatureSize)
	}
	copy(sig[:], b)
	return sig, nil
}

func (sig Signature) String() string {
	return hex.EncodeToString(sig[:])
}

// MarshalText implements encoding.TextMarshaler (hex).
func (sig Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(sig[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (sig *Signature) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	parsed, err := SignatureFromBytes(b)
	if err != nil {
		return err
	}
	*sig = parsed
	return nil
}
