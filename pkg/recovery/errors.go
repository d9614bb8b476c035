package recovery

import "errors"

// Every operation returns a success value or exactly one of these errors; a
// rejected call leaves all protocol state exactly as it was.
var (
	// ErrNotAllowed rejects an origin lacking the required capability, or
	// a forwarding attempt without a matching proxy entry.
	ErrNotAllowed = errors.New("not allowed")

	// ErrAlreadyConfigured rejects a second recovery configuration for a
	// protected account.
	ErrAlreadyConfigured = errors.New("account already configured for recovery")
	// ErrInvalidThreshold rejects a configuration with threshold < 1.
	ErrInvalidThreshold = errors.New("threshold must be at least 1")
	// ErrNotRecoverable rejects operations on an account with no
	// recovery configuration.
	ErrNotRecoverable = errors.New("account is not recoverable")

	// ErrAlreadyStarted rejects a second initiation for the same
	// (protected, rescuer) pair.
	ErrAlreadyStarted = errors.New("recovery already started")
	// ErrNotStarted rejects approvals and claims with no ledger entry.
	ErrNotStarted = errors.New("recovery not started")
	// ErrAlreadyApproved rejects a duplicate approval by one friend.
	ErrAlreadyApproved = errors.New("friend already approved")
	// ErrAlreadyProxied rejects a claim by a rescuer that already holds
	// a proxy.
	ErrAlreadyProxied = errors.New("rescuer already holds a proxy")

	// ErrSignatureInvalid rejects an approval whose signature does not
	// bind the friend to the named rescuer.
	ErrSignatureInvalid = errors.New("approval signature invalid")
	// ErrMerkleProofInvalid rejects an approval whose inclusion proof
	// does not verify against the committed friend set.
	ErrMerkleProofInvalid = errors.New("merkle proof invalid")
	// ErrInconsistentProofValue rejects a proof whose leaf value is not
	// a well-formed identity.
	ErrInconsistentProofValue = errors.New("proof value is not an identity")

	// ErrOverflow rejects a claim whose eligibility time cannot be
	// represented.
	ErrOverflow = errors.New("eligibility time overflows")
	// ErrDelayPeriod rejects a claim before the delay period has elapsed.
	ErrDelayPeriod = errors.New("delay period has not elapsed")
	// ErrUnderThreshold rejects a claim with too few approvals.
	ErrUnderThreshold = errors.New("approvals below threshold")
)
