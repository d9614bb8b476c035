package recovery

import (
	"context"
	"crypto/ed25519"

	"github.com/veilsafe/recoverd/pkg/types"
)

// Call is an opaque, previously-validated action with a declared execution
// cost. The service never interprets a call; it only checks authorization and
// forwards it.
type Call interface {
	Cost() uint64
}

// Dispatcher executes forwarded calls under a given origin. The host ledger's
// dispatch engine implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, origin types.Origin, call Call) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, origin types.Origin, call Call) error

func (f DispatcherFunc) Dispatch(ctx context.Context, origin types.Origin, call Call) error {
	return f(ctx, origin, call)
}

// ForwardBaseCost is the fixed surcharge added to a forwarded call's own
// declared cost.
const ForwardBaseCost uint64 = 10_000

// ForwardCost returns the declared cost of forwarding a call.
func ForwardCost(call Call) uint64 {
	return call.Cost() + ForwardBaseCost
}

// Clock supplies monotonic logical time. Hosts embedding the service provide
// block height or another logical unit; the daemon defaults to wall-clock
// seconds.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 {
	return f()
}

// SignatureVerifier checks that an approver signed a message. The default
// implementation verifies Ed25519 signatures with the approver's identity as
// the public key.
type SignatureVerifier interface {
	Verify(approver types.Identity, message []byte, sig types.Signature) bool
}

type ed25519Verifier struct{}

func (ed25519Verifier) Verify(approver types.Identity, message []byte, sig types.Signature) bool {
	return ed25519.Verify(approver.PublicKey(), message, sig[:])
}

// ApprovalMessage returns the message a friend signs to approve a rescuer.
// Binding the signature to the rescuer identity prevents replaying the
// approval against a different claimant.
func ApprovalMessage(rescuer types.Identity) []byte {
	msg := make([]byte, types.IdentitySize)
	copy(msg, rescuer[:])
	return msg
}
