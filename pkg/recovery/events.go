package recovery

import (
	"context"
	"log/slog"

	"github.com/veilsafe/recoverd/pkg/types"
)

// Event is a protocol notification. Hosts subscribe through a Notifier;
// delivery happens after the triggering state change has committed.
type Event interface {
	eventName() string
}

// RecoveryConfigured signals that a recovery configuration was created.
type RecoveryConfigured struct {
	Protected types.Identity
}

// RecoveryInitiated signals that a rescuer opened a recovery attempt.
type RecoveryInitiated struct {
	Protected types.Identity
	Rescuer   types.Identity
}

// ApprovedRecovery signals that a friend vouched for a rescuer.
type ApprovedRecovery struct {
	Protected types.Identity
	Rescuer   types.Identity
	Approver  types.Identity
}

// AccountRecovered signals that a rescuer now holds a proxy for the
// protected account, whether by claim or by admin override.
type AccountRecovered struct {
	Protected types.Identity
	Rescuer   types.Identity
}

func (RecoveryConfigured) eventName() string { return "RecoveryConfigured" }
func (RecoveryInitiated) eventName() string  { return "RecoveryInitiated" }
func (ApprovedRecovery) eventName() string   { return "ApprovedRecovery" }
func (AccountRecovered) eventName() string   { return "AccountRecovered" }

// Notifier receives protocol events.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// slogNotifier is the default Notifier; it logs each event.
type slogNotifier struct {
	logger *slog.Logger
}

func (n slogNotifier) Notify(ctx context.Context, ev Event) {
	switch e := ev.(type) {
	case RecoveryConfigured:
		n.logger.InfoContext(ctx, "event", "name", e.eventName(), "protected", e.Protected)
	case RecoveryInitiated:
		n.logger.InfoContext(ctx, "event", "name", e.eventName(), "protected", e.Protected, "rescuer", e.Rescuer)
	case ApprovedRecovery:
		n.logger.InfoContext(ctx, "event", "name", e.eventName(), "protected", e.Protected, "rescuer", e.Rescuer, "approver", e.Approver)
	case AccountRecovered:
		n.logger.InfoContext(ctx, "event", "name", e.eventName(), "protected", e.Protected, "rescuer", e.Rescuer)
	}
}
