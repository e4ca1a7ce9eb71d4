// Package status maps the reconciler's last observation to the single
// user-facing status tuple polled by the status surface. The mapping is a
// pure derivation: there is no state here, so the status can never
// disagree with the reconciler.
package status

import "fmt"

// Kind is the user-facing status class.
type Kind string

const (
	KindBlocked     Kind = "blocked"
	KindWaiting     Kind = "waiting"
	KindMaintenance Kind = "maintenance"
	KindActive      Kind = "active"
)

// Common reasons surfaced in status messages. Reasons are concise and
// operator-actionable.
const (
	ReasonNotConfigured = "not yet configured"
	ReasonDatabaseNotUp = "database not ready"
	ReasonApplyingSpec  = "applying workload spec"
	ReasonWorkloadReady = "ready"
)

// Status is the tuple exposed to the external status viewer.
type Status struct {
	Kind    Kind
	Message string
}

func (s Status) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// Input is the slice of the reconciler's observation the derivation
// needs. Reason carries the stored human-readable reason verbatim for
// blocked and waiting states; LastApplyError is the text of the most
// recent runtime rejection, if any; Address is the externally reachable
// address once known.
type Input struct {
	Kind           Kind
	Reason         string
	LastApplyError string
	Address        string
}

// Derive computes the user-facing status from an observation. It is
// recomputed on every read rather than cached, so there is a single
// source of truth.
func Derive(in Input) Status {
	switch in.Kind {
	case KindBlocked, KindWaiting:
		return Status{Kind: in.Kind, Message: in.Reason}
	case KindMaintenance:
		msg := ReasonApplyingSpec
		if in.LastApplyError != "" {
			msg = FormatError(ReasonApplyingSpec+", last error", fmt.Errorf("%s", in.LastApplyError))
		}
		return Status{Kind: KindMaintenance, Message: msg}
	case KindActive:
		msg := ReasonWorkloadReady
		if in.Address != "" {
			msg = fmt.Sprintf("%s at %s", ReasonWorkloadReady, in.Address)
		}
		return Status{Kind: KindActive, Message: msg}
	default:
		return Status{Kind: KindWaiting, Message: ReasonNotConfigured}
	}
}

// FormatError formats an error for inclusion in a status message.
func FormatError(prefix string, err error) string {
	if err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}
