package txmgr

import (
	"github.com/orbitwallet/orbitd/werr"
)

// Status is a transaction's position in its lifecycle.
type Status uint8

const (
	// StatusDraft is a transaction that has been built but not signed.
	// Drafts live in memory only.
	StatusDraft Status = iota

	// StatusSigned is a transaction carrying a valid signature that has
	// not reached the chain yet. Signed is the retry point for broadcast
	// failures that do not condemn the transaction itself.
	StatusSigned

	// StatusSubmitted is a transaction the chain has accepted for
	// inclusion. Its hash is known.
	StatusSubmitted

	// StatusConfirmed is a terminal state: the chain included the
	// transaction.
	StatusConfirmed

	// StatusFailed is a terminal state: the transaction itself was
	// rejected as invalid.
	StatusFailed

	// StatusDropped is a terminal state: the chain forgot the
	// transaction without including it.
	StatusDropped
)

// String returns the stable name for the status. These names are what the
// persistence layer stores.
func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusSigned:
		return "signed"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is legal from s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ParseStatus maps a stored status name back to its enum value.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "draft":
		return StatusDraft, nil
	case "signed":
		return StatusSigned, nil
	case "submitted":
		return StatusSubmitted, nil
	case "confirmed":
		return StatusConfirmed, nil
	case "failed":
		return StatusFailed, nil
	case "dropped":
		return StatusDropped, nil
	default:
		return 0, werr.Newf(werr.TxInvalidTransition,
			"unknown transaction status %q", s)
	}
}

// transitions is the single source of truth for legal status changes. A
// status missing from the map, or mapped to an empty set, is terminal.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusSigned},
	StatusSigned:    {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusDropped},
}

// checkTransition returns nil when from→to is in the transition table, and a
// TxInvalidTransition error naming the pair otherwise.
func checkTransition(from, to Status) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}

	return werr.Newf(werr.TxInvalidTransition,
		"illegal transaction transition %v -> %v", from, to)
}
