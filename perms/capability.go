package perms

import (
	"fmt"
	"strings"
)

// Capability is one grantable permission scope. The declaration order below
// is the canonical ordering: every serialized or compared capability set
// lists members in this order, so two sets with the same members always
// compare and display identically regardless of grant order.
type Capability uint8

const (
	// CapConnect allows an origin a basic session with the wallet.
	CapConnect Capability = iota

	// CapReadAccounts allows reading the permitted account list.
	CapReadAccounts

	// CapSign allows requesting signatures from permitted accounts.
	CapSign

	// CapSendTransaction allows submitting transactions from permitted
	// accounts.
	CapSendTransaction

	// numCapabilities bounds the closed set.
	numCapabilities
)

// String returns the stable wire name of the capability.
func (c Capability) String() string {
	switch c {
	case CapConnect:
		return "connect"
	case CapReadAccounts:
		return "read_accounts"
	case CapSign:
		return "sign"
	case CapSendTransaction:
		return "send_transaction"
	default:
		return "unknown"
	}
}

// ParseCapability parses a wire name back into a capability.
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "connect":
		return CapConnect, nil
	case "read_accounts":
		return CapReadAccounts, nil
	case "sign":
		return CapSign, nil
	case "send_transaction":
		return CapSendTransaction, nil
	default:
		return 0, fmt.Errorf("unknown capability %q", s)
	}
}

// CapabilitySet is a set over the closed capability space. The bitmask
// representation makes canonical ordering free: iteration always runs in
// declaration order.
type CapabilitySet uint8

// NewCapabilitySet builds a set from the given members.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= 1 << c
	}
	return s
}

// ParseCapabilitySet parses a slice of wire names.
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, name := range names {
		c, err := ParseCapability(name)
		if err != nil {
			return 0, err
		}
		s |= 1 << c
	}
	return s, nil
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool {
	return s&(1<<c) != 0
}

// Union returns the set holding the members of both sets.
func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	return s | other
}

// IsEmpty reports whether the set has no members.
func (s CapabilitySet) IsEmpty() bool {
	return s == 0
}

// Slice returns the members in canonical order.
func (s CapabilitySet) Slice() []Capability {
	var out []Capability
	for c := Capability(0); c < numCapabilities; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Strings returns the wire names in canonical order.
func (s CapabilitySet) Strings() []string {
	caps := s.Slice()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

// String renders the set in canonical order.
func (s CapabilitySet) String() string {
	return strings.Join(s.Strings(), ",")
}
