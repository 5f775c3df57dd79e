// Package keyring owns the wallet's key sources and the accounts they
// produce. HD keyrings derive accounts deterministically from the vault's
// root secret; imported keyrings wrap a single private key stored sealed
// under the root secret. Private keys are reconstructed transiently for the
// duration of one signing or derivation call and zeroized immediately
// after; the package never persists plaintext key material.
package keyring

import (
	"fmt"
	"time"
)

// Kind partitions keyrings by how they produce accounts.
type Kind uint8

const (
	// KindHD is a hierarchical-deterministic keyring deriving accounts
	// from the vault's root secret.
	KindHD Kind = iota

	// KindImported is a single-account keyring wrapping an imported
	// private key.
	KindImported
)

// String returns the stable storage name for the kind.
func (k Kind) String() string {
	switch k {
	case KindHD:
		return "hd"
	case KindImported:
		return "private-key"
	default:
		return "unknown"
	}
}

// KindFromString parses a stored kind name.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "hd":
		return KindHD, nil
	case "private-key":
		return KindImported, nil
	default:
		return 0, fmt.Errorf("unknown keyring kind %q", s)
	}
}

// Account is one namespace-qualified account a keyring produced.
type Account struct {
	// ID is the namespace-qualified identity, namespace + ":" + the
	// canonical address. Qualification guarantees the same underlying
	// key cannot collide across namespaces.
	ID string

	// KeyringID names the producing keyring.
	KeyringID string

	// Namespace is the chain namespace the account lives in.
	Namespace string

	// Address is the canonical address within the namespace.
	Address string

	// Index is the HD derivation index, zero for imported accounts.
	Index uint32

	CreatedAt time.Time
}

// AccountID builds the namespace-qualified account id.
func AccountID(namespace, address string) string {
	return namespace + ":" + address
}

// Info describes one keyring and its accounts for listing surfaces.
type Info struct {
	ID        string
	Kind      Kind
	Namespace string
	Accounts  []Account
}
