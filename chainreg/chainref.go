package chainreg

import (
	"regexp"
	"strings"

	"github.com/orbitwallet/orbitd/werr"
)

// A ChainRef is a CAIP-2 chain identifier of the form namespace:reference,
// e.g. "eip155:1" for Ethereum mainnet. The zero value is invalid.
type ChainRef struct {
	// Namespace identifies the chain family, e.g. "eip155".
	Namespace string

	// Reference identifies the chain within its family, e.g. "1".
	Reference string
}

// CAIP-2 grammar for the two identifier halves.
var (
	namespaceRE = regexp.MustCompile(`^[-a-z0-9]{3,8}$`)
	referenceRE = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,32}$`)
)

// ParseChainRef parses and validates a namespace:reference chain id.
func ParseChainRef(s string) (ChainRef, error) {
	namespace, reference, ok := strings.Cut(s, ":")
	if !ok {
		return ChainRef{}, werr.Newf(werr.ChainNotSupported,
			"malformed chain reference %q: want namespace:reference",
			s)
	}

	if !namespaceRE.MatchString(namespace) {
		return ChainRef{}, werr.Newf(werr.ChainNotSupported,
			"malformed chain namespace %q", namespace)
	}
	if !referenceRE.MatchString(reference) {
		return ChainRef{}, werr.Newf(werr.ChainNotSupported,
			"malformed chain reference %q", reference)
	}

	return ChainRef{Namespace: namespace, Reference: reference}, nil
}

// String reassembles the canonical namespace:reference form.
func (r ChainRef) String() string {
	return r.Namespace + ":" + r.Reference
}

// IsZero reports whether the ref is the invalid zero value.
func (r ChainRef) IsZero() bool {
	return r.Namespace == "" && r.Reference == ""
}
