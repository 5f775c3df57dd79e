package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/orbitwallet/orbitd/werr"
)

// Codec binds a chain namespace to its account format: how a public key
// becomes a canonical address, how addresses are validated, which BIP44
// coin type HD derivation uses, and how a digest is signed in the
// namespace's signature format.
type Codec interface {
	// Namespace returns the CAIP-2 namespace this codec serves.
	Namespace() string

	// CoinType returns the BIP44 coin type used in HD paths.
	CoinType() uint32

	// AddressFromPubKey returns the namespace's canonical address for
	// the given public key. Canonical means the form used for account
	// identity, not display.
	AddressFromPubKey(pub *btcec.PublicKey) (string, error)

	// ValidateAddress checks an address against the canonical form,
	// failing with ChainInvalidAddress.
	ValidateAddress(addr string) error

	// SignDigest signs a 32-byte digest with the private key in the
	// namespace's wire signature format.
	SignDigest(priv *btcec.PrivateKey, digest []byte) ([]byte, error)
}

// CodecRegistry is the explicit, startup-time set of supported namespaces.
// It is constructed once and passed by reference wherever namespace
// resolution is needed; there is no global mutable registration.
type CodecRegistry struct {
	codecs map[string]Codec
}

// NewCodecRegistry builds a registry from the given codecs. Duplicate
// namespaces are a programming error.
func NewCodecRegistry(codecs ...Codec) (*CodecRegistry, error) {
	r := &CodecRegistry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		ns := c.Namespace()
		if _, ok := r.codecs[ns]; ok {
			return nil, fmt.Errorf("codec for namespace %s "+
				"registered twice", ns)
		}
		r.codecs[ns] = c
	}
	return r, nil
}

// Lookup resolves the codec for a namespace, failing with
// ChainNotSupported for unknown ones.
func (r *CodecRegistry) Lookup(namespace string) (Codec, error) {
	c, ok := r.codecs[namespace]
	if !ok {
		return nil, werr.Newf(werr.ChainNotSupported,
			"no codec for namespace %q", namespace)
	}
	return c, nil
}

// Namespaces returns the supported namespace set.
func (r *CodecRegistry) Namespaces() []string {
	out := make([]string, 0, len(r.codecs))
	for ns := range r.codecs {
		out = append(out, ns)
	}
	return out
}
