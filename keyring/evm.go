package keyring

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/orbitwallet/orbitd/werr"
)

// EVMNamespace is the CAIP-2 namespace of the EVM chain family.
const EVMNamespace = "eip155"

// evmCoinType is the BIP44 coin type registered for Ethereum.
const evmCoinType = 60

// EVMCodec implements the account format shared by all EVM chains:
// keccak256-derived 20-byte addresses and secp256k1 recoverable signatures.
type EVMCodec struct{}

// A compile-time check to ensure EVMCodec implements Codec.
var _ Codec = (*EVMCodec)(nil)

// Namespace returns "eip155".
func (EVMCodec) Namespace() string {
	return EVMNamespace
}

// CoinType returns 60.
func (EVMCodec) CoinType() uint32 {
	return evmCoinType
}

// AddressFromPubKey derives the canonical lower-case hex address: the last
// 20 bytes of keccak256 over the uncompressed public key sans prefix byte.
func (EVMCodec) AddressFromPubKey(pub *btcec.PublicKey) (string, error) {
	uncompressed := pub.SerializeUncompressed()

	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	digest := h.Sum(nil)

	return "0x" + hex.EncodeToString(digest[12:]), nil
}

// ValidateAddress accepts the canonical lower-case 0x-prefixed 20-byte hex
// form only.
func (EVMCodec) ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return werr.Newf(werr.ChainInvalidAddress,
			"not a 20-byte hex address: %q", addr)
	}
	hexPart := addr[2:]
	if _, err := hex.DecodeString(hexPart); err != nil {
		return werr.Newf(werr.ChainInvalidAddress,
			"not a 20-byte hex address: %q", addr)
	}
	if hexPart != strings.ToLower(hexPart) {
		return werr.Newf(werr.ChainInvalidAddress,
			"address not in canonical lower-case form: %q", addr)
	}
	return nil
}

// SignDigest produces a 65-byte [R || S || V] recoverable signature over the
// digest, V being the Ethereum-style 0/1 recovery id.
func (EVMCodec) SignDigest(priv *btcec.PrivateKey,
	digest []byte) ([]byte, error) {

	if len(digest) != 32 {
		return nil, werr.Newf(werr.RpcInvalidParams,
			"digest must be 32 bytes, got %d", len(digest))
	}

	// SignCompact returns [V || R || S] with the recovery id offset by
	// 27; rearrange into the Ethereum wire order.
	compact := ecdsa.SignCompact(priv, digest, false)

	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27

	return sig, nil
}

// ChecksumAddress renders a canonical address in its EIP-55 mixed-case
// display form.
func ChecksumAddress(addr string) (string, error) {
	if err := (EVMCodec{}).ValidateAddress(addr); err != nil {
		return "", err
	}
	hexPart := addr[2:]

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexPart))
	digest := h.Sum(nil)

	out := []byte(hexPart)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		// Uppercase when the corresponding checksum nibble >= 8.
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - ('a' - 'A')
		}
	}
	return "0x" + string(out), nil
}
