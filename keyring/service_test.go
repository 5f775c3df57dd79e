package keyring

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

var (
	testPassword = []byte("correct horse")
	testSeed     = []byte("test-root-secret-0123456789abcdef")
)

type testHarness struct {
	vault   *vault.Vault
	service *Service
	stores  *memstore.Stores
	revoked [][]string
}

// newHarness builds an unlocked vault and a keyring service over in-memory
// ports.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{stores: memstore.New()}

	h.vault = vault.New(vault.Config{Iterations: vault.MinIterations})
	_, err := h.vault.Initialize(
		context.Background(), testPassword, fn.Some(testSeed),
	)
	require.NoError(t, err)

	codecs, err := NewCodecRegistry(EVMCodec{})
	require.NoError(t, err)

	h.service = NewService(Config{
		Vault:    h.vault,
		Codecs:   codecs,
		Metas:    h.stores.KeyringMetas,
		Accounts: h.stores.Accounts,
		RevokeAccounts: func(_ context.Context,
			ids []string) error {

			h.revoked = append(h.revoked, ids)
			return nil
		},
	})
	require.NoError(t, h.service.Start(context.Background()))

	return h
}

// TestDeriveDeterministic asserts HD derivation is a pure function of the
// seed: a fresh service over the same vault secret produces the same
// account at index 0.
func TestDeriveDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	h1 := newHarness(t)
	id1, err := h1.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct1, err := h1.service.DeriveAccount(ctx, id1)
	require.NoError(t, err)

	h2 := newHarness(t)
	id2, err := h2.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct2, err := h2.service.DeriveAccount(ctx, id2)
	require.NoError(t, err)

	require.Equal(t, acct1.Address, acct2.Address)
	require.Equal(t, EVMNamespace+":"+acct1.Address, acct1.ID)
	require.NoError(t, EVMCodec{}.ValidateAddress(acct1.Address))
}

// TestDeriveAdvancesIndex asserts successive derivations use successive
// indexes and produce distinct accounts.
func TestDeriveAdvancesIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)

	a0, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)
	a1, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)

	require.Equal(t, uint32(0), a0.Index)
	require.Equal(t, uint32(1), a1.Index)
	require.NotEqual(t, a0.Address, a1.Address)
}

// TestSecondHDKeyringDisjoint asserts two HD keyrings in the same namespace
// occupy disjoint derivation spaces.
func TestSecondHDKeyringDisjoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	idA, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	idB, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)

	a, err := h.service.DeriveAccount(ctx, idA)
	require.NoError(t, err)
	b, err := h.service.DeriveAccount(ctx, idB)
	require.NoError(t, err)

	require.NotEqual(t, a.Address, b.Address)
}

// TestSignRequiresUnlockedVault asserts signing while locked fails with
// VaultLocked.
func TestSignRequiresUnlockedVault(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)

	h.vault.Lock()

	digest := make([]byte, 32)
	_, err = h.service.SignDigest(ctx, acct.ID, digest)
	require.True(t, werr.HasReason(err, werr.VaultLocked))
}

// TestSignProducesRecoverableSignature asserts the EVM signature shape.
func TestSignProducesRecoverableSignature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}

	sig, err := h.service.SignDigest(ctx, acct.ID, digest)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.LessOrEqual(t, sig[64], byte(1))

	// Same digest, same key, deterministic nonce: same signature.
	sig2, err := h.service.SignDigest(ctx, acct.ID, digest)
	require.NoError(t, err)
	require.Equal(t, sig, sig2)
}

// TestImportPrivateKey asserts import creates a single-account keyring that
// can sign, and rejects a duplicate of the same key.
func TestImportPrivateKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	key, err := hex.DecodeString(
		"4c0883a69102937d6231471b5dbb6204fe512961708279c2e1e6f2e8a4c0f7f6",
	)
	require.NoError(t, err)

	acct, err := h.service.ImportPrivateKey(ctx, EVMNamespace, key)
	require.NoError(t, err)
	require.NoError(t, EVMCodec{}.ValidateAddress(acct.Address))

	sig, err := h.service.SignDigest(ctx, acct.ID, make([]byte, 32))
	require.NoError(t, err)
	require.Len(t, sig, 65)

	_, err = h.service.ImportPrivateKey(ctx, EVMNamespace, key)
	require.ErrorIs(t, err, ErrDuplicateAccount)
}

// TestRemoveKeyringCascades asserts removal deletes accounts and invokes
// the permission revoker with the removed ids.
func TestRemoveKeyringCascades(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.service.RemoveKeyring(ctx, id))

	require.Empty(t, h.service.ListAccounts())
	require.Len(t, h.revoked, 1)
	require.Equal(t, []string{acct.ID}, h.revoked[0])

	_, err = h.service.LookupAccount(acct.ID)
	require.True(t, werr.HasReason(err, werr.AccountNotFound))
}

// TestStartRestoresState asserts a restarted service sees persisted
// keyrings and accounts.
func TestStartRestoresState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)

	id, err := h.service.CreateHDKeyring(ctx, EVMNamespace)
	require.NoError(t, err)
	acct, err := h.service.DeriveAccount(ctx, id)
	require.NoError(t, err)

	codecs, err := NewCodecRegistry(EVMCodec{})
	require.NoError(t, err)
	restarted := NewService(Config{
		Vault:    h.vault,
		Codecs:   codecs,
		Metas:    h.stores.KeyringMetas,
		Accounts: h.stores.Accounts,
	})
	require.NoError(t, restarted.Start(ctx))

	accounts := restarted.ListAccounts()
	require.Len(t, accounts, 1)
	require.Equal(t, acct.ID, accounts[0].ID)

	// The restored keyring continues derivation at the next index.
	next, err := restarted.DeriveAccount(ctx, id)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next.Index)
}

// TestUnknownNamespaceRejected asserts namespace resolution failures carry
// ChainNotSupported.
func TestUnknownNamespaceRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.service.CreateHDKeyring(context.Background(), "cosmos")
	require.True(t, werr.HasReason(err, werr.ChainNotSupported))
}
