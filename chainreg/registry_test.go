package chainreg

import (
	"context"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/werr"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T, stores *memstore.Stores,
	bus *msgbus.Bus) *Registry {

	t.Helper()

	var messenger msgbus.Messenger
	if bus != nil {
		messenger = bus
	}

	r := NewRegistry(Config{
		Store:     stores.Chains,
		Prefs:     stores.NetworkPrefs,
		Messenger: messenger,
		Clock:     clock.NewTestClock(testTime),
	})
	require.NoError(t, r.Start(context.Background()))

	return r
}

// TestParseChainRef asserts the CAIP-2 grammar is enforced.
func TestParseChainRef(t *testing.T) {
	t.Parallel()

	ref, err := ParseChainRef("eip155:1")
	require.NoError(t, err)
	require.Equal(t, "eip155", ref.Namespace)
	require.Equal(t, "1", ref.Reference)
	require.Equal(t, "eip155:1", ref.String())

	for _, bad := range []string{
		"",
		"eip155",
		"eip155:",
		":1",
		"EIP155:1",
		"ei:1",
		"eip155:has spaces",
		"toolongnamespace:1",
	} {
		_, err := ParseChainRef(bad)
		require.ErrorIsf(t, err, werr.New(werr.ChainNotSupported, ""),
			"input %q", bad)
	}
}

// TestPutGetRoundTrip asserts entities survive Put/Get and persist across a
// registry restart.
func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memstore.New()
	r := testRegistry(t, stores, nil)

	require.NoError(t, r.PutMany(ctx, DefaultChains()))

	got, err := r.Get(EthereumMainnet)
	require.NoError(t, err)
	require.Equal(t, "Ethereum Mainnet", got.Metadata.Name)
	require.Equal(t, SchemaVersion, got.SchemaVersion)
	require.Equal(t, testTime, got.UpdatedAt)

	_, err = r.Get(ChainRef{Namespace: "eip155", Reference: "999"})
	require.ErrorIs(t, err, werr.New(werr.ChainNotSupported, ""))

	// GetAll comes back ordered by reference.
	all := r.GetAll()
	require.Len(t, all, 2)
	require.Equal(t, EthereumMainnet, all[0].Ref)
	require.Equal(t, EthereumSepolia, all[1].Ref)

	// A second registry over the same store sees the same entries.
	restarted := testRegistry(t, stores, nil)
	require.Len(t, restarted.GetAll(), 2)
}

// TestPutEnforcesMetadataInvariant asserts the metadata self-fields must
// match the entity's identity.
func TestPutEnforcesMetadataInvariant(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := testRegistry(t, memstore.New(), nil)

	entity := DefaultChains()[0]
	entity.Metadata.ChainRef = "eip155:2"
	require.ErrorIs(t, r.Put(ctx, entity),
		werr.New(werr.ChainNotSupported, ""))

	entity = DefaultChains()[0]
	entity.Metadata.Namespace = "solana"
	require.ErrorIs(t, r.Put(ctx, entity),
		werr.New(werr.ChainNotSupported, ""))

	entity = DefaultChains()[0]
	entity.Metadata.RpcURLs = nil
	require.ErrorIs(t, r.Put(ctx, entity),
		werr.New(werr.ChainNotSupported, ""))

	// A bad entry in a batch fails the whole batch.
	good := DefaultChains()
	bad := DefaultChains()[1]
	bad.Namespace = "mismatch"
	require.Error(t, r.PutMany(ctx, append(good, bad)))
	require.Empty(t, r.GetAll())
}

// TestActiveChainLifecycle asserts selection requires a registered chain,
// publishes on change only, persists across restart, and clears on delete.
func TestActiveChainLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memstore.New()

	bus := msgbus.NewBus(nil)
	defer bus.Stop()
	require.NoError(t, msgbus.RegisterTopic(bus, TopicActiveChain))

	r := testRegistry(t, stores, bus)
	require.NoError(t, r.PutMany(ctx, DefaultChains()))

	sub, err := msgbus.Subscribe(bus, TopicActiveChain)
	require.NoError(t, err)
	defer sub.Cancel()

	// No selection yet.
	_, err = r.ActiveChain()
	require.ErrorIs(t, err, werr.New(werr.ChainNotSupported, ""))

	// Unknown chains cannot be selected.
	require.ErrorIs(t,
		r.SetActiveChain(ctx, ChainRef{
			Namespace: "eip155", Reference: "999",
		}),
		werr.New(werr.ChainNotSupported, ""),
	)

	require.NoError(t, r.SetActiveChain(ctx, EthereumMainnet))

	select {
	case entity := <-sub.Updates():
		require.Equal(t, EthereumMainnet, entity.Ref)

	case <-time.After(time.Second):
		t.Fatal("no active chain update")
	}

	// Re-selecting the active chain publishes nothing.
	require.NoError(t, r.SetActiveChain(ctx, EthereumMainnet))
	select {
	case <-sub.Updates():
		t.Fatal("unexpected update for a no-op switch")

	case <-time.After(50 * time.Millisecond):
	}

	// The selection survives a restart.
	restarted := testRegistry(t, stores, nil)
	active, err := restarted.ActiveChain()
	require.NoError(t, err)
	require.Equal(t, EthereumMainnet, active.Ref)

	// Deleting the active chain clears the selection.
	require.NoError(t, r.Delete(ctx, EthereumMainnet))
	_, err = r.ActiveChain()
	require.ErrorIs(t, err, werr.New(werr.ChainNotSupported, ""))
}
