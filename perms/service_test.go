package perms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/werr"
)

const (
	testOrigin    = "https://dapp.example"
	testNamespace = "eip155"
)

func testService(t *testing.T, bus *msgbus.Bus) *Service {
	t.Helper()

	var messenger msgbus.Messenger
	if bus != nil {
		require.NoError(t, msgbus.RegisterTopic(bus, TopicOriginChanged))
		require.NoError(t, msgbus.RegisterTopic(bus, TopicGrantsChanged))
		messenger = bus
	}

	svc := NewService(Config{
		Store:     memstore.New().Permissions,
		Messenger: messenger,
	})
	require.NoError(t, svc.Start(context.Background()))
	return svc
}

// TestGrantThenQuery asserts GetPermittedAccounts returns exactly the most
// recently granted account set.
func TestGrantThenQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := testService(t, nil)

	caps := NewCapabilitySet(CapConnect, CapReadAccounts)
	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace, caps,
		[]string{"eip155:0xbb", "eip155:0xaa"},
	))

	// Accounts come back canonically sorted.
	require.Equal(t,
		[]string{"eip155:0xaa", "eip155:0xbb"},
		svc.GetPermittedAccounts(testOrigin, testNamespace),
	)

	// A regrant replaces, never merges.
	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace, caps, []string{"eip155:0xcc"},
	))
	require.Equal(t,
		[]string{"eip155:0xcc"},
		svc.GetPermittedAccounts(testOrigin, testNamespace),
	)
}

// TestAbsenceMeansNoAccess asserts an unknown origin gets nothing and fails
// capability checks with PermissionDenied.
func TestAbsenceMeansNoAccess(t *testing.T) {
	t.Parallel()

	svc := testService(t, nil)

	require.Nil(t, svc.GetPermittedAccounts("https://evil.example",
		testNamespace))

	err := svc.Check("https://evil.example", testNamespace,
		CapReadAccounts)
	require.True(t, werr.HasReason(err, werr.PermissionDenied))
}

// TestRevokeDeniesEverything asserts revoke followed by any check returns
// empty/denied.
func TestRevokeDeniesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := testService(t, nil)

	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace,
		NewCapabilitySet(CapConnect, CapSign), []string{"eip155:0xaa"},
	))
	require.NoError(t, svc.Check(testOrigin, testNamespace, CapSign))

	require.NoError(t, svc.Revoke(ctx, testOrigin, fn.None[string]()))

	require.Nil(t, svc.GetPermittedAccounts(testOrigin, testNamespace))
	err := svc.Check(testOrigin, testNamespace, CapConnect)
	require.True(t, werr.HasReason(err, werr.PermissionDenied))
	require.Empty(t, svc.ListGrants(testOrigin))
}

// TestRevokeSingleNamespace asserts a namespaced revoke leaves other
// namespaces intact.
func TestRevokeSingleNamespace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := testService(t, nil)

	caps := NewCapabilitySet(CapConnect)
	require.NoError(t, svc.Grant(ctx, testOrigin, "eip155", caps, nil))
	require.NoError(t, svc.Grant(ctx, testOrigin, "solana", caps, nil))

	require.NoError(t, svc.Revoke(ctx, testOrigin, fn.Some("eip155")))

	grants := svc.ListGrants(testOrigin)
	require.Len(t, grants, 1)
	require.Equal(t, "solana", grants[0].Namespace)
}

// TestCanonicalCapabilityOrder asserts two sets with the same members
// serialize identically regardless of construction order.
func TestCanonicalCapabilityOrder(t *testing.T) {
	t.Parallel()

	a := NewCapabilitySet(CapSendTransaction, CapConnect, CapSign)
	b := NewCapabilitySet(CapSign, CapConnect, CapSendTransaction)

	require.Equal(t, a, b)
	require.Equal(t, "connect,sign,send_transaction", a.String())
	require.Equal(t, a.Strings(), b.Strings())
}

// TestMutationsBroadcast asserts grant mutations publish both the origin
// event and the deduplicated snapshot.
func TestMutationsBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := msgbus.NewBus(nil)
	defer bus.Stop()

	svc := testService(t, bus)

	events, err := msgbus.Subscribe(bus, TopicOriginChanged)
	require.NoError(t, err)
	snapshots, err := msgbus.Subscribe(bus, TopicGrantsChanged)
	require.NoError(t, err)

	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace, NewCapabilitySet(CapConnect),
		nil,
	))

	select {
	case change := <-events.Updates():
		require.Equal(t, testOrigin, change.Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("no origin change published")
	}

	select {
	case snap := <-snapshots.Updates():
		require.Len(t, snap, 1)
		require.Equal(t, testOrigin, snap[0].Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published")
	}
}

// TestRevokeAccountsStripsGrants asserts the keyring-removal cascade strips
// deleted accounts out of every grant naming them.
func TestRevokeAccountsStripsGrants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := testService(t, nil)

	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace,
		NewCapabilitySet(CapReadAccounts),
		[]string{"eip155:0xaa", "eip155:0xbb"},
	))

	require.NoError(t, svc.RevokeAccounts(ctx, []string{"eip155:0xaa"}))

	require.Equal(t,
		[]string{"eip155:0xbb"},
		svc.GetPermittedAccounts(testOrigin, testNamespace),
	)
}

// TestStartRestoresGrants asserts grants survive a service restart through
// the Permissions port.
func TestStartRestoresGrants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New().Permissions

	svc1 := NewService(Config{Store: store})
	require.NoError(t, svc1.Start(ctx))
	require.NoError(t, svc1.Grant(
		ctx, testOrigin, testNamespace, NewCapabilitySet(CapSign),
		[]string{"eip155:0xaa"},
	))

	svc2 := NewService(Config{Store: store})
	require.NoError(t, svc2.Start(ctx))

	require.NoError(t, svc2.Check(testOrigin, testNamespace, CapSign))
	require.Equal(t,
		[]string{"eip155:0xaa"},
		svc2.GetPermittedAccounts(testOrigin, testNamespace),
	)
}

// failingRemoveStore wraps a Permissions port whose Remove always fails.
type failingRemoveStore struct {
	ports.Permissions
}

func (s *failingRemoveStore) Remove(context.Context, string, string) error {
	return errors.New("port write failed")
}

// TestRevokePersistsBeforeForgetting asserts a failed port removal leaves
// the grant visible in memory and in the port, so memory and a restarted
// service never disagree about a revocation.
func TestRevokePersistsBeforeForgetting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &failingRemoveStore{Permissions: memstore.New().Permissions}

	svc := NewService(Config{Store: store})
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Grant(
		ctx, testOrigin, testNamespace, NewCapabilitySet(CapConnect),
		[]string{"eip155:0xaa"},
	))

	require.Error(t, svc.Revoke(ctx, testOrigin, fn.None[string]()))

	// The failed revoke changed nothing in memory.
	require.NoError(t, svc.Check(testOrigin, testNamespace, CapConnect))

	// A service restarted from the same port agrees.
	svc2 := NewService(Config{Store: store.Permissions})
	require.NoError(t, svc2.Start(ctx))
	require.NoError(t, svc2.Check(testOrigin, testNamespace, CapConnect))
}

// TestUnion asserts widening a set never drops members.
func TestUnion(t *testing.T) {
	t.Parallel()

	base := NewCapabilitySet(CapConnect, CapReadAccounts)
	widened := base.Union(NewCapabilitySet(CapSign))

	require.True(t, widened.Has(CapConnect))
	require.True(t, widened.Has(CapReadAccounts))
	require.True(t, widened.Has(CapSign))
	require.False(t, widened.Has(CapSendTransaction))
}
