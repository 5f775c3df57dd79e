package attention

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/werr"
)

var testTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testQueue(t *testing.T, bus *msgbus.Bus) (*Queue, *clock.TestClock) {
	t.Helper()

	var messenger msgbus.Messenger
	if bus != nil {
		require.NoError(t, msgbus.RegisterTopic(bus, TopicQueueChanged))
		messenger = bus
	}

	c := clock.NewTestClock(testTime)
	q := NewQueue(Config{
		Clock:     c,
		Messenger: messenger,
	})

	return q, c
}

// TestEnqueueIdempotent asserts that a second request with the same reason,
// origin and method returns the existing entry unchanged.
func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, nil)

	p := Params{
		Reason: ReasonConnect,
		Origin: "https://dapp.example",
		Method: "wallet_requestPermissions",
	}

	first, isNew, snapshot := q.RequestAttention(p)
	require.True(t, isNew)
	require.Len(t, snapshot, 1)
	require.NotEmpty(t, first.ID)
	require.Equal(t, testTime, first.RequestedAt)
	require.Equal(t, testTime.Add(DefaultTTL), first.ExpiresAt)

	second, isNew, snapshot := q.RequestAttention(p)
	require.False(t, isNew)
	require.Len(t, snapshot, 1)
	require.Equal(t, first.ID, second.ID)

	// A different method is a distinct entry.
	p.Method = "eth_sendTransaction"
	p.Reason = ReasonTransaction
	third, isNew, snapshot := q.RequestAttention(p)
	require.True(t, isNew)
	require.Len(t, snapshot, 2)
	require.NotEqual(t, first.ID, third.ID)
}

// TestDismissWakesWaiterWithRejection asserts dismissal delivers
// RpcUserRejected to a suspended waiter and removes the entry.
func TestDismissWakesWaiterWithRejection(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, nil)

	req, _, _ := q.RequestAttention(Params{
		Reason: ReasonSignature,
		Origin: "https://dapp.example",
		Method: "personal_sign",
	})

	ch, err := q.AwaitResolution(req.ID)
	require.NoError(t, err)

	require.NoError(t, q.Dismiss(req.ID))

	select {
	case result := <-ch:
		require.ErrorIs(t, result, werr.New(werr.RpcUserRejected, ""))

	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	require.Empty(t, q.Snapshot())

	// The entry is gone, so a second dismissal fails.
	require.ErrorIs(t, q.Dismiss(req.ID),
		werr.New(werr.AttentionExpired, ""))
}

// TestApproveWakesWaiterWithNil asserts approval delivers a nil error.
func TestApproveWakesWaiterWithNil(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, nil)

	req, _, _ := q.RequestAttention(Params{Reason: ReasonUnlock})

	ch, err := q.AwaitResolution(req.ID)
	require.NoError(t, err)

	require.NoError(t, q.Approve(req.ID))

	select {
	case result := <-ch:
		require.NoError(t, result)

	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

// TestExpiryWakesWaiterWithTimeout asserts an entry past its deadline is
// purged lazily and its waiter receives RpcRequestExpired, not a plain
// rejection.
func TestExpiryWakesWaiterWithTimeout(t *testing.T) {
	t.Parallel()

	q, c := testQueue(t, nil)

	req, _, _ := q.RequestAttention(Params{
		Reason: ReasonUnlock,
		TTL:    time.Minute,
	})

	ch, err := q.AwaitResolution(req.ID)
	require.NoError(t, err)

	// One second short of the deadline nothing happens.
	c.SetTime(testTime.Add(time.Minute - time.Second))
	require.Len(t, q.ClearExpired(), 1)

	c.SetTime(testTime.Add(time.Minute))
	require.Empty(t, q.ClearExpired())

	select {
	case result := <-ch:
		require.ErrorIs(t, result, werr.New(werr.RpcRequestExpired, ""))

	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

// TestExpiredEntryNotDeduplicated asserts an expired entry does not satisfy
// the idempotency check: a fresh request after expiry gets a new entry.
func TestExpiredEntryNotDeduplicated(t *testing.T) {
	t.Parallel()

	q, c := testQueue(t, nil)

	p := Params{Reason: ReasonConnect, Origin: "https://dapp.example"}

	first, isNew, _ := q.RequestAttention(p)
	require.True(t, isNew)

	c.SetTime(testTime.Add(DefaultTTL))

	second, isNew, snapshot := q.RequestAttention(p)
	require.True(t, isNew)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, snapshot, 1)
}

// TestAwaitUnknownID asserts registering a waiter on a resolved or unknown
// entry fails immediately.
func TestAwaitUnknownID(t *testing.T) {
	t.Parallel()

	q, _ := testQueue(t, nil)

	_, err := q.AwaitResolution("no-such-id")
	require.ErrorIs(t, err, werr.New(werr.AttentionExpired, ""))
}

// TestSnapshotPublishedOnChange asserts queue mutations publish the full
// snapshot on the state topic, and that no publish happens when ClearExpired
// removes nothing.
func TestSnapshotPublishedOnChange(t *testing.T) {
	t.Parallel()

	bus := msgbus.NewBus(nil)
	defer bus.Stop()

	q, c := testQueue(t, bus)

	sub, err := msgbus.Subscribe(bus, TopicQueueChanged)
	require.NoError(t, err)
	defer sub.Cancel()

	req, _, _ := q.RequestAttention(Params{Reason: ReasonUnlock})

	select {
	case snapshot := <-sub.Updates():
		require.Len(t, snapshot, 1)
		require.Equal(t, req.ID, snapshot[0].ID)

	case <-time.After(time.Second):
		t.Fatal("no snapshot after enqueue")
	}

	// Nothing expired, nothing published.
	q.ClearExpired()
	select {
	case <-sub.Updates():
		t.Fatal("unexpected snapshot for a no-op purge")

	case <-time.After(50 * time.Millisecond):
	}

	c.SetTime(testTime.Add(DefaultTTL))
	q.ClearExpired()

	select {
	case snapshot := <-sub.Updates():
		require.Empty(t, snapshot)

	case <-time.After(time.Second):
		t.Fatal("no snapshot after purge")
	}
}

// TestSnapshotOrderedByEnqueueTime asserts snapshots come back oldest first.
func TestSnapshotOrderedByEnqueueTime(t *testing.T) {
	t.Parallel()

	q, c := testQueue(t, nil)

	first, _, _ := q.RequestAttention(Params{Reason: ReasonUnlock})

	c.SetTime(testTime.Add(time.Second))
	second, _, _ := q.RequestAttention(Params{
		Reason: ReasonConnect,
		Origin: "https://dapp.example",
	})

	snapshot := q.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, first.ID, snapshot[0].ID)
	require.Equal(t, second.ID, snapshot[1].ID)
}
