package rpcengine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

const testOrigin = "https://dapp.example"

// fakeVault reports a scripted lock state.
type fakeVault struct {
	mu       sync.Mutex
	unlocked bool
}

func (v *fakeVault) GetStatus() vault.Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	return vault.Status{Unlocked: v.unlocked, HasCiphertext: true}
}

func (v *fakeVault) setUnlocked(unlocked bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.unlocked = unlocked
}

// fakePerms allows scripted (origin, capability) pairs.
type fakePerms struct {
	allowed map[perms.Capability]bool
}

func (p *fakePerms) Check(origin, namespace string,
	c perms.Capability) error {

	if p.allowed[c] {
		return nil
	}
	return werr.Newf(werr.PermissionDenied,
		"origin %s lacks %v on %s", origin, c, namespace)
}

// codeProtocol formats errors as bare reason codes so tests can assert on
// the mapped reason without an opinionated namespace scheme.
type codeProtocol struct{}

func (codeProtocol) WireError(err error) *WireError {
	return &WireError{
		Code:    int(werr.ReasonOf(err)),
		Message: err.Error(),
	}
}

// fakeChainClient records passthrough calls.
type fakeChainClient struct {
	mu    sync.Mutex
	calls []string
}

func (c *fakeChainClient) Call(_ context.Context, _ *chainreg.ChainEntity,
	method string, _ json.RawMessage) (json.RawMessage, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, method)
	return json.RawMessage(`"0x0"`), nil
}

type engineHarness struct {
	engine    *Engine
	vault     *fakeVault
	perms     *fakePerms
	attention *attention.Queue
	client    *fakeChainClient
	handled   *int
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	stores := memstore.New()
	chains := chainreg.NewRegistry(chainreg.Config{
		Store: stores.Chains,
		Prefs: stores.NetworkPrefs,
	})
	ctx := context.Background()
	require.NoError(t, chains.Start(ctx))
	require.NoError(t, chains.PutMany(ctx, chainreg.DefaultChains()))
	require.NoError(t, chains.SetActiveChain(
		ctx, chainreg.EthereumMainnet,
	))

	queue := attention.NewQueue(attention.Config{
		Clock: clock.NewDefaultClock(),
	})

	fv := &fakeVault{}
	fp := &fakePerms{allowed: map[perms.Capability]bool{}}
	client := &fakeChainClient{}
	handled := 0

	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(&Adapter{
		Namespace: "eip155",
		Prefixes:  []string{"eth_", "test_"},
		Methods: map[string]*MethodDef{
			"test_open": {
				Name:       "test_open",
				LockPolicy: AllowWhenLocked,
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					handled++
					return json.RawMessage(`"open"`), nil
				},
			},
			"test_locked": {
				Name:       "test_locked",
				LockPolicy: RequireUnlocked,
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					handled++
					return json.RawMessage(`"ok"`), nil
				},
			},
			"test_prompt": {
				Name:       "test_prompt",
				LockPolicy: RequestUnlockThenAllow,
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					handled++
					return json.RawMessage(`"ok"`), nil
				},
			},
			"test_scoped": {
				Name:       "test_scoped",
				Scope:      fn.Some(perms.CapSign),
				LockPolicy: AllowWhenLocked,
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					handled++
					return json.RawMessage(`"ok"`), nil
				},
			},
			"test_validated": {
				Name:       "test_validated",
				LockPolicy: AllowWhenLocked,
				ValidateParams: func(p json.RawMessage) error {
					var args []int
					return json.Unmarshal(p, &args)
				},
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					handled++
					return json.RawMessage(`"ok"`), nil
				},
			},
		},
		Passthrough: map[string]struct{}{
			"eth_blockNumber": {},
		},
		Protocol: codeProtocol{},
		Client:   client,
	}))

	require.NoError(t, registry.Register(&Adapter{
		Namespace: "orbit-ui",
		Internal:  true,
		Prefixes:  []string{"ui_"},
		Methods: map[string]*MethodDef{
			"ui_status": {
				Name:       "ui_status",
				LockPolicy: AllowWhenLocked,
				Handler: func(context.Context,
					*HandlerCtx) (json.RawMessage, error) {

					return json.RawMessage(`"ok"`), nil
				},
			},
		},
		Protocol: codeProtocol{},
	}))

	engine := NewEngine(Config{
		Adapters:        registry,
		Chains:          chains,
		Vault:           fv,
		Perms:           fp,
		Attention:       queue,
		DefaultProtocol: codeProtocol{},
	})
	engine.MarkInitialized()

	return &engineHarness{
		engine:    engine,
		vault:     fv,
		perms:     fp,
		attention: queue,
		client:    client,
		handled:   &handled,
	}
}

func req(method string, params string) *Request {
	return &Request{
		ID:     "1",
		Origin: testOrigin,
		Method: method,
		Params: json.RawMessage(params),
	}
}

// TestInitializedGate asserts calls fail with an internal error until the
// daemon marks itself initialized.
func TestInitializedGate(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	cold := NewEngine(h.engine.cfg)
	resp := cold.Handle(context.Background(), req("test_open", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.RpcInternal, resp.Error.Code)

	cold.MarkInitialized()
	resp = cold.Handle(context.Background(), req("test_open", `[]`))
	require.Nil(t, resp.Error)
	require.JSONEq(t, `"open"`, string(resp.Result))
}

// TestUnknownMethod asserts unrouted and unimplemented methods both map to
// method-not-found.
func TestUnknownMethod(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	// No adapter owns the prefix.
	resp := h.engine.Handle(ctx, req("solana_signMessage", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.RpcMethodNotFound, resp.Error.Code)

	// The adapter owns the prefix but not the method.
	resp = h.engine.Handle(ctx, req("test_missing", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.RpcMethodNotFound, resp.Error.Code)
	require.Zero(t, *h.handled)
}

// TestInternalAdapterHiddenFromPages asserts an internal adapter's methods
// only answer trusted requests, and the refusal a page gets is
// indistinguishable from an unknown method.
func TestInternalAdapterHiddenFromPages(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	resp := h.engine.Handle(ctx, req("ui_status", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.RpcMethodNotFound, resp.Error.Code)

	// Same wire shape as a method that does not exist at all.
	missing := h.engine.Handle(ctx, req("ui_missing", `[]`))
	require.NotNil(t, missing.Error)
	require.Equal(t, missing.Error.Code, resp.Error.Code)

	// The trusted transport still reaches it.
	trusted := req("ui_status", `[]`)
	trusted.Trusted = true
	resp = h.engine.Handle(ctx, trusted)
	require.Nil(t, resp.Error)
	require.JSONEq(t, `"ok"`, string(resp.Result))
}

// TestLockGateRequireUnlocked asserts a RequireUnlocked method fails while
// locked with no handler side effects, then runs once unlocked.
func TestLockGateRequireUnlocked(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	resp := h.engine.Handle(ctx, req("test_locked", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.VaultLocked, resp.Error.Code)
	require.Zero(t, *h.handled)

	h.vault.setUnlocked(true)
	resp = h.engine.Handle(ctx, req("test_locked", `[]`))
	require.Nil(t, resp.Error)
	require.Equal(t, 1, *h.handled)
}

// TestLockGatePromptApproved asserts a RequestUnlockThenAllow call suspends
// on an unlock prompt and proceeds once the user unlocks and the prompt is
// approved.
func TestLockGatePromptApproved(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	respCh := make(chan *Response, 1)
	go func() {
		respCh <- h.engine.Handle(
			context.Background(), req("test_prompt", `[]`),
		)
	}()

	// The prompt lands in the queue.
	var pending []attention.Request
	require.Eventually(t, func() bool {
		pending = h.attention.Snapshot()
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, attention.ReasonUnlock, pending[0].Reason)

	// Unlock, then approve the prompt the way the UI flow does.
	h.vault.setUnlocked(true)
	require.NoError(t, h.attention.Approve(pending[0].ID))

	select {
	case resp := <-respCh:
		require.Nil(t, resp.Error)
		require.Equal(t, 1, *h.handled)

	case <-time.After(time.Second):
		t.Fatal("suspended call never resumed")
	}
}

// TestLockGatePromptDismissed asserts dismissal of the unlock prompt fails
// the suspended call with a user rejection.
func TestLockGatePromptDismissed(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)

	respCh := make(chan *Response, 1)
	go func() {
		respCh <- h.engine.Handle(
			context.Background(), req("test_prompt", `[]`),
		)
	}()

	var pending []attention.Request
	require.Eventually(t, func() bool {
		pending = h.attention.Snapshot()
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.attention.Dismiss(pending[0].ID))

	select {
	case resp := <-respCh:
		require.NotNil(t, resp.Error)
		require.EqualValues(t, werr.RpcUserRejected, resp.Error.Code)
		require.Zero(t, *h.handled)

	case <-time.After(time.Second):
		t.Fatal("suspended call never resumed")
	}
}

// TestPermissionGate asserts scoped methods require a satisfying grant.
func TestPermissionGate(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	resp := h.engine.Handle(ctx, req("test_scoped", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.PermissionDenied, resp.Error.Code)
	require.Zero(t, *h.handled)

	h.perms.allowed[perms.CapSign] = true
	resp = h.engine.Handle(ctx, req("test_scoped", `[]`))
	require.Nil(t, resp.Error)
	require.Equal(t, 1, *h.handled)
}

// TestValidateBeforeExecute asserts bad params are rejected before the
// handler can run.
func TestValidateBeforeExecute(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	resp := h.engine.Handle(ctx, req("test_validated", `"not an array"`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.RpcInvalidParams, resp.Error.Code)
	require.Zero(t, *h.handled)

	resp = h.engine.Handle(ctx, req("test_validated", `[1,2]`))
	require.Nil(t, resp.Error)
	require.Equal(t, 1, *h.handled)
}

// TestPassthroughRequiresConnect asserts passthrough methods demand the
// connect capability and then forward verbatim.
func TestPassthroughRequiresConnect(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	resp := h.engine.Handle(ctx, req("eth_blockNumber", `[]`))
	require.NotNil(t, resp.Error)
	require.EqualValues(t, werr.PermissionDenied, resp.Error.Code)
	require.Empty(t, h.client.calls)

	h.perms.allowed[perms.CapConnect] = true
	resp = h.engine.Handle(ctx, req("eth_blockNumber", `[]`))
	require.Nil(t, resp.Error)
	require.Equal(t, []string{"eth_blockNumber"}, h.client.calls)
}

// TestDuplicateRegistrationRejected asserts the registry refuses namespace
// and prefix collisions.
func TestDuplicateRegistrationRejected(t *testing.T) {
	t.Parallel()

	registry := NewAdapterRegistry()
	require.NoError(t, registry.Register(&Adapter{
		Namespace: "eip155",
		Prefixes:  []string{"eth_"},
	}))

	require.Error(t, registry.Register(&Adapter{
		Namespace: "eip155",
		Prefixes:  []string{"evm_"},
	}))
	require.Error(t, registry.Register(&Adapter{
		Namespace: "other",
		Prefixes:  []string{"eth_"},
	}))
}
