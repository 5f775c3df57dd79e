package provider

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

const testOrigin = "https://dapp.example"

type staticVault struct{}

func (staticVault) GetStatus() vault.Status {
	return vault.Status{Unlocked: true, HasCiphertext: true}
}

type reasonProtocol struct{}

func (reasonProtocol) WireError(err error) *rpcengine.WireError {
	return &rpcengine.WireError{
		Code:    int(werr.ReasonOf(err)),
		Message: err.Error(),
	}
}

type bridgeHarness struct {
	bridge *Bridge
	perms  *perms.Service
	chains *chainreg.Registry
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()

	ctx := context.Background()
	stores := memstore.New()

	bus := msgbus.NewBus(func(topic string, err error) {
		t.Errorf("subscriber error on %s: %v", topic, err)
	})
	t.Cleanup(bus.Stop)

	require.NoError(t, msgbus.RegisterTopic(
		bus, chainreg.TopicActiveChain,
	))
	require.NoError(t, msgbus.RegisterTopic(bus, perms.TopicOriginChanged))
	require.NoError(t, msgbus.RegisterTopic(bus, perms.TopicGrantsChanged))

	chains := chainreg.NewRegistry(chainreg.Config{
		Store:     stores.Chains,
		Prefs:     stores.NetworkPrefs,
		Messenger: bus,
	})
	require.NoError(t, chains.Start(ctx))
	require.NoError(t, chains.PutMany(ctx, chainreg.DefaultChains()))
	require.NoError(t, chains.SetActiveChain(
		ctx, chainreg.EthereumMainnet,
	))

	permSvc := perms.NewService(perms.Config{
		Store:     stores.Permissions,
		Messenger: bus,
	})
	require.NoError(t, permSvc.Start(ctx))

	registry := rpcengine.NewAdapterRegistry()
	require.NoError(t, registry.Register(&rpcengine.Adapter{
		Namespace: "eip155",
		Prefixes:  []string{"eth_"},
		Methods: map[string]*rpcengine.MethodDef{
			"eth_echo": {
				Name:       "eth_echo",
				LockPolicy: rpcengine.AllowWhenLocked,
				Handler: func(_ context.Context,
					call *rpcengine.HandlerCtx) (
					json.RawMessage, error) {

					return call.Request.Params, nil
				},
			},
		},
		Protocol: reasonProtocol{},
	}))

	engine := rpcengine.NewEngine(rpcengine.Config{
		Adapters: registry,
		Chains:   chains,
		Vault:    staticVault{},
		Perms:    permSvc,
		Attention: attention.NewQueue(attention.Config{}),
		DefaultProtocol: reasonProtocol{},
	})
	engine.MarkInitialized()

	bridge := NewBridge(Config{
		Engine:    engine,
		Chains:    chains,
		Perms:     permSvc,
		Messenger: bus,
	})
	require.NoError(t, bridge.Start())
	t.Cleanup(bridge.Stop)

	return &bridgeHarness{bridge: bridge, perms: permSvc, chains: chains}
}

func marshalEnvelope(t *testing.T, env *Envelope) []byte {
	t.Helper()

	blob, err := json.Marshal(env)
	require.NoError(t, err)
	return blob
}

// TestHandshakeAck asserts the ack carries the session id, the active chain
// and the origin's permitted accounts.
func TestHandshakeAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newBridgeHarness(t)

	require.NoError(t, h.perms.Grant(
		ctx, testOrigin, "eip155",
		perms.NewCapabilitySet(perms.CapConnect),
		[]string{"eip155:0xaa"},
	))

	sessionID, _ := h.bridge.Connect(testOrigin)

	ack, err := h.bridge.HandleInbound(ctx, sessionID, marshalEnvelope(
		t, &Envelope{Type: TypeHandshake, Version: Version},
	))
	require.NoError(t, err)
	require.Equal(t, TypeHandshakeAck, ack.Type)
	require.Equal(t, sessionID, ack.Session)
	require.Equal(t, "eip155:1", ack.ChainRef)
	require.Equal(t, []string{"eip155:0xaa"}, ack.Accounts)
}

// TestRequestResponse asserts a request envelope routes through the engine
// and the response echoes the request id.
func TestRequestResponse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newBridgeHarness(t)
	sessionID, _ := h.bridge.Connect(testOrigin)

	payload, err := json.Marshal(&RequestPayload{
		Method: "eth_echo",
		Params: json.RawMessage(`["hello"]`),
	})
	require.NoError(t, err)

	resp, err := h.bridge.HandleInbound(ctx, sessionID, marshalEnvelope(
		t, &Envelope{Type: TypeRequest, ID: "req-7", Payload: payload},
	))
	require.NoError(t, err)
	require.Equal(t, TypeResponse, resp.Type)
	require.Equal(t, "req-7", resp.ID)

	var body ResponsePayload
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	require.JSONEq(t, `["hello"]`, string(body.Result))
	require.Empty(t, body.Error)
}

// TestRequestErrorIsWireFormatted asserts engine failures come back inside
// the response payload, not as transport errors.
func TestRequestErrorIsWireFormatted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newBridgeHarness(t)
	sessionID, _ := h.bridge.Connect(testOrigin)

	payload, err := json.Marshal(&RequestPayload{Method: "eth_missing"})
	require.NoError(t, err)

	resp, err := h.bridge.HandleInbound(ctx, sessionID, marshalEnvelope(
		t, &Envelope{Type: TypeRequest, ID: "req-8", Payload: payload},
	))
	require.NoError(t, err)

	var body ResponsePayload
	require.NoError(t, json.Unmarshal(resp.Payload, &body))
	require.NotEmpty(t, body.Error)

	var wire rpcengine.WireError
	require.NoError(t, json.Unmarshal(body.Error, &wire))
	require.EqualValues(t, werr.RpcMethodNotFound, wire.Code)
}

// TestChainChangedEvent asserts an active chain switch reaches every
// session.
func TestChainChangedEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newBridgeHarness(t)
	_, events := h.bridge.Connect(testOrigin)

	require.NoError(t, h.chains.SetActiveChain(
		ctx, chainreg.EthereumSepolia,
	))

	select {
	case event := <-events:
		require.Equal(t, TypeEvent, event.Type)

		var body EventPayload
		require.NoError(t, json.Unmarshal(event.Payload, &body))
		require.Equal(t, EventChainChanged, body.Event)
		require.JSONEq(t, `"eip155:11155111"`, string(body.Params))

	case <-time.After(time.Second):
		t.Fatal("no chainChanged event")
	}
}

// TestAccountsChangedAndDisconnect asserts grant mutations fan out as
// accountsChanged to the affected origin only, and a full revoke becomes a
// disconnect.
func TestAccountsChangedAndDisconnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newBridgeHarness(t)

	_, granted := h.bridge.Connect(testOrigin)
	_, bystander := h.bridge.Connect("https://other.example")

	require.NoError(t, h.perms.Grant(
		ctx, testOrigin, "eip155",
		perms.NewCapabilitySet(perms.CapConnect),
		[]string{"eip155:0xaa"},
	))

	select {
	case event := <-granted:
		var body EventPayload
		require.NoError(t, json.Unmarshal(event.Payload, &body))
		require.Equal(t, EventAccountsChanged, body.Event)
		require.JSONEq(t, `["eip155:0xaa"]`, string(body.Params))

	case <-time.After(time.Second):
		t.Fatal("no accountsChanged event")
	}

	select {
	case event := <-bystander:
		t.Fatalf("bystander saw %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, h.perms.Revoke(ctx, testOrigin, fn.None[string]()))

	select {
	case event := <-granted:
		var body EventPayload
		require.NoError(t, json.Unmarshal(event.Payload, &body))
		require.Equal(t, EventDisconnect, body.Event)

	case <-time.After(time.Second):
		t.Fatal("no disconnect event")
	}
}

// TestParseEnvelopeRejects asserts malformed and outbound-typed envelopes
// are refused.
func TestParseEnvelopeRejects(t *testing.T) {
	t.Parallel()

	cases := []string{
		`not json`,
		`{"type":"response","id":"1"}`,
		`{"type":"event"}`,
		`{"type":"bogus"}`,
		`{"type":"handshake"}`,
		`{"type":"request","payload":{"method":"eth_echo"}}`,
		`{"type":"request","id":"1"}`,
	}
	for _, c := range cases {
		_, err := ParseEnvelope([]byte(c))
		require.Errorf(t, err, "input %s", c)
	}
}

// TestHandshakeVersionGate asserts a handshake speaking another major
// protocol version is refused at parse time, while a newer minor of the
// same major is accepted.
func TestHandshakeVersionGate(t *testing.T) {
	t.Parallel()

	_, err := ParseEnvelope(
		[]byte(`{"type":"handshake","version":"2.0"}`),
	)
	require.ErrorContains(t, err, "unsupported protocol version")

	env, err := ParseEnvelope(
		[]byte(`{"type":"handshake","version":"1.7"}`),
	)
	require.NoError(t, err)
	require.Equal(t, "1.7", env.Version)
}
