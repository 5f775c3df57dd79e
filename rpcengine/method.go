package rpcengine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/werr"
)

// LockPolicy says what a method requires of the vault's lock state before
// its handler may run.
type LockPolicy uint8

const (
	// AllowWhenLocked runs the handler regardless of lock state.
	AllowWhenLocked LockPolicy = iota

	// RequireUnlocked fails the call with VaultLocked while locked.
	RequireUnlocked

	// RequestUnlockThenAllow enqueues an unlock attention request while
	// locked and suspends the call until the user unlocks, dismisses, or
	// the request expires.
	RequestUnlockThenAllow
)

// String returns the stable name for the policy.
func (p LockPolicy) String() string {
	switch p {
	case AllowWhenLocked:
		return "allow_when_locked"
	case RequireUnlocked:
		return "require_unlocked"
	case RequestUnlockThenAllow:
		return "request_unlock_then_allow"
	default:
		return "unknown"
	}
}

// Request is one inbound call.
type Request struct {
	// ID is the caller-assigned request id, echoed on the response.
	ID string

	// Origin is the calling page's origin. The trust boundary: it is
	// assigned by the transport, never by the page itself.
	Origin string

	// Method is the fully qualified method name.
	Method string

	// Params is the raw params payload, validated per method before any
	// handler side effect.
	Params json.RawMessage

	// ChainRef optionally pins the call to a chain. The zero value means
	// the active chain.
	ChainRef chainreg.ChainRef

	// Trusted marks requests from the wallet's own surfaces. Only the
	// trusted UI transport sets it; the page-facing bridge never does.
	// Internal namespaces are unreachable without it.
	Trusted bool
}

// HandlerCtx is what a method handler sees: the request plus the chain the
// engine resolved for it.
type HandlerCtx struct {
	Request *Request

	// Chain is the resolved target chain. Nil for methods that do not
	// need one.
	Chain *chainreg.ChainEntity
}

// Handler executes a method after every gate has passed.
type Handler func(ctx context.Context, call *HandlerCtx) (json.RawMessage,
	error)

// MethodDef declares one method: its name, the capability its caller must
// hold (None skips the permission gate), its lock policy, an optional params
// validator that runs before the handler, and the handler itself.
type MethodDef struct {
	Name           string
	Scope          fn.Option[perms.Capability]
	LockPolicy     LockPolicy
	RequiresChain  bool
	ValidateParams func(params json.RawMessage) error
	Handler        Handler
}

// passthroughScope is the capability every passthrough call requires: the
// origin must at least be connected.
var passthroughScope = fn.Some(perms.CapConnect)

// WireError is a protocol-level error as serialized toward the caller.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *WireError) Error() string {
	return e.Message
}

// ProtocolAdapter maps internal failure reasons to one namespace's standard
// wire codes. It is the only place internal errors are translated for an
// untrusted origin, so nothing secret-adjacent may pass through it.
type ProtocolAdapter interface {
	// WireError translates a tagged internal error into the namespace's
	// wire form.
	WireError(err error) *WireError
}

// ChainClient issues raw calls against a chain endpoint. Passthrough methods
// use it verbatim.
type ChainClient interface {
	Call(ctx context.Context, chain *chainreg.ChainEntity, method string,
		params json.RawMessage) (json.RawMessage, error)
}

// Adapter bundles one namespace's RPC surface: the method-name prefixes it
// owns for routing, its typed method catalogue, the set of methods forwarded
// verbatim to the chain, and the protocol adapter that formats its errors.
type Adapter struct {
	// Namespace is the chain namespace the adapter serves, e.g.
	// "eip155", or a reserved internal name like "ui".
	Namespace string

	// Prefixes are the method-name prefixes routed to this adapter.
	Prefixes []string

	// Methods is the typed method catalogue, keyed by method name.
	Methods map[string]*MethodDef

	// Passthrough names methods forwarded verbatim to the chain client.
	// Passthrough calls require the connect capability and run with
	// AllowWhenLocked.
	Passthrough map[string]struct{}

	// Protocol formats this namespace's wire errors.
	Protocol ProtocolAdapter

	// Client serves passthrough calls. May be nil when Passthrough is
	// empty.
	Client ChainClient

	// Internal marks an adapter reachable only through trusted
	// transports. Requests arriving from a page transport never see an
	// internal adapter's methods, not even their names.
	Internal bool
}

// owns reports whether the adapter routes the given method name.
func (a *Adapter) owns(method string) bool {
	for _, prefix := range a.Prefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// AdapterRegistry is the explicit, startup-time set of namespace adapters.
// It is constructed once and passed by reference to the engine; nothing
// registers into it after startup.
type AdapterRegistry struct {
	adapters []*Adapter
	byNs     map[string]*Adapter
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		byNs: make(map[string]*Adapter),
	}
}

// Register adds an adapter. Namespaces must be unique, and a prefix may not
// be claimed by two adapters.
func (r *AdapterRegistry) Register(adapter *Adapter) error {
	if _, ok := r.byNs[adapter.Namespace]; ok {
		return werr.Newf(werr.RpcInternal,
			"duplicate adapter namespace %q", adapter.Namespace)
	}
	for _, existing := range r.adapters {
		for _, prefix := range adapter.Prefixes {
			if existing.owns(prefix) {
				return werr.Newf(werr.RpcInternal,
					"method prefix %q already claimed by "+
						"namespace %q", prefix,
					existing.Namespace)
			}
		}
	}

	r.adapters = append(r.adapters, adapter)
	r.byNs[adapter.Namespace] = adapter

	return nil
}

// Route returns the adapter owning the method name, or false when none does.
func (r *AdapterRegistry) Route(method string) (*Adapter, bool) {
	for _, adapter := range r.adapters {
		if adapter.owns(method) {
			return adapter, true
		}
	}
	return nil, false
}

// ForNamespace returns the adapter registered for a namespace.
func (r *AdapterRegistry) ForNamespace(namespace string) (*Adapter, bool) {
	adapter, ok := r.byNs[namespace]
	return adapter, ok
}

// Namespaces returns the registered namespaces in sorted order.
func (r *AdapterRegistry) Namespaces() []string {
	out := make([]string, 0, len(r.byNs))
	for ns := range r.byNs {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
