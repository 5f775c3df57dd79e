// Package rpcengine dispatches inbound wallet RPC calls through a fixed gate
// pipeline: an initialized gate, a lock gate, a permission gate, then
// params validation and the handler. Each gate may short-circuit the call
// before the handler runs, so a handler body only ever executes with every
// precondition established. Calls are routed to namespace adapters by method
// prefix, and each namespace's protocol adapter owns the translation of
// internal failure reasons into that namespace's wire error codes.
package rpcengine

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

// Response is the engine's answer to one request. Exactly one of Result and
// Error is set.
type Response struct {
	// ID echoes the request id.
	ID string `json:"id"`

	// Result is the handler's result payload.
	Result json.RawMessage `json:"result,omitempty"`

	// Error is the wire-formatted failure.
	Error *WireError `json:"error,omitempty"`
}

// VaultStatus is the slice of the vault the lock gate consults.
type VaultStatus interface {
	GetStatus() vault.Status
}

// PermissionChecker is the slice of the permission service the permission
// gate consults.
type PermissionChecker interface {
	Check(origin, namespace string, c perms.Capability) error
}

// Config packages the engine's dependencies.
type Config struct {
	// Adapters is the fixed set of namespace adapters.
	Adapters *AdapterRegistry

	// Chains resolves chain references and the active chain.
	Chains *chainreg.Registry

	// Vault reports lock state for the lock gate.
	Vault VaultStatus

	// Perms resolves grants for the permission gate.
	Perms PermissionChecker

	// Attention enqueues unlock prompts for RequestUnlockThenAllow
	// methods.
	Attention *attention.Queue

	// DefaultProtocol formats errors for calls no adapter routes.
	DefaultProtocol ProtocolAdapter
}

// Engine runs the gate pipeline.
type Engine struct {
	cfg Config

	// initialized flips once background startup completes. Until then
	// every call fails at the first gate.
	initialized atomic.Bool

	// originMu serializes handler execution per origin so a page cannot
	// interleave two mutating calls against the same service state.
	muMap    sync.Mutex
	originMu map[string]*sync.Mutex
}

// NewEngine creates an engine. Calls fail at the initialized gate until
// MarkInitialized is invoked.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:      cfg,
		originMu: make(map[string]*sync.Mutex),
	}
}

// MarkInitialized opens the initialized gate. Called once background
// startup completes.
func (e *Engine) MarkInitialized() {
	e.initialized.Store(true)
}

// Handle runs one request through the pipeline and always returns a
// response: internal errors are translated to the owning namespace's wire
// form, never surfaced raw.
func (e *Engine) Handle(ctx context.Context, req *Request) *Response {
	adapter, routed := e.cfg.Adapters.Route(req.Method)

	// Internal namespaces do not exist for untrusted callers: the
	// request is handled exactly as if nothing routed it, down to the
	// wire shape of the refusal, leaking nothing about the privileged
	// surface.
	if routed && adapter.Internal && !req.Trusted {
		adapter, routed = nil, false
	}

	protocol := e.cfg.DefaultProtocol
	if routed && adapter.Protocol != nil {
		protocol = adapter.Protocol
	}

	result, err := e.process(ctx, req, adapter, routed)
	if err != nil {
		// Mirror the request context on the error paths so failures
		// can be traced back to the offending origin and method.
		log.Errorf("[%s]: origin=%s: %v", req.Method, req.Origin, err)

		return &Response{ID: req.ID, Error: protocol.WireError(err)}
	}

	log.Tracef("[%s]: origin=%s ok", req.Method, req.Origin)

	return &Response{ID: req.ID, Result: result}
}

// process runs the gates in order and then the handler.
func (e *Engine) process(ctx context.Context, req *Request, adapter *Adapter,
	routed bool) (json.RawMessage, error) {

	// Initialized gate: nothing runs before startup completes.
	if !e.initialized.Load() {
		return nil, werr.New(werr.RpcInternal,
			"wallet startup has not completed")
	}

	if !routed {
		return nil, werr.Newf(werr.RpcMethodNotFound,
			"no namespace owns method %q", req.Method)
	}

	def, err := e.resolveMethod(adapter, req.Method)
	if err != nil {
		return nil, err
	}

	// Lock gate.
	if err := e.lockGate(ctx, req, def.LockPolicy); err != nil {
		return nil, err
	}

	// Permission gate. Scope None skips the check entirely.
	if def.Scope.IsSome() {
		c := def.Scope.UnwrapOr(perms.CapConnect)
		err := e.cfg.Perms.Check(req.Origin, adapter.Namespace, c)
		if err != nil {
			return nil, err
		}
	}

	var chain *chainreg.ChainEntity
	if def.RequiresChain {
		chain, err = e.resolveChain(req)
		if err != nil {
			return nil, err
		}
	}

	// Validate before executing, so bad input can never leave a partial
	// side effect behind.
	if def.ValidateParams != nil {
		if err := def.ValidateParams(req.Params); err != nil {
			if werr.ReasonOf(err) != werr.ReasonUnknown {
				return nil, err
			}
			return nil, werr.Wrap(werr.RpcInvalidParams,
				"invalid params", err)
		}
	}

	// Handlers for one origin run to completion before the origin's next
	// call starts.
	mu := e.originLock(req.Origin)
	mu.Lock()
	defer mu.Unlock()

	return def.Handler(ctx, &HandlerCtx{Request: req, Chain: chain})
}

// resolveMethod finds the method in the adapter's catalogue, falling back to
// a synthetic passthrough definition when the adapter forwards the method
// verbatim.
func (e *Engine) resolveMethod(adapter *Adapter,
	method string) (*MethodDef, error) {

	if def, ok := adapter.Methods[method]; ok {
		return def, nil
	}

	if _, ok := adapter.Passthrough[method]; ok {
		if adapter.Client == nil {
			return nil, werr.Newf(werr.RpcInternal,
				"namespace %q has no chain client",
				adapter.Namespace)
		}

		return passthroughDef(adapter, method), nil
	}

	return nil, werr.Newf(werr.RpcMethodNotFound,
		"namespace %q does not implement %q", adapter.Namespace,
		method)
}

// lockGate enforces the method's lock policy.
func (e *Engine) lockGate(ctx context.Context, req *Request,
	policy LockPolicy) error {

	if e.cfg.Vault.GetStatus().Unlocked {
		return nil
	}

	switch policy {
	case AllowWhenLocked:
		return nil

	case RequireUnlocked:
		return werr.New(werr.VaultLocked, "vault is locked")

	case RequestUnlockThenAllow:
		return e.awaitUnlock(ctx, req)

	default:
		return werr.Newf(werr.RpcInternal, "unknown lock policy %d",
			policy)
	}
}

// awaitUnlock enqueues an unlock attention request and suspends the call
// until the user unlocks, dismisses, or the request expires. The idempotent
// enqueue means a burst of calls from one origin shares a single prompt.
func (e *Engine) awaitUnlock(ctx context.Context, req *Request) error {
	pending, isNew, _ := e.cfg.Attention.RequestAttention(
		attention.Params{
			Reason: attention.ReasonUnlock,
			Origin: req.Origin,
			Method: req.Method,
		},
	)
	if isNew {
		log.Infof("Suspending %s from %s on unlock prompt %s",
			req.Method, req.Origin, pending.ID)
	}

	resolved, err := e.cfg.Attention.AwaitResolution(pending.ID)
	if err != nil {
		return err
	}

	select {
	case err := <-resolved:
		if err != nil {
			return err
		}

	case <-ctx.Done():
		return werr.Wrap(werr.RpcInternal, "caller went away",
			ctx.Err())
	}

	// The prompt resolved in the affirmative; the unlock flow approves
	// it only after the vault actually unlocked, but re-check rather
	// than assume.
	if !e.cfg.Vault.GetStatus().Unlocked {
		return werr.New(werr.VaultLocked, "vault is still locked")
	}

	return nil
}

// resolveChain resolves the request's pinned chain, or the active chain when
// the request does not pin one.
func (e *Engine) resolveChain(req *Request) (*chainreg.ChainEntity, error) {
	if !req.ChainRef.IsZero() {
		return e.cfg.Chains.Get(req.ChainRef)
	}

	return e.cfg.Chains.ActiveChain()
}

// originLock returns the per-origin serialization lock, creating it on first
// use.
func (e *Engine) originLock(origin string) *sync.Mutex {
	e.muMap.Lock()
	defer e.muMap.Unlock()

	mu, ok := e.originMu[origin]
	if !ok {
		mu = &sync.Mutex{}
		e.originMu[origin] = mu
	}

	return mu
}

// passthroughDef synthesizes the definition for a verbatim-forwarded method:
// connect-scoped, runnable while locked, no params schema beyond what the
// chain itself enforces.
func passthroughDef(adapter *Adapter, method string) *MethodDef {
	return &MethodDef{
		Name:       method,
		Scope:      passthroughScope,
		LockPolicy: AllowWhenLocked,

		RequiresChain: true,

		Handler: func(ctx context.Context,
			call *HandlerCtx) (json.RawMessage, error) {

			return adapter.Client.Call(
				ctx, call.Chain, method, call.Request.Params,
			)
		},
	}
}
