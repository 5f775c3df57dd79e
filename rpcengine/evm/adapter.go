// Package evm is the eip155 namespace adapter: the Ethereum-flavored RPC
// surface (eth_*, personal_*, wallet_*, net_*) expressed as a typed method
// catalogue over the wallet's services, plus a passthrough table for read
// methods forwarded verbatim to the chain endpoint.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/crypto/sha3"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/keyring"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/txmgr"
	"github.com/orbitwallet/orbitd/werr"
)

// Namespace is the CAIP-2 namespace this adapter serves.
const Namespace = "eip155"

// Config packages the adapter's service dependencies.
type Config struct {
	// Keyring signs and lists accounts.
	Keyring *keyring.Service

	// Perms resolves and mutates the origin's grants.
	Perms *perms.Service

	// Chains resolves and switches the active chain.
	Chains *chainreg.Registry

	// Txmgr drives eth_sendTransaction through the full lifecycle.
	Txmgr *txmgr.Manager

	// Attention prompts the user for connection approvals.
	Attention *attention.Queue

	// Client serves passthrough calls against the chain endpoint.
	Client rpcengine.ChainClient
}

// adapter holds the bound dependencies behind the method handlers.
type adapter struct {
	cfg Config
}

// NewAdapter builds the eip155 namespace adapter.
func NewAdapter(cfg Config) *rpcengine.Adapter {
	a := &adapter{cfg: cfg}

	methods := []*rpcengine.MethodDef{
		{
			Name:          "eth_chainId",
			LockPolicy:    rpcengine.AllowWhenLocked,
			RequiresChain: true,
			Handler:       a.chainID,
		},
		{
			Name:       "eth_accounts",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.accounts,
		},
		{
			Name:       "eth_requestAccounts",
			LockPolicy: rpcengine.RequestUnlockThenAllow,
			Handler:    a.requestAccounts,
		},
		// personal_sign and eth_sendTransaction carry no static scope:
		// their handlers prompt for the sign and send capabilities the
		// first time an origin asks, the way eth_requestAccounts
		// prompts for connect.
		{
			Name:           "personal_sign",
			LockPolicy:     rpcengine.RequireUnlocked,
			ValidateParams: validatePersonalSign,
			Handler:        a.personalSign,
		},
		{
			Name:           "eth_sendTransaction",
			LockPolicy:     rpcengine.RequireUnlocked,
			RequiresChain:  true,
			ValidateParams: validateSendTransaction,
			Handler:        a.sendTransaction,
		},
		{
			Name:           "wallet_switchEthereumChain",
			Scope:          fn.Some(perms.CapConnect),
			LockPolicy:     rpcengine.AllowWhenLocked,
			ValidateParams: validateSwitchChain,
			Handler:        a.switchChain,
		},
		{
			Name:       "wallet_getPermissions",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.getPermissions,
		},
		{
			Name:       "wallet_revokePermissions",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.revokePermissions,
		},
	}

	catalogue := make(map[string]*rpcengine.MethodDef, len(methods))
	for _, def := range methods {
		catalogue[def.Name] = def
	}

	// Read-only chain state the wallet has no opinion on is forwarded
	// verbatim.
	passthrough := map[string]struct{}{
		"eth_blockNumber":           {},
		"eth_call":                  {},
		"eth_estimateGas":           {},
		"eth_gasPrice":              {},
		"eth_getBalance":            {},
		"eth_getCode":               {},
		"eth_getTransactionByHash":  {},
		"eth_getTransactionCount":   {},
		"eth_getTransactionReceipt": {},
		"net_version":               {},
	}

	return &rpcengine.Adapter{
		Namespace:   Namespace,
		Prefixes:    []string{"eth_", "personal_", "wallet_", "net_"},
		Methods:     catalogue,
		Passthrough: passthrough,
		Protocol:    Protocol{},
		Client:      cfg.Client,
	}
}

// chainID returns the active chain's id as a hex quantity.
func (a *adapter) chainID(_ context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	id, err := strconv.ParseUint(call.Chain.Ref.Reference, 10, 64)
	if err != nil {
		return nil, werr.Wrap(werr.ChainNotSupported,
			"non-numeric eip155 reference", err)
	}

	return marshalResult(fmt.Sprintf("0x%x", id))
}

// accounts returns the addresses the origin is permitted to see. An
// unconnected origin sees an empty list, per EIP-1193, rather than an error.
func (a *adapter) accounts(_ context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	permitted := a.cfg.Perms.GetPermittedAccounts(
		call.Request.Origin, Namespace,
	)

	return marshalResult(stripAccountIDs(permitted))
}

// requestAccounts connects the origin: if it already holds the connect
// grant the permitted accounts come back immediately, otherwise a connect
// prompt is enqueued and the call suspends until the user decides. The
// approval flow records the grant before resolving the prompt, so the
// re-read below sees it.
func (a *adapter) requestAccounts(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	err := a.awaitApproval(
		ctx, call, perms.CapConnect, attention.ReasonConnect,
	)
	if err != nil {
		return nil, err
	}

	return marshalResult(stripAccountIDs(
		a.cfg.Perms.GetPermittedAccounts(
			call.Request.Origin, Namespace,
		),
	))
}

// awaitApproval passes when the origin already holds the capability.
// Otherwise it enqueues an attention prompt for the given reason, suspends
// until the user resolves it, and re-checks the grant, so an approval that
// granted nothing still denies.
func (a *adapter) awaitApproval(ctx context.Context,
	call *rpcengine.HandlerCtx, c perms.Capability,
	reason attention.Reason) error {

	origin := call.Request.Origin

	if err := a.cfg.Perms.Check(origin, Namespace, c); err == nil {
		return nil
	}

	params := attention.Params{
		Reason:    reason,
		Origin:    origin,
		Method:    call.Request.Method,
		Namespace: Namespace,
	}
	if call.Chain != nil {
		params.ChainRef = call.Chain.Ref.String()
	}

	pending, isNew, _ := a.cfg.Attention.RequestAttention(params)
	if isNew {
		log.Infof("%s prompt %s enqueued for %s", reason, pending.ID,
			origin)
	}

	resolved, err := a.cfg.Attention.AwaitResolution(pending.ID)
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

	return a.cfg.Perms.Check(origin, Namespace, c)
}

// personalSign signs an EIP-191 personal message with a permitted account.
func (a *adapter) personalSign(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	message, address, err := parsePersonalSign(call.Request.Params)
	if err != nil {
		return nil, err
	}

	accountID, err := a.permittedAccount(call.Request.Origin, address)
	if err != nil {
		return nil, err
	}

	err = a.awaitApproval(
		ctx, call, perms.CapSign, attention.ReasonSignature,
	)
	if err != nil {
		return nil, err
	}

	sig, err := a.cfg.Keyring.SignDigest(
		ctx, accountID, personalMessageDigest(message),
	)
	if err != nil {
		return nil, err
	}

	return marshalResult("0x" + fmt.Sprintf("%x", sig))
}

// sendTransaction drives a caller-supplied transaction through draft, sign
// and broadcast, returning the chain-assigned hash.
func (a *adapter) sendTransaction(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	txObj, from, err := parseSendTransaction(call.Request.Params)
	if err != nil {
		return nil, err
	}

	accountID, err := a.permittedAccount(call.Request.Origin, from)
	if err != nil {
		return nil, err
	}

	err = a.awaitApproval(
		ctx, call, perms.CapSendTransaction,
		attention.ReasonTransaction,
	)
	if err != nil {
		return nil, err
	}

	draft, err := a.cfg.Txmgr.BuildDraft(
		ctx, call.Chain.Ref, accountID, txObj,
	)
	if err != nil {
		return nil, err
	}
	if _, err := a.cfg.Txmgr.Sign(ctx, draft.ID); err != nil {
		return nil, err
	}
	submitted, err := a.cfg.Txmgr.Broadcast(ctx, draft.ID)
	if err != nil {
		return nil, err
	}

	return marshalResult(submitted.Hash)
}

// switchChain switches the active chain to the requested eip155 chain id.
func (a *adapter) switchChain(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	id, err := parseSwitchChain(call.Request.Params)
	if err != nil {
		return nil, err
	}

	ref := chainreg.ChainRef{
		Namespace: Namespace,
		Reference: strconv.FormatUint(id, 10),
	}
	if err := a.cfg.Chains.SetActiveChain(ctx, ref); err != nil {
		return nil, err
	}

	return marshalResult(nil)
}

// getPermissions lists the origin's grants in this namespace.
func (a *adapter) getPermissions(_ context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	type grant struct {
		ParentCapability string   `json:"parentCapability"`
		Accounts         []string `json:"accounts"`
	}

	var out []grant
	for _, rec := range a.cfg.Perms.ListGrants(call.Request.Origin) {
		if rec.Namespace != Namespace {
			continue
		}
		for _, c := range rec.Caps.Slice() {
			out = append(out, grant{
				ParentCapability: c.String(),
				Accounts:         stripAccountIDs(rec.Accounts),
			})
		}
	}

	return marshalResult(out)
}

// revokePermissions drops the origin's grant in this namespace.
func (a *adapter) revokePermissions(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	err := a.cfg.Perms.Revoke(
		ctx, call.Request.Origin, fn.Some(Namespace),
	)
	if err != nil && !werr.HasReason(err, werr.PermissionDenied) {
		return nil, err
	}

	return marshalResult(nil)
}

// permittedAccount resolves a bare address to its namespace-qualified
// account id, requiring that the origin's grant names it.
func (a *adapter) permittedAccount(origin, address string) (string, error) {
	accountID := Namespace + ":" + strings.ToLower(address)

	for _, permitted := range a.cfg.Perms.GetPermittedAccounts(
		origin, Namespace,
	) {
		if permitted == accountID {
			return accountID, nil
		}
	}

	return "", werr.Newf(werr.PermissionDenied,
		"origin %s has no grant for account %s", origin, address)
}

// personalMessageDigest computes the EIP-191 personal message hash.
func personalMessageDigest(message []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d", len(message))
	h.Write(message)
	return h.Sum(nil)
}

// stripAccountIDs converts namespace-qualified account ids back to the bare
// addresses the Ethereum surface speaks.
func stripAccountIDs(accountIDs []string) []string {
	out := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		out = append(out, strings.TrimPrefix(id, Namespace+":"))
	}
	return out
}

// marshalResult serializes a handler result.
func marshalResult(v any) (json.RawMessage, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, werr.Wrap(werr.RpcInternal,
			"unable to serialize result", err)
	}
	return blob, nil
}
