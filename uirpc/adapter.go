// Package uirpc is the wallet UI's namespace adapter: the typed method
// catalogue the popup and onboarding surfaces call, mounted on the same RPC
// engine as the page-facing namespaces under the ui_ prefix. The adapter is
// marked internal, so the engine refuses its methods on any request a page
// transport produced; within that boundary no method carries a permission
// scope. What each method does carry is an explicit flag saying whether a
// successful call rebuilds and broadcasts the UI snapshot.
package uirpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/keyring"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/txmgr"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

// Namespace is the reserved internal namespace for the UI surface.
const Namespace = "ui"

// Config packages the adapter's service dependencies.
type Config struct {
	Vault     *vault.Vault
	Keyring   *keyring.Service
	Perms     *perms.Service
	Chains    *chainreg.Registry
	Attention *attention.Queue
	Txmgr     *txmgr.Manager
	Settings  ports.Settings

	// Messenger publishes TopicUISnapshot and serves ui_waitSnapshot.
	Messenger msgbus.Messenger
}

// methodSpec is one UI method: the underlying engine definition plus
// whether a successful call broadcasts a fresh snapshot.
type methodSpec struct {
	def *rpcengine.MethodDef

	// BroadcastsSnapshot marks methods whose success mutates what the
	// UI renders.
	BroadcastsSnapshot bool
}

type adapter struct {
	cfg Config
}

// NewAdapter builds the ui namespace adapter.
func NewAdapter(cfg Config) *rpcengine.Adapter {
	a := &adapter{cfg: cfg}

	specs := []methodSpec{
		{def: &rpcengine.MethodDef{
			Name:       "ui_getSnapshot",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.getSnapshot,
		}},
		{def: &rpcengine.MethodDef{
			Name:       "ui_waitSnapshot",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.waitSnapshot,
		}},
		{def: &rpcengine.MethodDef{
			Name:       "ui_listAttention",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.listAttention,
		}},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_initVault",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validatePassword,
				Handler:        a.initVault,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_importVault",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validateImportVault,
				Handler:        a.importVault,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_unlock",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validatePassword,
				Handler:        a.unlock,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:       "ui_lock",
				LockPolicy: rpcengine.AllowWhenLocked,
				Handler:    a.lock,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_switchAccount",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validateSwitchAccount,
				Handler:        a.switchAccount,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_switchNetwork",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validateSwitchNetwork,
				Handler:        a.switchNetwork,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_approveAttention",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validateApprove,
				Handler:        a.approveAttention,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_rejectAttention",
				LockPolicy:     rpcengine.AllowWhenLocked,
				ValidateParams: validateAttentionID,
				Handler:        a.rejectAttention,
			},
			BroadcastsSnapshot: true,
		},
		{def: &rpcengine.MethodDef{
			Name:       "ui_listKeyrings",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.listKeyrings,
		}},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_deriveAccount",
				LockPolicy:     rpcengine.RequireUnlocked,
				ValidateParams: validateDeriveAccount,
				Handler:        a.deriveAccount,
			},
			BroadcastsSnapshot: true,
		},
		{
			def: &rpcengine.MethodDef{
				Name:           "ui_importKey",
				LockPolicy:     rpcengine.RequireUnlocked,
				ValidateParams: validateImportKey,
				Handler:        a.importKey,
			},
			BroadcastsSnapshot: true,
		},
		{def: &rpcengine.MethodDef{
			Name:       "ui_listTransactions",
			LockPolicy: rpcengine.AllowWhenLocked,
			Handler:    a.listTransactions,
		}},
	}

	catalogue := make(map[string]*rpcengine.MethodDef, len(specs))
	for _, spec := range specs {
		catalogue[spec.def.Name] = a.wrap(spec)
	}

	return &rpcengine.Adapter{
		Namespace: Namespace,
		Prefixes:  []string{"ui_"},
		Methods:   catalogue,
		Protocol:  Protocol{},
		Internal:  true,
	}
}

// wrap attaches the snapshot broadcast to mutating methods.
func (a *adapter) wrap(spec methodSpec) *rpcengine.MethodDef {
	if !spec.BroadcastsSnapshot {
		return spec.def
	}

	inner := spec.def.Handler
	wrapped := *spec.def
	wrapped.Handler = func(ctx context.Context,
		call *rpcengine.HandlerCtx) (json.RawMessage, error) {

		result, err := inner(ctx, call)
		if err != nil {
			return nil, err
		}

		a.publishSnapshot(ctx)

		return result, nil
	}

	return &wrapped
}

// getSnapshot returns the current snapshot.
func (a *adapter) getSnapshot(ctx context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	return marshalResult(a.buildSnapshot(ctx))
}

// waitSnapshot blocks until the next snapshot publish and returns it. The
// state topic replays the latest value to a fresh subscriber, so the UI
// never blocks on a quiet wallet.
func (a *adapter) waitSnapshot(ctx context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	sub, err := msgbus.Subscribe(a.cfg.Messenger, TopicUISnapshot)
	if err != nil {
		return nil, werr.Wrap(werr.RpcInternal,
			"unable to subscribe", err)
	}
	defer sub.Cancel()

	select {
	case snap, ok := <-sub.Updates():
		if !ok {
			return nil, werr.New(werr.RpcInternal,
				"wallet shutting down")
		}
		return marshalResult(snap)

	case <-ctx.Done():
		return nil, werr.Wrap(werr.RpcInternal, "caller went away",
			ctx.Err())
	}
}

// listAttention purges expired entries and returns the pending queue.
func (a *adapter) listAttention(_ context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	return marshalResult(a.cfg.Attention.ClearExpired())
}

// initVault performs onboarding: seal a fresh root secret under the
// password, create the first HD keyring and derive its first account.
func (a *adapter) initVault(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	password, err := parsePassword(call.Request.Params)
	if err != nil {
		return nil, err
	}

	_, err = a.cfg.Vault.Initialize(ctx, password, fn.None[[]byte]())
	if err != nil {
		return nil, err
	}

	keyringID, err := a.cfg.Keyring.CreateHDKeyring(ctx, "eip155")
	if err != nil {
		return nil, err
	}
	account, err := a.cfg.Keyring.DeriveAccount(ctx, keyringID)
	if err != nil {
		return nil, err
	}

	if err := a.setActiveAccount(ctx, account.ID); err != nil {
		return nil, err
	}

	return marshalResult(map[string]string{
		"keyringId": keyringID,
		"accountId": account.ID,
	})
}

// importVault restores a wallet from an exported ciphertext and unlocks it.
func (a *adapter) importVault(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	password, ct, err := parseImportVault(call.Request.Params)
	if err != nil {
		return nil, err
	}

	if err := a.cfg.Vault.ImportCiphertext(ctx, ct); err != nil {
		return nil, err
	}
	_, err = a.cfg.Vault.Unlock(ctx, password, fn.None[*vault.Ciphertext]())
	if err != nil {
		return nil, err
	}

	return marshalResult(true)
}

// unlock opens the vault and approves every pending unlock prompt, waking
// the page calls suspended on them.
func (a *adapter) unlock(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	password, err := parsePassword(call.Request.Params)
	if err != nil {
		return nil, err
	}

	_, err = a.cfg.Vault.Unlock(ctx, password, fn.None[*vault.Ciphertext]())
	if err != nil {
		return nil, err
	}

	for _, pending := range a.cfg.Attention.ClearExpired() {
		if pending.Reason != attention.ReasonUnlock {
			continue
		}
		if err := a.cfg.Attention.Approve(pending.ID); err != nil {
			log.Warnf("Unable to approve unlock prompt %s: %v",
				pending.ID, err)
		}
	}

	return marshalResult(true)
}

// lock discards the in-memory secret.
func (a *adapter) lock(_ context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	a.cfg.Vault.Lock()

	return marshalResult(true)
}

// switchAccount makes an existing account the UI's active one.
func (a *adapter) switchAccount(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	accountID, err := parseSwitchAccount(call.Request.Params)
	if err != nil {
		return nil, err
	}

	// The account must exist.
	if _, err := a.cfg.Keyring.LookupAccount(accountID); err != nil {
		return nil, err
	}
	if err := a.setActiveAccount(ctx, accountID); err != nil {
		return nil, err
	}

	return marshalResult(true)
}

// switchNetwork switches the active chain.
func (a *adapter) switchNetwork(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	ref, err := parseSwitchNetwork(call.Request.Params)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Chains.SetActiveChain(ctx, ref); err != nil {
		return nil, err
	}

	return marshalResult(true)
}

// approveAttention resolves a pending prompt in the affirmative. Connect
// prompts carry the accounts the user picked; approving one records the
// grant before the prompt resolves, so the suspended page call reads the
// fresh grant when it wakes.
func (a *adapter) approveAttention(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	id, accounts, err := parseApprove(call.Request.Params)
	if err != nil {
		return nil, err
	}

	var pending *attention.Request
	for _, entry := range a.cfg.Attention.ClearExpired() {
		if entry.ID == id {
			entry := entry
			pending = &entry
			break
		}
	}
	if pending == nil {
		return nil, werr.Newf(werr.AttentionExpired,
			"attention request %s is not pending", id)
	}

	switch pending.Reason {
	case attention.ReasonUnlock:
		// Approving an unlock prompt only makes sense once the vault
		// is actually open.
		if !a.cfg.Vault.GetStatus().Unlocked {
			return nil, werr.New(werr.VaultLocked,
				"unlock the vault before approving")
		}

	case attention.ReasonConnect:
		err := a.cfg.Perms.Grant(
			ctx, pending.Origin, promptNamespace(pending),
			perms.NewCapabilitySet(
				perms.CapConnect, perms.CapReadAccounts,
			),
			accounts,
		)
		if err != nil {
			return nil, err
		}

	case attention.ReasonSignature:
		err := a.widenGrant(ctx, pending, perms.CapSign)
		if err != nil {
			return nil, err
		}

	case attention.ReasonTransaction:
		err := a.widenGrant(ctx, pending, perms.CapSendTransaction)
		if err != nil {
			return nil, err
		}
	}

	if err := a.cfg.Attention.Approve(id); err != nil {
		return nil, err
	}

	return marshalResult(true)
}

// promptNamespace resolves the namespace an attention entry concerns,
// defaulting to eip155 for entries enqueued without one.
func promptNamespace(pending *attention.Request) string {
	if pending.Namespace != "" {
		return pending.Namespace
	}
	return "eip155"
}

// widenGrant adds one capability to the origin's existing grant, keeping its
// permitted accounts. An origin with no connection grant has nothing to
// widen: signing authority never materializes out of thin air.
func (a *adapter) widenGrant(ctx context.Context,
	pending *attention.Request, c perms.Capability) error {

	namespace := promptNamespace(pending)

	for _, rec := range a.cfg.Perms.ListGrants(pending.Origin) {
		if rec.Namespace != namespace {
			continue
		}
		return a.cfg.Perms.Grant(
			ctx, pending.Origin, namespace,
			rec.Caps.Union(perms.NewCapabilitySet(c)),
			rec.Accounts,
		)
	}

	return werr.Newf(werr.PermissionDenied,
		"origin %s holds no grant on %s to widen", pending.Origin,
		namespace)
}

// rejectAttention dismisses a pending prompt.
func (a *adapter) rejectAttention(_ context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	id, err := parseAttentionID(call.Request.Params)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.Attention.Dismiss(id); err != nil {
		return nil, err
	}

	return marshalResult(true)
}

// listKeyrings returns the keyrings and their accounts.
func (a *adapter) listKeyrings(_ context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	out := []KeyringView{}
	for _, info := range a.cfg.Keyring.ListKeyrings() {
		view := KeyringView{
			ID:        info.ID,
			Kind:      info.Kind.String(),
			Namespace: info.Namespace,
			Accounts:  []AccountView{},
		}
		for _, account := range info.Accounts {
			view.Accounts = append(view.Accounts, AccountView{
				ID:        account.ID,
				KeyringID: account.KeyringID,
				Namespace: account.Namespace,
				Address:   account.Address,
				Index:     account.Index,
			})
		}
		out = append(out, view)
	}

	return marshalResult(out)
}

// deriveAccount extends an HD keyring by one account.
func (a *adapter) deriveAccount(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	keyringID, err := parseDeriveAccount(call.Request.Params)
	if err != nil {
		return nil, err
	}

	account, err := a.cfg.Keyring.DeriveAccount(ctx, keyringID)
	if err != nil {
		return nil, err
	}

	return marshalResult(map[string]string{"accountId": account.ID})
}

// importKey creates a single-account keyring from a raw private key.
func (a *adapter) importKey(ctx context.Context,
	call *rpcengine.HandlerCtx) (json.RawMessage, error) {

	namespace, key, err := parseImportKey(call.Request.Params)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	account, err := a.cfg.Keyring.ImportPrivateKey(ctx, namespace, key)
	if err != nil {
		return nil, err
	}

	return marshalResult(map[string]string{"accountId": account.ID})
}

// listTransactions returns every tracked transaction.
func (a *adapter) listTransactions(_ context.Context,
	_ *rpcengine.HandlerCtx) (json.RawMessage, error) {

	return marshalResult(a.cfg.Txmgr.List())
}

// setActiveAccount stores the active account selection.
func (a *adapter) setActiveAccount(ctx context.Context,
	accountID string) error {

	return a.cfg.Settings.Put(ctx, activeAccountKey, []byte(accountID))
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

// zeroBytes wipes a sensitive buffer.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// decodeHexKey strips an optional 0x prefix and decodes a 32-byte key.
func decodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, werr.Wrap(werr.RpcInvalidParams,
			"malformed private key hex", err)
	}
	return key, nil
}
