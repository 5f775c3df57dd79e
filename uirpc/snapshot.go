package uirpc

import (
	"context"
	"errors"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/txmgr"
)

// TopicUISnapshot carries the full UI snapshot. State semantics: the UI can
// attach at any time and immediately receive the current snapshot, and
// logically identical rebuilds are deduplicated away.
var TopicUISnapshot = msgbus.NewStateTopic[*Snapshot]("uirpc.snapshot")

// activeAccountKey is the settings key holding the active account id.
const activeAccountKey = "activeAccount"

// VaultView is the lock state as shown to the UI.
type VaultView struct {
	Unlocked      bool `json:"unlocked"`
	HasCiphertext bool `json:"hasCiphertext"`
}

// AccountView is one account as shown to the UI.
type AccountView struct {
	ID        string `json:"id"`
	KeyringID string `json:"keyringId"`
	Namespace string `json:"namespace"`
	Address   string `json:"address"`
	Index     uint32 `json:"index"`
}

// KeyringView is one keyring as shown to the UI.
type KeyringView struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Namespace string        `json:"namespace"`
	Accounts  []AccountView `json:"accounts"`
}

// GrantView is one permission grant as shown to the UI.
type GrantView struct {
	Origin       string   `json:"origin"`
	Namespace    string   `json:"namespace"`
	Capabilities []string `json:"capabilities"`
	Accounts     []string `json:"accounts"`
}

// Snapshot is everything the UI renders, rebuilt after every mutating call
// and pushed on TopicUISnapshot.
type Snapshot struct {
	Vault         VaultView           `json:"vault"`
	ActiveChain   string              `json:"activeChain,omitempty"`
	ActiveAccount string              `json:"activeAccount,omitempty"`
	Accounts      []AccountView       `json:"accounts"`
	Keyrings      []KeyringView       `json:"keyrings"`
	Grants        []GrantView         `json:"grants"`
	Attention     []attention.Request `json:"attention"`
	Transactions  []txmgr.Record      `json:"transactions"`
}

// buildSnapshot assembles the current snapshot from every service.
func (a *adapter) buildSnapshot(ctx context.Context) *Snapshot {
	status := a.cfg.Vault.GetStatus()

	snap := &Snapshot{
		Vault: VaultView{
			Unlocked:      status.Unlocked,
			HasCiphertext: status.HasCiphertext,
		},
		Accounts:     []AccountView{},
		Keyrings:     []KeyringView{},
		Grants:       []GrantView{},
		Attention:    a.cfg.Attention.ClearExpired(),
		Transactions: a.cfg.Txmgr.List(),
	}

	if active, err := a.cfg.Chains.ActiveChain(); err == nil {
		snap.ActiveChain = active.Ref.String()
	}

	if value, err := a.cfg.Settings.Get(ctx, activeAccountKey); err == nil {
		snap.ActiveAccount = string(value)
	} else if !errors.Is(err, ports.ErrNotFound) {
		log.Warnf("Unable to read active account: %v", err)
	}

	for _, info := range a.cfg.Keyring.ListKeyrings() {
		view := KeyringView{
			ID:        info.ID,
			Kind:      info.Kind.String(),
			Namespace: info.Namespace,
			Accounts:  []AccountView{},
		}
		for _, account := range info.Accounts {
			av := AccountView{
				ID:        account.ID,
				KeyringID: account.KeyringID,
				Namespace: account.Namespace,
				Address:   account.Address,
				Index:     account.Index,
			}
			view.Accounts = append(view.Accounts, av)
			snap.Accounts = append(snap.Accounts, av)
		}
		snap.Keyrings = append(snap.Keyrings, view)
	}

	for _, rec := range a.cfg.Perms.Snapshot() {
		snap.Grants = append(snap.Grants, GrantView{
			Origin:       rec.Origin,
			Namespace:    rec.Namespace,
			Capabilities: rec.Caps.Strings(),
			Accounts:     rec.Accounts,
		})
	}

	return snap
}

// publishSnapshot rebuilds and pushes the snapshot. The state topic
// deduplicates, so publishing after a no-op mutation costs nothing
// downstream.
func (a *adapter) publishSnapshot(ctx context.Context) {
	if a.cfg.Messenger == nil {
		return
	}

	snap := a.buildSnapshot(ctx)
	err := msgbus.Publish(a.cfg.Messenger, TopicUISnapshot, snap)
	if err != nil {
		log.Errorf("Unable to publish UI snapshot: %v", err)
	}
}
