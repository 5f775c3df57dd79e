package keyring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"

	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/vault"
	"github.com/orbitwallet/orbitd/werr"
)

var (
	// ErrDuplicateAccount is returned when an imported key resolves to
	// an account the service already tracks.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrNotHDKeyring is returned when DeriveAccount targets a keyring
	// that cannot derive.
	ErrNotHDKeyring = errors.New("keyring cannot derive accounts")
)

// hdPurpose is the BIP43 purpose field of every HD path this service
// derives: m/44'/coinType'/accountIndex'/0/index.
const hdPurpose = 44

// hdMaterial is the stored (non-secret) parameters of an HD keyring.
type hdMaterial struct {
	// AccountIndex is the BIP44 account' level, distinguishing multiple
	// HD keyrings within one namespace.
	AccountIndex uint32 `json:"accountIndex"`
}

// Config bundles the service's collaborators.
type Config struct {
	// Vault provides unlock state, the borrowed root secret, and blob
	// sealing for imported key material.
	Vault *vault.Vault

	// Codecs resolves namespace account formats.
	Codecs *CodecRegistry

	// Metas and Accounts persist keyring and account records.
	Metas    ports.KeyringMetas
	Accounts ports.Accounts

	// RevokeAccounts is invoked with the removed account ids whenever a
	// keyring is deleted, so permission grants naming those accounts can
	// be revoked in the same operation. May be nil.
	RevokeAccounts func(ctx context.Context, accountIDs []string) error
}

// keyringState is the in-memory view of one keyring.
type keyringState struct {
	meta     ports.KeyringMetaRecord
	kind     Kind
	accounts []Account
}

// Service owns all keyrings and accounts.
type Service struct {
	cfg Config

	mu       sync.Mutex
	keyrings map[string]*keyringState
}

// NewService constructs the keyring service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		keyrings: make(map[string]*keyringState),
	}
}

// Start loads persisted keyring metadata and accounts into memory.
func (s *Service) Start(ctx context.Context) error {
	metas, err := s.cfg.Metas.List(ctx)
	if err != nil {
		return fmt.Errorf("list keyring metas: %w", err)
	}
	accounts, err := s.cfg.Accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, meta := range metas {
		kind, err := KindFromString(meta.Kind)
		if err != nil {
			return err
		}
		s.keyrings[meta.ID] = &keyringState{meta: *meta, kind: kind}
	}
	for _, rec := range accounts {
		state, ok := s.keyrings[rec.KeyringID]
		if !ok {
			log.Warnf("Account %s references unknown keyring %s, "+
				"skipping", rec.ID, rec.KeyringID)
			continue
		}
		state.accounts = append(state.accounts, Account{
			ID:        rec.ID,
			KeyringID: rec.KeyringID,
			Namespace: rec.Namespace,
			Address:   rec.Address,
			Index:     rec.DerivationIndex,
			CreatedAt: rec.CreatedAt,
		})
	}
	for _, state := range s.keyrings {
		sort.Slice(state.accounts, func(i, j int) bool {
			return state.accounts[i].Index < state.accounts[j].Index
		})
	}

	log.Infof("Keyring service started with %d keyring(s)",
		len(s.keyrings))
	return nil
}

// CreateHDKeyring creates a new HD keyring for the namespace and returns its
// id. No accounts exist until DeriveAccount is called.
func (s *Service) CreateHDKeyring(ctx context.Context,
	namespace string) (string, error) {

	if _, err := s.cfg.Codecs.Lookup(namespace); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The account' path level separates multiple HD keyrings sharing the
	// namespace, keeping their derivation spaces disjoint.
	var accountIndex uint32
	for _, state := range s.keyrings {
		if state.kind == KindHD && state.meta.Namespace == namespace {
			accountIndex++
		}
	}

	material, err := json.Marshal(hdMaterial{AccountIndex: accountIndex})
	if err != nil {
		return "", err
	}

	meta := ports.KeyringMetaRecord{
		ID:        uuid.NewString(),
		Kind:      KindHD.String(),
		Namespace: namespace,
		Material:  material,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.cfg.Metas.Upsert(ctx, &meta); err != nil {
		return "", fmt.Errorf("persist keyring meta: %w", err)
	}

	s.keyrings[meta.ID] = &keyringState{meta: meta, kind: KindHD}

	log.Infof("Created HD keyring %s for namespace %s (account level %d)",
		meta.ID, namespace, accountIndex)
	return meta.ID, nil
}

// DeriveAccount extends an HD keyring by its next unused index. Requires the
// vault to be unlocked.
func (s *Service) DeriveAccount(ctx context.Context,
	keyringID string) (Account, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.keyrings[keyringID]
	if !ok {
		return Account{}, werr.Newf(werr.KeyringNotFound,
			"unknown keyring %s", keyringID)
	}
	if state.kind != KindHD {
		return Account{}, ErrNotHDKeyring
	}

	codec, err := s.cfg.Codecs.Lookup(state.meta.Namespace)
	if err != nil {
		return Account{}, err
	}

	var material hdMaterial
	if err := json.Unmarshal(state.meta.Material, &material); err != nil {
		return Account{}, fmt.Errorf("decode hd material: %w", err)
	}

	index := state.meta.NextIndex

	var account Account
	err = s.withHDKey(codec, material.AccountIndex, index,
		func(priv *btcec.PrivateKey) error {
			addr, err := codec.AddressFromPubKey(priv.PubKey())
			if err != nil {
				return err
			}
			account = Account{
				ID:        AccountID(state.meta.Namespace, addr),
				KeyringID: keyringID,
				Namespace: state.meta.Namespace,
				Address:   addr,
				Index:     index,
				CreatedAt: time.Now().UTC(),
			}
			return nil
		},
	)
	if err != nil {
		return Account{}, err
	}

	if err := s.cfg.Accounts.Upsert(ctx, &ports.AccountRecord{
		ID:              account.ID,
		KeyringID:       account.KeyringID,
		Namespace:       account.Namespace,
		Address:         account.Address,
		DerivationIndex: account.Index,
		CreatedAt:       account.CreatedAt,
	}); err != nil {
		return Account{}, fmt.Errorf("persist account: %w", err)
	}

	state.meta.NextIndex = index + 1
	if err := s.cfg.Metas.Upsert(ctx, &state.meta); err != nil {
		return Account{}, fmt.Errorf("persist keyring meta: %w", err)
	}
	state.accounts = append(state.accounts, account)

	log.Infof("Derived account %s at index %d", account.ID, index)
	return account, nil
}

// ImportPrivateKey creates a single-account keyring around the given
// secp256k1 private key. The key is stored sealed under the vault's root
// secret, so this requires the vault to be unlocked.
func (s *Service) ImportPrivateKey(ctx context.Context, namespace string,
	key []byte) (Account, error) {

	codec, err := s.cfg.Codecs.Lookup(namespace)
	if err != nil {
		return Account{}, err
	}
	if len(key) != 32 {
		return Account{}, werr.Newf(werr.RpcInvalidParams,
			"private key must be 32 bytes, got %d", len(key))
	}

	priv, pub := btcec.PrivKeyFromBytes(key)
	defer priv.Zero()

	addr, err := codec.AddressFromPubKey(pub)
	if err != nil {
		return Account{}, err
	}
	accountID := AccountID(namespace, addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.keyrings {
		for _, acct := range state.accounts {
			if acct.ID == accountID {
				return Account{}, ErrDuplicateAccount
			}
		}
	}

	sealed, err := s.cfg.Vault.SealBlob(key)
	if err != nil {
		return Account{}, err
	}
	material, err := sealed.Marshal()
	if err != nil {
		return Account{}, err
	}

	account := Account{
		ID:        accountID,
		KeyringID: uuid.NewString(),
		Namespace: namespace,
		Address:   addr,
		CreatedAt: time.Now().UTC(),
	}
	meta := ports.KeyringMetaRecord{
		ID:        account.KeyringID,
		Kind:      KindImported.String(),
		Namespace: namespace,
		Material:  material,
		CreatedAt: account.CreatedAt,
	}

	if err := s.cfg.Metas.Upsert(ctx, &meta); err != nil {
		return Account{}, fmt.Errorf("persist keyring meta: %w", err)
	}
	if err := s.cfg.Accounts.Upsert(ctx, &ports.AccountRecord{
		ID:        account.ID,
		KeyringID: account.KeyringID,
		Namespace: namespace,
		Address:   addr,
		CreatedAt: account.CreatedAt,
	}); err != nil {
		return Account{}, fmt.Errorf("persist account: %w", err)
	}

	s.keyrings[meta.ID] = &keyringState{
		meta:     meta,
		kind:     KindImported,
		accounts: []Account{account},
	}

	log.Infof("Imported private-key keyring %s (%s)", meta.ID, accountID)
	return account, nil
}

// RemoveKeyring deletes a keyring and all of its accounts, then invokes the
// permission revoker with the removed account ids.
func (s *Service) RemoveKeyring(ctx context.Context, keyringID string) error {
	s.mu.Lock()
	state, ok := s.keyrings[keyringID]
	if !ok {
		s.mu.Unlock()
		return werr.Newf(werr.KeyringNotFound, "unknown keyring %s",
			keyringID)
	}

	removed := make([]string, 0, len(state.accounts))
	for _, acct := range state.accounts {
		removed = append(removed, acct.ID)
	}
	delete(s.keyrings, keyringID)
	s.mu.Unlock()

	for _, id := range removed {
		if err := s.cfg.Accounts.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove account %s: %w", id, err)
		}
	}
	if err := s.cfg.Metas.Remove(ctx, keyringID); err != nil {
		return fmt.Errorf("remove keyring meta: %w", err)
	}

	if s.cfg.RevokeAccounts != nil && len(removed) > 0 {
		if err := s.cfg.RevokeAccounts(ctx, removed); err != nil {
			return fmt.Errorf("revoke permissions: %w", err)
		}
	}

	log.Infof("Removed keyring %s and %d account(s)", keyringID,
		len(removed))
	return nil
}

// ListKeyrings returns all keyrings and their accounts, ordered by id.
func (s *Service) ListKeyrings() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Info, 0, len(s.keyrings))
	for _, state := range s.keyrings {
		accounts := make([]Account, len(state.accounts))
		copy(accounts, state.accounts)
		out = append(out, Info{
			ID:        state.meta.ID,
			Kind:      state.kind,
			Namespace: state.meta.Namespace,
			Accounts:  accounts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAccounts returns every account across all keyrings, ordered by id.
func (s *Service) ListAccounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Account
	for _, state := range s.keyrings {
		out = append(out, state.accounts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AccountsForNamespace returns the accounts within one namespace.
func (s *Service) AccountsForNamespace(namespace string) []Account {
	var out []Account
	for _, acct := range s.ListAccounts() {
		if acct.Namespace == namespace {
			out = append(out, acct)
		}
	}
	return out
}

// LookupAccount resolves a namespace-qualified account id.
func (s *Service) LookupAccount(accountID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.keyrings {
		for _, acct := range state.accounts {
			if acct.ID == accountID {
				return acct, nil
			}
		}
	}
	return Account{}, werr.Newf(werr.AccountNotFound,
		"unknown account %s", accountID)
}

// SignDigest signs a digest with the account's private key in the
// namespace's signature format. The key is reconstructed for the duration
// of this call only and zeroized before returning. Fails with VaultLocked
// while the vault is locked.
func (s *Service) SignDigest(_ context.Context, accountID string,
	digest []byte) ([]byte, error) {

	if !s.cfg.Vault.GetStatus().Unlocked {
		return nil, werr.New(werr.VaultLocked, "vault is locked")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, account, err := s.findAccount(accountID)
	if err != nil {
		return nil, err
	}
	codec, err := s.cfg.Codecs.Lookup(account.Namespace)
	if err != nil {
		return nil, err
	}

	var sig []byte
	sign := func(priv *btcec.PrivateKey) error {
		var err error
		sig, err = codec.SignDigest(priv, digest)
		return err
	}

	switch state.kind {
	case KindHD:
		var material hdMaterial
		err := json.Unmarshal(state.meta.Material, &material)
		if err != nil {
			return nil, fmt.Errorf("decode hd material: %w", err)
		}
		err = s.withHDKey(
			codec, material.AccountIndex, account.Index, sign,
		)
		if err != nil {
			return nil, err
		}

	case KindImported:
		ct, err := vault.ParseCiphertext(state.meta.Material)
		if err != nil {
			return nil, err
		}
		raw, err := s.cfg.Vault.OpenBlob(ct)
		if err != nil {
			return nil, err
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		zeroBytes(raw)
		err = sign(priv)
		priv.Zero()
		if err != nil {
			return nil, err
		}
	}

	return sig, nil
}

// findAccount locates an account and its keyring. Callers must hold the
// mutex.
func (s *Service) findAccount(accountID string) (*keyringState, Account,
	error) {

	for _, state := range s.keyrings {
		for _, acct := range state.accounts {
			if acct.ID == accountID {
				return state, acct, nil
			}
		}
	}
	return nil, Account{}, werr.Newf(werr.AccountNotFound,
		"unknown account %s", accountID)
}

// withHDKey borrows the root secret from the vault, derives the private key
// at m/44'/coinType'/accountIndex'/0/index and hands it to f. All key
// material is zeroized before returning; f must not retain the key.
func (s *Service) withHDKey(codec Codec, accountIndex, index uint32,
	f func(*btcec.PrivateKey) error) error {

	seed, err := s.cfg.Vault.ExportKey()
	if err != nil {
		return err
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return fmt.Errorf("derive master key: %w", err)
	}
	defer master.Zero()

	path := []uint32{
		hdkeychain.HardenedKeyStart + hdPurpose,
		hdkeychain.HardenedKeyStart + codec.CoinType(),
		hdkeychain.HardenedKeyStart + accountIndex,
		0,
		index,
	}

	key := master
	for _, childIndex := range path {
		child, err := key.Derive(childIndex)
		if key != master {
			key.Zero()
		}
		if err != nil {
			return fmt.Errorf("derive child %d: %w", childIndex,
				err)
		}
		key = child
	}
	defer key.Zero()

	priv, err := key.ECPrivKey()
	if err != nil {
		return fmt.Errorf("extract private key: %w", err)
	}
	defer priv.Zero()

	return f(priv)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
