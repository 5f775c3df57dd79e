// Package memstore implements every persistence port over in-process maps.
// It backs unit tests and standalone daemon runs where no browser storage
// bridge is attached.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/orbitwallet/orbitd/ports"
)

// Stores bundles one in-memory implementation of each port.
type Stores struct {
	Accounts     *AccountStore
	KeyringMetas *KeyringMetaStore
	Permissions  *PermissionStore
	Transactions *TransactionStore
	Chains       *ChainStore
	Settings     *SettingsStore
	NetworkPrefs *NetworkPrefStore
	VaultMeta    *VaultMetaStore
}

// New creates a fresh set of empty stores.
func New() *Stores {
	return &Stores{
		Accounts:     &AccountStore{recs: make(map[string]ports.AccountRecord)},
		KeyringMetas: &KeyringMetaStore{recs: make(map[string]ports.KeyringMetaRecord)},
		Permissions:  &PermissionStore{recs: make(map[permKey]ports.PermissionRecord)},
		Transactions: &TransactionStore{recs: make(map[string]ports.TransactionRecord)},
		Chains:       &ChainStore{recs: make(map[string]ports.ChainRecord)},
		Settings:     &SettingsStore{recs: make(map[string][]byte)},
		NetworkPrefs: &NetworkPrefStore{},
		VaultMeta:    &VaultMetaStore{},
	}
}

// AccountStore implements ports.Accounts.
type AccountStore struct {
	mu   sync.RWMutex
	recs map[string]ports.AccountRecord
}

var _ ports.Accounts = (*AccountStore)(nil)

func (s *AccountStore) Get(_ context.Context,
	id string) (*ports.AccountRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &rec, nil
}

func (s *AccountStore) List(_ context.Context) ([]*ports.AccountRecord,
	error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ports.AccountRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *AccountStore) Upsert(_ context.Context,
	rec *ports.AccountRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.ID] = *rec
	return nil
}

func (s *AccountStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, id)
	return nil
}

func (s *AccountStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[string]ports.AccountRecord)
	return nil
}

// KeyringMetaStore implements ports.KeyringMetas.
type KeyringMetaStore struct {
	mu   sync.RWMutex
	recs map[string]ports.KeyringMetaRecord
}

var _ ports.KeyringMetas = (*KeyringMetaStore)(nil)

func (s *KeyringMetaStore) Get(_ context.Context,
	id string) (*ports.KeyringMetaRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &rec, nil
}

func (s *KeyringMetaStore) List(_ context.Context) (
	[]*ports.KeyringMetaRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ports.KeyringMetaRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *KeyringMetaStore) Upsert(_ context.Context,
	rec *ports.KeyringMetaRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.ID] = *rec
	return nil
}

func (s *KeyringMetaStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, id)
	return nil
}

func (s *KeyringMetaStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[string]ports.KeyringMetaRecord)
	return nil
}

type permKey struct {
	origin    string
	namespace string
}

// PermissionStore implements ports.Permissions.
type PermissionStore struct {
	mu   sync.RWMutex
	recs map[permKey]ports.PermissionRecord
}

var _ ports.Permissions = (*PermissionStore)(nil)

func (s *PermissionStore) Get(_ context.Context, origin,
	namespace string) (*ports.PermissionRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[permKey{origin, namespace}]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &rec, nil
}

func (s *PermissionStore) List(_ context.Context) (
	[]*ports.PermissionRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ports.PermissionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].Namespace < out[j].Namespace
	})
	return out, nil
}

func (s *PermissionStore) Upsert(_ context.Context,
	rec *ports.PermissionRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[permKey{rec.Origin, rec.Namespace}] = *rec
	return nil
}

func (s *PermissionStore) Remove(_ context.Context, origin,
	namespace string) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, permKey{origin, namespace})
	return nil
}

func (s *PermissionStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[permKey]ports.PermissionRecord)
	return nil
}

// TransactionStore implements ports.Transactions.
type TransactionStore struct {
	mu   sync.RWMutex
	recs map[string]ports.TransactionRecord
}

var _ ports.Transactions = (*TransactionStore)(nil)

func (s *TransactionStore) Get(_ context.Context,
	id string) (*ports.TransactionRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &rec, nil
}

func (s *TransactionStore) List(_ context.Context) (
	[]*ports.TransactionRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ports.TransactionRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *TransactionStore) Upsert(_ context.Context,
	rec *ports.TransactionRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.ID] = *rec
	return nil
}

func (s *TransactionStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, id)
	return nil
}

func (s *TransactionStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[string]ports.TransactionRecord)
	return nil
}

// ChainStore implements ports.ChainRegistry.
type ChainStore struct {
	mu   sync.RWMutex
	recs map[string]ports.ChainRecord
}

var _ ports.ChainRegistry = (*ChainStore)(nil)

func (s *ChainStore) Get(_ context.Context,
	ref string) (*ports.ChainRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[ref]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &rec, nil
}

func (s *ChainStore) GetAll(_ context.Context) ([]*ports.ChainRecord,
	error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ports.ChainRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func (s *ChainStore) Put(_ context.Context, rec *ports.ChainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs[rec.Ref] = *rec
	return nil
}

func (s *ChainStore) PutMany(ctx context.Context,
	recs []*ports.ChainRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		s.recs[rec.Ref] = *rec
	}
	return nil
}

func (s *ChainStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, ref)
	return nil
}

func (s *ChainStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[string]ports.ChainRecord)
	return nil
}

// SettingsStore implements ports.Settings.
type SettingsStore struct {
	mu   sync.RWMutex
	recs map[string][]byte
}

var _ ports.Settings = (*SettingsStore)(nil)

func (s *SettingsStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.recs[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *SettingsStore) Put(_ context.Context, key string,
	value []byte) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]byte, len(value))
	copy(cp, value)
	s.recs[key] = cp
	return nil
}

func (s *SettingsStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.recs, key)
	return nil
}

func (s *SettingsStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recs = make(map[string][]byte)
	return nil
}

// NetworkPrefStore implements ports.NetworkPreferences.
type NetworkPrefStore struct {
	mu  sync.RWMutex
	rec *ports.NetworkPreferenceRecord
}

var _ ports.NetworkPreferences = (*NetworkPrefStore)(nil)

func (s *NetworkPrefStore) Get(_ context.Context) (
	*ports.NetworkPreferenceRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rec == nil {
		return nil, ports.ErrNotFound
	}
	rec := *s.rec
	return &rec, nil
}

func (s *NetworkPrefStore) Put(_ context.Context,
	rec *ports.NetworkPreferenceRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.rec = &cp
	return nil
}

func (s *NetworkPrefStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec = nil
	return nil
}

// VaultMetaStore implements ports.VaultMeta.
type VaultMetaStore struct {
	mu  sync.RWMutex
	rec *ports.VaultMetaRecord
}

var _ ports.VaultMeta = (*VaultMetaStore)(nil)

func (s *VaultMetaStore) Get(_ context.Context) (*ports.VaultMetaRecord,
	error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.rec == nil {
		return nil, ports.ErrNotFound
	}
	rec := *s.rec
	rec.Ciphertext = append([]byte(nil), s.rec.Ciphertext...)
	return &rec, nil
}

func (s *VaultMetaStore) Put(_ context.Context,
	rec *ports.VaultMetaRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	s.rec = &cp
	return nil
}

func (s *VaultMetaStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rec = nil
	return nil
}
