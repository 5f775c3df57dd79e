// Package ports declares the persistence contracts the wallet consumes.
// Implementations live outside this repository (the extension's IndexedDB
// bridge in production); ports/memstore provides the in-memory variant used
// by tests and standalone runs. Every port is a minimal CRUD surface keyed
// by the entity's natural key with no business logic behind it.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Get calls when no record exists under the key.
var ErrNotFound = errors.New("record not found")

// AccountRecord is the stored form of one derived or imported account.
type AccountRecord struct {
	// ID is the namespace-qualified account id, e.g. "eip155:0xabc...".
	ID string `json:"id"`

	// KeyringID names the keyring the account belongs to.
	KeyringID string `json:"keyringId"`

	// Namespace is the chain namespace the account lives in.
	Namespace string `json:"namespace"`

	// Address is the canonical address within the namespace.
	Address string `json:"address"`

	// DerivationIndex is the HD index, zero for imported accounts.
	DerivationIndex uint32 `json:"derivationIndex"`

	CreatedAt time.Time `json:"createdAt"`
}

// KeyringMetaRecord is the stored form of one keyring. Material is the
// vault-sealed blob holding whatever the keyring needs to reconstruct
// itself once the vault is unlocked; it is never plaintext.
type KeyringMetaRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Namespace string    `json:"namespace"`
	Material  []byte    `json:"material"`
	NextIndex uint32    `json:"nextIndex"`
	CreatedAt time.Time `json:"createdAt"`
}

// PermissionRecord is the stored form of one (origin, namespace) grant.
type PermissionRecord struct {
	Origin       string    `json:"origin"`
	Namespace    string    `json:"namespace"`
	Capabilities []string  `json:"capabilities"`
	Accounts     []string  `json:"accounts"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TransactionRecord is the stored form of one transaction attempt.
type TransactionRecord struct {
	ID        string          `json:"id"`
	ChainRef  string          `json:"chainRef"`
	From      string          `json:"from"`
	Status    string          `json:"status"`
	Hash      string          `json:"hash,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ChainRecord is the stored form of one chain registry entity.
type ChainRecord struct {
	Ref           string          `json:"ref"`
	Namespace     string          `json:"namespace"`
	Metadata      json.RawMessage `json:"metadata"`
	SchemaVersion uint32          `json:"schemaVersion"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// VaultMetaRecord holds the serialized vault ciphertext.
type VaultMetaRecord struct {
	Ciphertext []byte    `json:"ciphertext"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NetworkPreferenceRecord stores the active chain selection.
type NetworkPreferenceRecord struct {
	ActiveChainRef string    `json:"activeChainRef"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Accounts stores account records keyed by account id.
type Accounts interface {
	Get(ctx context.Context, id string) (*AccountRecord, error)
	List(ctx context.Context) ([]*AccountRecord, error)
	Upsert(ctx context.Context, rec *AccountRecord) error
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// KeyringMetas stores keyring metadata keyed by keyring id.
type KeyringMetas interface {
	Get(ctx context.Context, id string) (*KeyringMetaRecord, error)
	List(ctx context.Context) ([]*KeyringMetaRecord, error)
	Upsert(ctx context.Context, rec *KeyringMetaRecord) error
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// Permissions stores grants keyed by (origin, namespace).
type Permissions interface {
	Get(ctx context.Context, origin, namespace string) (*PermissionRecord,
		error)
	List(ctx context.Context) ([]*PermissionRecord, error)
	Upsert(ctx context.Context, rec *PermissionRecord) error
	Remove(ctx context.Context, origin, namespace string) error
	Clear(ctx context.Context) error
}

// Transactions stores transaction records keyed by transaction id.
type Transactions interface {
	Get(ctx context.Context, id string) (*TransactionRecord, error)
	List(ctx context.Context) ([]*TransactionRecord, error)
	Upsert(ctx context.Context, rec *TransactionRecord) error
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// ChainRegistry stores chain records keyed by chain reference.
type ChainRegistry interface {
	Get(ctx context.Context, ref string) (*ChainRecord, error)
	GetAll(ctx context.Context) ([]*ChainRecord, error)
	Put(ctx context.Context, rec *ChainRecord) error
	PutMany(ctx context.Context, recs []*ChainRecord) error
	Delete(ctx context.Context, ref string) error
	Clear(ctx context.Context) error
}

// Settings stores opaque key/value settings.
type Settings interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// NetworkPreferences stores the singleton network selection.
type NetworkPreferences interface {
	Get(ctx context.Context) (*NetworkPreferenceRecord, error)
	Put(ctx context.Context, rec *NetworkPreferenceRecord) error
	Clear(ctx context.Context) error
}

// VaultMeta stores the singleton vault ciphertext.
type VaultMeta interface {
	Get(ctx context.Context) (*VaultMetaRecord, error)
	Put(ctx context.Context, rec *VaultMetaRecord) error
	Clear(ctx context.Context) error
}
