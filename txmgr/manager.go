// Package txmgr owns the transaction lifecycle: building drafts with current
// chain state, signing them while the vault is unlocked, broadcasting, and
// absorbing the chain's verdict. Every status change goes through a single
// transition table, so an illegal jump (a draft broadcast without a
// signature, a re-confirmed drop) fails loudly instead of corrupting the
// record. Records reach durable storage through the transactions port via a
// coalesced background flush.
package txmgr

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/orbitwallet/orbitd/batchflush"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/werr"
)

// Topics published by the manager.
var (
	// TopicTxChanged carries one event per status change.
	TopicTxChanged = msgbus.NewEventTopic[StatusChange]("txmgr.txChanged")

	// TopicTxState carries the full record snapshot after every change.
	TopicTxState = msgbus.NewStateTopic[[]Record]("txmgr.txState")
)

// StatusChange is the payload of TopicTxChanged.
type StatusChange struct {
	ID   string `json:"id"`
	From Status `json:"from"`
	To   Status `json:"to"`

	// Hash is set once the transaction reaches Submitted.
	Hash string `json:"hash,omitempty"`
}

// Record is one tracked transaction.
type Record struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// ChainRef is the chain the transaction targets.
	ChainRef chainreg.ChainRef `json:"chainRef"`

	// From is the namespace-qualified account that signs.
	From string `json:"from"`

	// Status is the lifecycle position.
	Status Status `json:"status"`

	// Hash is the chain-assigned transaction hash. Set exactly once, on
	// successful broadcast.
	Hash string `json:"hash,omitempty"`

	// Payload is the namespace-specific transaction body. BuildDraft
	// fills it with fee and nonce context; Sign replaces it with the
	// finalized signed form.
	Payload json.RawMessage `json:"payload"`

	// CreatedAt is when the draft was built.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the record last changed status.
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChainClient is the namespace-specific half of the lifecycle. One client is
// registered per chain namespace; it owns serialization, fee and nonce
// context, and the wire protocol toward the chain.
type ChainClient interface {
	// FillDraft completes a caller-supplied transaction body with fee
	// and nonce context read from the chain.
	FillDraft(ctx context.Context, chain *chainreg.ChainEntity,
		from string, payload json.RawMessage) (json.RawMessage, error)

	// SigningDigest computes the digest the account must sign for the
	// given draft body.
	SigningDigest(payload json.RawMessage) ([]byte, error)

	// FinalizeSigned folds the signature into the draft body, producing
	// the broadcastable form.
	FinalizeSigned(payload json.RawMessage,
		sig []byte) (json.RawMessage, error)

	// Broadcast submits the signed body and returns the chain-assigned
	// hash. A TxBroadcastRejected error means the chain condemned the
	// transaction itself; any other error is a transient fault and the
	// caller may retry.
	Broadcast(ctx context.Context, chain *chainreg.ChainEntity,
		payload json.RawMessage) (string, error)
}

// Signer is the signing capability the manager borrows from the keyring.
type Signer interface {
	SignDigest(ctx context.Context, accountID string,
		digest []byte) ([]byte, error)
}

// Config packages the manager's dependencies.
type Config struct {
	// Registry resolves chain references to metadata.
	Registry *chainreg.Registry

	// Store persists records. Writes are coalesced.
	Store ports.Transactions

	// Signer signs digests. Signing fails while the vault is locked.
	Signer Signer

	// Clients maps a chain namespace to its client.
	Clients map[string]ChainClient

	// Messenger publishes status changes. It must allow publishing on
	// TopicTxChanged and TopicTxState.
	Messenger msgbus.Messenger

	// Clock is the time source. Tests substitute a fake.
	Clock clock.Clock
}

// Manager tracks transactions through their lifecycle.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*Record
	dirty   map[string]struct{}

	flusher *batchflush.Flusher
}

// NewManager creates a manager with no tracked transactions.
func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	m := &Manager{
		cfg:     cfg,
		records: make(map[string]*Record),
		dirty:   make(map[string]struct{}),
	}
	m.flusher = batchflush.NewFlusher(m.flushDirty)

	return m
}

// Start loads persisted records and starts the background flusher. Drafts
// are never persisted, so everything loaded is Signed or later.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.cfg.Store.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		record, err := recordFromStored(rec)
		if err != nil {
			log.Warnf("Skipping malformed transaction record "+
				"%q: %v", rec.ID, err)
			continue
		}
		m.records[record.ID] = record
	}

	log.Infof("Transaction manager started with %d records",
		len(m.records))

	return m.flusher.Start()
}

// Stop flushes outstanding writes and stops the flusher.
func (m *Manager) Stop() error {
	if err := m.flushDirty(context.Background()); err != nil {
		log.Errorf("Final transaction flush failed: %v", err)
	}

	return m.flusher.Stop()
}

// BuildDraft builds a new draft transaction for the given chain and signing
// account. The namespace's client fills fee and nonce context. The draft is
// tracked in memory but deliberately not persisted: an unsigned draft is
// worthless after a restart.
func (m *Manager) BuildDraft(ctx context.Context, ref chainreg.ChainRef,
	from string, payload json.RawMessage) (*Record, error) {

	chain, err := m.cfg.Registry.Get(ref)
	if err != nil {
		return nil, err
	}
	client, err := m.client(ref.Namespace)
	if err != nil {
		return nil, err
	}

	filled, err := client.FillDraft(ctx, chain, from, payload)
	if err != nil {
		return nil, err
	}

	now := m.cfg.Clock.Now()
	record := &Record{
		ID:        uuid.NewString(),
		ChainRef:  ref,
		From:      from,
		Status:    StatusDraft,
		Payload:   filled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.records[record.ID] = record
	m.mu.Unlock()

	log.Debugf("Built draft %s on %v for %s", record.ID, ref, from)

	cp := *record
	return &cp, nil
}

// Sign signs the draft with its From account and transitions Draft→Signed.
// This is the only path that touches the root secret, and it fails with
// VaultLocked while the vault is locked.
func (m *Manager) Sign(ctx context.Context, id string) (*Record, error) {
	record, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(record.Status, StatusSigned); err != nil {
		return nil, err
	}

	client, err := m.client(record.ChainRef.Namespace)
	if err != nil {
		return nil, err
	}

	digest, err := client.SigningDigest(record.Payload)
	if err != nil {
		return nil, err
	}
	sig, err := m.cfg.Signer.SignDigest(ctx, record.From, digest)
	if err != nil {
		return nil, err
	}
	signed, err := client.FinalizeSigned(record.Payload, sig)
	if err != nil {
		return nil, err
	}

	return m.transition(id, StatusSigned, func(r *Record) {
		r.Payload = signed
	})
}

// Broadcast submits a signed transaction and transitions Signed→Submitted,
// recording the chain-assigned hash. A transient broadcast fault leaves the
// record Signed so the caller can retry; a TxBroadcastRejected from the
// client condemns the record to Failed.
func (m *Manager) Broadcast(ctx context.Context, id string) (*Record, error) {
	record, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(record.Status, StatusSubmitted); err != nil {
		return nil, err
	}

	chain, err := m.cfg.Registry.Get(record.ChainRef)
	if err != nil {
		return nil, err
	}
	client, err := m.client(record.ChainRef.Namespace)
	if err != nil {
		return nil, err
	}

	hash, err := client.Broadcast(ctx, chain, record.Payload)
	switch {
	case werr.HasReason(err, werr.TxBroadcastRejected):
		// The chain condemned the transaction itself. Terminal.
		log.Warnf("Broadcast of %s rejected: %v", id, err)
		if _, stateErr := m.transition(
			id, StatusFailed, nil,
		); stateErr != nil {
			log.Errorf("Unable to fail %s: %v", id, stateErr)
		}
		return nil, err

	case err != nil:
		// Transient fault. The record stays Signed and the caller
		// may retry.
		log.Warnf("Broadcast of %s failed transiently: %v", id, err)
		return nil, err
	}

	return m.transition(id, StatusSubmitted, func(r *Record) {
		r.Hash = hash
	})
}

// MarkConfirmed records the chain's confirmation of a submitted transaction.
func (m *Manager) MarkConfirmed(id string) (*Record, error) {
	return m.externalTransition(id, StatusConfirmed)
}

// MarkDropped records that the chain forgot a submitted transaction.
func (m *Manager) MarkDropped(id string) (*Record, error) {
	return m.externalTransition(id, StatusDropped)
}

// Get returns a copy of the record with the given id.
func (m *Manager) Get(id string) (*Record, error) {
	return m.get(id)
}

// List returns copies of every tracked record, newest first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

// externalTransition applies a transition driven by a chain-side event.
func (m *Manager) externalTransition(id string, to Status) (*Record, error) {
	record, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(record.Status, to); err != nil {
		return nil, err
	}

	return m.transition(id, to, nil)
}

// get returns a copy of the record, or TxInvalidTransition when unknown.
func (m *Manager) get(id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return nil, werr.Newf(werr.TxInvalidTransition,
			"unknown transaction %s", id)
	}

	cp := *record
	return &cp, nil
}

// client resolves the namespace's chain client.
func (m *Manager) client(namespace string) (ChainClient, error) {
	client, ok := m.cfg.Clients[namespace]
	if !ok {
		return nil, werr.Newf(werr.ChainNotSupported,
			"no chain client for namespace %q", namespace)
	}

	return client, nil
}

// transition re-validates and applies a status change under the lock,
// stamps the record, marks it dirty, requests a flush and publishes both
// topics. mutate, when non-nil, runs on the record inside the same critical
// section so the status change and its side data land atomically.
func (m *Manager) transition(id string, to Status,
	mutate func(*Record)) (*Record, error) {

	m.mu.Lock()

	record, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil, werr.Newf(werr.TxInvalidTransition,
			"unknown transaction %s", id)
	}
	if err := checkTransition(record.Status, to); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	from := record.Status
	record.Status = to
	record.UpdatedAt = m.cfg.Clock.Now()
	if mutate != nil {
		mutate(record)
	}

	m.dirty[id] = struct{}{}

	cp := *record
	change := StatusChange{ID: id, From: from, To: to, Hash: record.Hash}
	snapshot := m.snapshotLocked()

	m.mu.Unlock()

	log.Infof("Transaction %s: %v -> %v", id, from, to)

	m.flusher.Request()
	m.publish(change, snapshot)

	return &cp, nil
}

// snapshotLocked copies the records, newest first. The caller must hold
// m.mu.
func (m *Manager) snapshotLocked() []Record {
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out
}

// publish pushes the change event and the state snapshot.
func (m *Manager) publish(change StatusChange, snapshot []Record) {
	if m.cfg.Messenger == nil {
		return
	}

	err := msgbus.Publish(m.cfg.Messenger, TopicTxChanged, change)
	if err != nil {
		log.Errorf("Unable to publish tx change: %v", err)
	}
	err = msgbus.Publish(m.cfg.Messenger, TopicTxState, snapshot)
	if err != nil {
		log.Errorf("Unable to publish tx snapshot: %v", err)
	}
}

// flushDirty writes every dirty record through the transactions port. It
// runs on the flusher's goroutine.
func (m *Manager) flushDirty(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]*ports.TransactionRecord, 0, len(m.dirty))
	for id := range m.dirty {
		record, ok := m.records[id]
		if !ok {
			continue
		}
		pending = append(pending, storedFromRecord(record))
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	for i, rec := range pending {
		if err := m.cfg.Store.Upsert(ctx, rec); err != nil {
			// Re-mark what did not make it so the next flush
			// retries.
			m.mu.Lock()
			for _, missed := range pending[i:] {
				m.dirty[missed.ID] = struct{}{}
			}
			m.mu.Unlock()

			return err
		}
	}

	return nil
}

// storedFromRecord converts to the port's stored form.
func storedFromRecord(record *Record) *ports.TransactionRecord {
	return &ports.TransactionRecord{
		ID:        record.ID,
		ChainRef:  record.ChainRef.String(),
		From:      record.From,
		Status:    record.Status.String(),
		Hash:      record.Hash,
		Payload:   record.Payload,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

// recordFromStored converts from the port's stored form.
func recordFromStored(rec *ports.TransactionRecord) (*Record, error) {
	ref, err := chainreg.ParseChainRef(rec.ChainRef)
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(rec.Status)
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:        rec.ID,
		ChainRef:  ref,
		From:      rec.From,
		Status:    status,
		Hash:      rec.Hash,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}
