// Package chainreg is the daemon's registry of known chains. Each entry keys
// chain metadata by its CAIP-2 reference; the registry also tracks which
// chain is currently active and persists that selection across restarts.
// The registry is constructed once at startup and passed by reference to
// every consumer, so the set of known chains is explicit configuration
// rather than hidden global state.
package chainreg

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/werr"
)

// SchemaVersion is the current chain metadata schema version. Stored records
// with an older version are rewritten on Put.
const SchemaVersion uint32 = 1

// TopicActiveChain carries the currently active chain entity. State
// semantics: subscribers see the latest selection on attach, and switching to
// the already-active chain publishes nothing.
var TopicActiveChain = msgbus.NewStateTopic[*ChainEntity]("chainreg.activeChain")

// Currency describes a chain's native unit.
type Currency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Metadata is the display and connectivity metadata for one chain. ChainRef
// and Namespace repeat the entity's own identity so the blob stays
// self-describing when it travels without its envelope; Put enforces that
// they match.
type Metadata struct {
	ChainRef     string   `json:"chainRef"`
	Namespace    string   `json:"namespace"`
	Name         string   `json:"name"`
	Currency     Currency `json:"currency"`
	RpcURLs      []string `json:"rpcUrls"`
	ExplorerURLs []string `json:"explorerUrls,omitempty"`
	Testnet      bool     `json:"testnet,omitempty"`
}

// ChainEntity is one registry entry.
type ChainEntity struct {
	// Ref is the entity's CAIP-2 key.
	Ref ChainRef

	// Namespace mirrors Ref.Namespace for callers that route by family.
	Namespace string

	// Metadata is the chain's metadata blob.
	Metadata Metadata

	// SchemaVersion is the metadata schema the entity was written with.
	SchemaVersion uint32

	// UpdatedAt is when the entity was last written.
	UpdatedAt time.Time
}

// Config packages the registry's dependencies.
type Config struct {
	// Store persists registry entries.
	Store ports.ChainRegistry

	// Prefs persists the active chain selection.
	Prefs ports.NetworkPreferences

	// Messenger publishes active chain changes. It must allow publishing
	// on TopicActiveChain.
	Messenger msgbus.Messenger

	// Clock is the time source. Tests substitute a fake.
	Clock clock.Clock
}

// Registry holds the known chains and the active selection.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	entities map[ChainRef]*ChainEntity
	active   ChainRef
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Registry{
		cfg:      cfg,
		entities: make(map[ChainRef]*ChainEntity),
	}
}

// Start loads the persisted entries and the active chain selection.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.cfg.Store.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		entity, err := entityFromRecord(rec)
		if err != nil {
			log.Warnf("Skipping malformed chain record %q: %v",
				rec.Ref, err)
			continue
		}
		r.entities[entity.Ref] = entity
	}

	pref, err := r.cfg.Prefs.Get(ctx)
	switch {
	case errors.Is(err, ports.ErrNotFound):

	case err != nil:
		return err

	case pref.ActiveChainRef != "":
		ref, err := ParseChainRef(pref.ActiveChainRef)
		if err == nil {
			if _, ok := r.entities[ref]; ok {
				r.active = ref
			}
		}
	}

	log.Infof("Chain registry started with %d chains, active=%v",
		len(r.entities), r.active)

	r.publishActiveLocked()

	return nil
}

// Get returns the entity for ref.
func (r *Registry) Get(ref ChainRef) (*ChainEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entity, ok := r.entities[ref]
	if !ok {
		return nil, werr.Newf(werr.ChainNotSupported,
			"unknown chain %v", ref)
	}

	cp := *entity
	return &cp, nil
}

// GetAll returns every entity, ordered by chain reference.
func (r *Registry) GetAll() []*ChainEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sortedLocked()
}

// Put validates and stores the entity, overwriting any existing entry for
// the same reference.
func (r *Registry) Put(ctx context.Context, entity *ChainEntity) error {
	if err := validateEntity(entity); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.putLocked(ctx, entity)
}

// PutMany validates and stores a batch of entities. Validation runs over the
// whole batch before anything is written, so a bad entry fails the batch
// without partial effects.
func (r *Registry) PutMany(ctx context.Context, entities []*ChainEntity) error {
	for _, entity := range entities {
		if err := validateEntity(entity); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make([]*ports.ChainRecord, 0, len(entities))
	stamped := make([]*ChainEntity, 0, len(entities))
	for _, entity := range entities {
		cp := *entity
		cp.SchemaVersion = SchemaVersion
		cp.UpdatedAt = r.cfg.Clock.Now()

		rec, err := recordFromEntity(&cp)
		if err != nil {
			return err
		}

		recs = append(recs, rec)
		stamped = append(stamped, &cp)
	}

	if err := r.cfg.Store.PutMany(ctx, recs); err != nil {
		return err
	}
	for _, entity := range stamped {
		r.entities[entity.Ref] = entity
	}

	return nil
}

// Delete removes the entity for ref. Deleting the active chain clears the
// active selection.
func (r *Registry) Delete(ctx context.Context, ref ChainRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[ref]; !ok {
		return werr.Newf(werr.ChainNotSupported, "unknown chain %v",
			ref)
	}

	if err := r.cfg.Store.Delete(ctx, ref.String()); err != nil {
		return err
	}
	delete(r.entities, ref)

	if r.active == ref {
		r.active = ChainRef{}
		if err := r.persistActiveLocked(ctx); err != nil {
			return err
		}
		r.publishActiveLocked()
	}

	return nil
}

// Clear removes every entity and the active selection.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Store.Clear(ctx); err != nil {
		return err
	}
	r.entities = make(map[ChainRef]*ChainEntity)

	if !r.active.IsZero() {
		r.active = ChainRef{}
		if err := r.persistActiveLocked(ctx); err != nil {
			return err
		}
		r.publishActiveLocked()
	}

	return nil
}

// SetActiveChain switches the active selection to ref, which must name a
// registered chain. Re-selecting the already-active chain is a no-op.
func (r *Registry) SetActiveChain(ctx context.Context, ref ChainRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[ref]; !ok {
		return werr.Newf(werr.ChainNotSupported, "unknown chain %v",
			ref)
	}
	if r.active == ref {
		return nil
	}

	r.active = ref
	if err := r.persistActiveLocked(ctx); err != nil {
		return err
	}

	log.Infof("Active chain switched to %v", ref)

	r.publishActiveLocked()

	return nil
}

// ActiveChain returns the active entity, or ChainNotSupported when no chain
// is selected.
func (r *Registry) ActiveChain() (*ChainEntity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active.IsZero() {
		return nil, werr.New(werr.ChainNotSupported,
			"no active chain selected")
	}

	cp := *r.entities[r.active]
	return &cp, nil
}

// putLocked stamps, persists and caches the entity. The caller must hold
// r.mu.
func (r *Registry) putLocked(ctx context.Context, entity *ChainEntity) error {
	cp := *entity
	cp.SchemaVersion = SchemaVersion
	cp.UpdatedAt = r.cfg.Clock.Now()

	rec, err := recordFromEntity(&cp)
	if err != nil {
		return err
	}
	if err := r.cfg.Store.Put(ctx, rec); err != nil {
		return err
	}

	r.entities[cp.Ref] = &cp

	return nil
}

// persistActiveLocked writes the active selection through the preferences
// port. The caller must hold r.mu.
func (r *Registry) persistActiveLocked(ctx context.Context) error {
	var refStr string
	if !r.active.IsZero() {
		refStr = r.active.String()
	}

	return r.cfg.Prefs.Put(ctx, &ports.NetworkPreferenceRecord{
		ActiveChainRef: refStr,
		UpdatedAt:      r.cfg.Clock.Now(),
	})
}

// publishActiveLocked pushes the active entity (nil when none) onto the
// state topic. The caller must hold r.mu.
func (r *Registry) publishActiveLocked() {
	if r.cfg.Messenger == nil {
		return
	}

	var entity *ChainEntity
	if !r.active.IsZero() {
		cp := *r.entities[r.active]
		entity = &cp
	}

	err := msgbus.Publish(r.cfg.Messenger, TopicActiveChain, entity)
	if err != nil {
		log.Errorf("Unable to publish active chain: %v", err)
	}
}

// sortedLocked copies the entities ordered by reference. The caller must
// hold r.mu.
func (r *Registry) sortedLocked() []*ChainEntity {
	out := make([]*ChainEntity, 0, len(r.entities))
	for _, entity := range r.entities {
		cp := *entity
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ref.String() < out[j].Ref.String()
	})

	return out
}

// validateEntity checks the structural invariants: a parseable reference,
// a namespace matching the reference, and metadata self-fields matching the
// entity's own identity.
func validateEntity(entity *ChainEntity) error {
	if entity == nil {
		return werr.New(werr.ChainNotSupported, "nil chain entity")
	}

	parsed, err := ParseChainRef(entity.Ref.String())
	if err != nil {
		return err
	}
	if entity.Namespace != parsed.Namespace {
		return werr.Newf(werr.ChainNotSupported,
			"entity namespace %q does not match reference %v",
			entity.Namespace, entity.Ref)
	}

	md := entity.Metadata
	if md.ChainRef != entity.Ref.String() {
		return werr.Newf(werr.ChainNotSupported,
			"metadata chainRef %q does not match entity %v",
			md.ChainRef, entity.Ref)
	}
	if md.Namespace != entity.Namespace {
		return werr.Newf(werr.ChainNotSupported,
			"metadata namespace %q does not match entity %q",
			md.Namespace, entity.Namespace)
	}
	if len(md.RpcURLs) == 0 {
		return werr.Newf(werr.ChainNotSupported,
			"chain %v has no RPC endpoints", entity.Ref)
	}

	return nil
}

// recordFromEntity serializes the entity into its stored form.
func recordFromEntity(entity *ChainEntity) (*ports.ChainRecord, error) {
	blob, err := json.Marshal(entity.Metadata)
	if err != nil {
		return nil, err
	}

	return &ports.ChainRecord{
		Ref:           entity.Ref.String(),
		Namespace:     entity.Namespace,
		Metadata:      blob,
		SchemaVersion: entity.SchemaVersion,
		UpdatedAt:     entity.UpdatedAt,
	}, nil
}

// entityFromRecord deserializes a stored record.
func entityFromRecord(rec *ports.ChainRecord) (*ChainEntity, error) {
	ref, err := ParseChainRef(rec.Ref)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(rec.Metadata, &md); err != nil {
		return nil, err
	}

	return &ChainEntity{
		Ref:           ref,
		Namespace:     rec.Namespace,
		Metadata:      md,
		SchemaVersion: rec.SchemaVersion,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}
