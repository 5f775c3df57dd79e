// Package perms implements the origin-scoped permission store. A grant is
// keyed by (origin, namespace) and carries a canonically ordered capability
// set plus the accounts the origin may act through. Absence of a grant means
// no access; there is no default-allow path anywhere in this package.
package perms

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/ports"
	"github.com/orbitwallet/orbitd/werr"
)

// Topic names this service publishes on.
var (
	// TopicOriginChanged fires once per grant mutation, carrying the
	// affected origin.
	TopicOriginChanged = msgbus.NewEventTopic[OriginChange](
		"perms.originChanged",
	)

	// TopicGrantsChanged carries the deduplicated full-grant snapshot.
	TopicGrantsChanged = msgbus.NewStateTopic[[]Record](
		"perms.stateChanged",
	)
)

// OriginChange identifies the grant touched by a mutation.
type OriginChange struct {
	Origin    string
	Namespace string
}

// Record is one (origin, namespace) grant.
type Record struct {
	Origin    string
	Namespace string
	Caps      CapabilitySet

	// Accounts lists the permitted account ids, sorted.
	Accounts []string

	UpdatedAt time.Time
}

type grantKey struct {
	origin    string
	namespace string
}

// Config bundles the service's collaborators.
type Config struct {
	// Store persists grants.
	Store ports.Permissions

	// Messenger publishes TopicOriginChanged and TopicGrantsChanged.
	// May be nil, in which case mutations are not broadcast.
	Messenger msgbus.Messenger

	// Clock stamps mutations; defaults to the wall clock.
	Clock clock.Clock
}

// Service owns the in-memory grant table and its persistence.
type Service struct {
	cfg Config

	mu     sync.Mutex
	grants map[grantKey]Record
}

// NewService constructs the permission service.
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Service{
		cfg:    cfg,
		grants: make(map[grantKey]Record),
	}
}

// Start loads persisted grants into memory.
func (s *Service) Start(ctx context.Context) error {
	recs, err := s.cfg.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list permissions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		caps, err := ParseCapabilitySet(rec.Capabilities)
		if err != nil {
			return fmt.Errorf("grant %s/%s: %w", rec.Origin,
				rec.Namespace, err)
		}
		key := grantKey{rec.Origin, rec.Namespace}
		s.grants[key] = Record{
			Origin:    rec.Origin,
			Namespace: rec.Namespace,
			Caps:      caps,
			Accounts:  canonicalAccounts(rec.Accounts),
			UpdatedAt: rec.UpdatedAt,
		}
	}

	log.Infof("Permission service started with %d grant(s)",
		len(s.grants))
	return nil
}

// ListGrants returns all grants for the origin, ordered by namespace.
func (s *Service) ListGrants(origin string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for key, rec := range s.grants {
		if key.origin == origin {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		return cmpString(a.Namespace, b.Namespace)
	})
	return out
}

// GetPermittedAccounts returns exactly the most recently granted account
// set for (origin, namespace), or nil when no grant exists.
func (s *Service) GetPermittedAccounts(origin, namespace string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.grants[grantKey{origin, namespace}]
	if !ok {
		return nil
	}
	return slices.Clone(rec.Accounts)
}

// Grant sets the origin's capability set and permitted accounts for the
// namespace, replacing any previous grant under the same key.
func (s *Service) Grant(ctx context.Context, origin, namespace string,
	caps CapabilitySet, accounts []string) error {

	if origin == "" || namespace == "" {
		return werr.New(werr.RpcInvalidParams,
			"grant requires origin and namespace")
	}
	if caps.IsEmpty() {
		return werr.New(werr.RpcInvalidParams,
			"grant requires at least one capability")
	}

	rec := Record{
		Origin:    origin,
		Namespace: namespace,
		Caps:      caps,
		Accounts:  canonicalAccounts(accounts),
		UpdatedAt: s.cfg.Clock.Now().UTC(),
	}

	if err := s.cfg.Store.Upsert(ctx, &ports.PermissionRecord{
		Origin:       rec.Origin,
		Namespace:    rec.Namespace,
		Capabilities: rec.Caps.Strings(),
		Accounts:     rec.Accounts,
		UpdatedAt:    rec.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("persist grant: %w", err)
	}

	s.mu.Lock()
	s.grants[grantKey{origin, namespace}] = rec
	s.mu.Unlock()

	log.Infof("Granted [%s] to %s on %s (%d account(s))", rec.Caps,
		origin, namespace, len(rec.Accounts))

	s.broadcast(origin, namespace)
	return nil
}

// Revoke removes the origin's grant for one namespace, or for all of its
// namespaces when none is given.
func (s *Service) Revoke(ctx context.Context, origin string,
	namespace fn.Option[string]) error {

	s.mu.Lock()
	var doomed []grantKey
	for key := range s.grants {
		if key.origin != origin {
			continue
		}
		if namespace.IsSome() &&
			key.namespace != namespace.UnsafeFromSome() {

			continue
		}
		doomed = append(doomed, key)
	}
	s.mu.Unlock()

	// Persist each removal before dropping it from memory, so a failed
	// port write cannot leave a grant that resurrects on the next start.
	for _, key := range doomed {
		err := s.cfg.Store.Remove(ctx, key.origin, key.namespace)
		if err != nil {
			return fmt.Errorf("remove grant: %w", err)
		}

		s.mu.Lock()
		delete(s.grants, key)
		s.mu.Unlock()

		log.Infof("Revoked grant for %s on %s", key.origin,
			key.namespace)
		s.broadcast(key.origin, key.namespace)
	}
	return nil
}

// RevokeAccounts strips the given account ids from every grant naming them.
// The keyring service invokes this when a keyring is removed, so deleted
// accounts cannot linger inside grants.
func (s *Service) RevokeAccounts(ctx context.Context,
	accountIDs []string) error {

	doomed := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		doomed[id] = struct{}{}
	}

	s.mu.Lock()
	var touched []Record
	for key, rec := range s.grants {
		kept := rec.Accounts[:0:0]
		for _, id := range rec.Accounts {
			if _, gone := doomed[id]; !gone {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(rec.Accounts) {
			continue
		}
		rec.Accounts = kept
		rec.UpdatedAt = s.cfg.Clock.Now().UTC()
		s.grants[key] = rec
		touched = append(touched, rec)
	}
	s.mu.Unlock()

	for _, rec := range touched {
		if err := s.cfg.Store.Upsert(ctx, &ports.PermissionRecord{
			Origin:       rec.Origin,
			Namespace:    rec.Namespace,
			Capabilities: rec.Caps.Strings(),
			Accounts:     rec.Accounts,
			UpdatedAt:    rec.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("persist grant: %w", err)
		}
		s.broadcast(rec.Origin, rec.Namespace)
	}
	return nil
}

// Check verifies the origin holds the capability on the namespace, failing
// with PermissionDenied so the RPC layer can map it to the protocol's
// unauthorized response.
func (s *Service) Check(origin, namespace string, c Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.grants[grantKey{origin, namespace}]
	if !ok || !rec.Caps.Has(c) {
		return werr.Newf(werr.PermissionDenied,
			"origin %s lacks %s on %s", origin, c, namespace).
			WithData(map[string]any{
				"origin":     origin,
				"namespace":  namespace,
				"capability": c.String(),
			})
	}
	return nil
}

// Snapshot returns all grants, ordered by (origin, namespace).
func (s *Service) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.grants))
	for _, rec := range s.grants {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := cmpString(a.Origin, b.Origin); c != 0 {
			return c
		}
		return cmpString(a.Namespace, b.Namespace)
	})
	return out
}

// broadcast publishes the per-mutation event and the deduplicated state
// snapshot.
func (s *Service) broadcast(origin, namespace string) {
	if s.cfg.Messenger == nil {
		return
	}

	err := msgbus.Publish(s.cfg.Messenger, TopicOriginChanged,
		OriginChange{Origin: origin, Namespace: namespace})
	if err != nil {
		log.Errorf("Unable to publish origin change: %v", err)
	}

	err = msgbus.Publish(
		s.cfg.Messenger, TopicGrantsChanged, s.Snapshot(),
	)
	if err != nil {
		log.Errorf("Unable to publish grant snapshot: %v", err)
	}
}

// canonicalAccounts sorts and deduplicates an account id list.
func canonicalAccounts(accounts []string) []string {
	out := slices.Clone(accounts)
	slices.Sort(out)
	return slices.Compact(out)
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
