// Package attention maintains the queue of items that need an explicit user
// decision before a caller's request may proceed: unlock prompts, connection
// requests, signature approvals. Entries carry a deadline; an entry the user
// never acts on expires rather than lingering forever, and any caller
// suspended on it is woken with a timeout-specific error.
package attention

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"

	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/werr"
)

// DefaultTTL bounds how long an entry stays actionable when the enqueuer does
// not pick a deadline itself.
const DefaultTTL = 5 * time.Minute

// TopicQueueChanged carries the full queue snapshot after every mutation.
// State semantics: late subscribers receive the latest snapshot on attach.
var TopicQueueChanged = msgbus.NewStateTopic[[]Request]("attention.queueChanged")

// Reason classifies why user attention is needed.
type Reason string

const (
	// ReasonUnlock asks the user to unlock the vault.
	ReasonUnlock Reason = "unlock"

	// ReasonConnect asks the user to approve an origin's connection.
	ReasonConnect Reason = "connect"

	// ReasonSignature asks the user to approve a signature.
	ReasonSignature Reason = "signature"

	// ReasonTransaction asks the user to approve an outgoing transaction.
	ReasonTransaction Reason = "transaction"
)

// Request is one pending item in the queue.
type Request struct {
	// ID uniquely identifies the entry for the lifetime of the queue.
	ID string `json:"id"`

	// Reason says what kind of decision is being asked of the user.
	Reason Reason `json:"reason"`

	// Origin is the page that triggered the request, if any.
	Origin string `json:"origin,omitempty"`

	// Method is the RPC method that triggered the request, if any.
	Method string `json:"method,omitempty"`

	// ChainRef is the chain the request concerns, if any.
	ChainRef string `json:"chainRef,omitempty"`

	// Namespace is the chain namespace the request concerns, if any.
	Namespace string `json:"namespace,omitempty"`

	// RequestedAt is when the entry was enqueued.
	RequestedAt time.Time `json:"requestedAt"`

	// ExpiresAt is the deadline after which the entry is no longer
	// actionable.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Params describes the entry to enqueue. ID, RequestedAt and ExpiresAt are
// assigned by the queue.
type Params struct {
	Reason    Reason
	Origin    string
	Method    string
	ChainRef  string
	Namespace string

	// TTL overrides the queue's default deadline when non-zero.
	TTL time.Duration
}

// Config packages the queue's dependencies.
type Config struct {
	// Clock is the time source. Tests substitute a fake.
	Clock clock.Clock

	// Messenger publishes queue snapshots. It must allow publishing on
	// TopicQueueChanged.
	Messenger msgbus.Messenger

	// DefaultTTL overrides DefaultTTL when non-zero.
	DefaultTTL time.Duration
}

// Queue holds pending attention requests. Expiry is lazy: expired entries are
// purged when the queue is next read or mutated, not by a background timer.
type Queue struct {
	cfg Config
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]Request
	waiters map[string][]chan error
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return &Queue{
		cfg:     cfg,
		ttl:     ttl,
		entries: make(map[string]Request),
		waiters: make(map[string][]chan error),
	}
}

// RequestAttention enqueues a new entry, or returns the existing one when an
// unexpired entry with the same (reason, origin, method) is already pending.
// The bool reports whether a new entry was created. The snapshot reflects the
// queue after the call.
func (q *Queue) RequestAttention(p Params) (Request, bool, []Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked()

	for _, e := range q.entries {
		if e.Reason == p.Reason && e.Origin == p.Origin &&
			e.Method == p.Method {

			return e, false, q.snapshotLocked()
		}
	}

	ttl := p.TTL
	if ttl == 0 {
		ttl = q.ttl
	}

	now := q.cfg.Clock.Now()
	req := Request{
		ID:          uuid.NewString(),
		Reason:      p.Reason,
		Origin:      p.Origin,
		Method:      p.Method,
		ChainRef:    p.ChainRef,
		Namespace:   p.Namespace,
		RequestedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
	q.entries[req.ID] = req

	log.Debugf("Enqueued attention request %s reason=%s origin=%s "+
		"method=%s", req.ID, req.Reason, req.Origin, req.Method)

	snapshot := q.snapshotLocked()
	q.publishLocked(snapshot)

	return req, true, snapshot
}

// AwaitResolution registers a waiter on the entry with the given id. The
// returned channel receives exactly one value: nil when the entry is
// approved, RpcUserRejected when it is dismissed, RpcRequestExpired when it
// expires. An unknown id fails with AttentionExpired since the entry has
// already left the queue.
func (q *Queue) AwaitResolution(id string) (<-chan error, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked()

	if _, ok := q.entries[id]; !ok {
		return nil, werr.Newf(werr.AttentionExpired,
			"attention request %s is not pending", id)
	}

	ch := make(chan error, 1)
	q.waiters[id] = append(q.waiters[id], ch)

	return ch, nil
}

// Approve resolves the entry with the given id in the affirmative, waking any
// waiters with a nil error.
func (q *Queue) Approve(id string) error {
	return q.resolve(id, nil)
}

// Dismiss resolves the entry with the given id as rejected by the user,
// waking any waiters with RpcUserRejected.
func (q *Queue) Dismiss(id string) error {
	return q.resolve(id, werr.Newf(werr.RpcUserRejected,
		"user dismissed attention request %s", id))
}

// resolve removes the entry and delivers result to its waiters.
func (q *Queue) resolve(id string, result error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked()

	if _, ok := q.entries[id]; !ok {
		return werr.Newf(werr.AttentionExpired,
			"attention request %s is not pending", id)
	}

	delete(q.entries, id)
	q.wakeLocked(id, result)

	log.Debugf("Resolved attention request %s (result=%v)", id, result)

	q.publishLocked(q.snapshotLocked())

	return nil
}

// ClearExpired purges every entry past its deadline, waking their waiters
// with RpcRequestExpired, and publishes the new snapshot when anything was
// removed. It returns the snapshot after the purge.
func (q *Queue) ClearExpired() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := q.expireLocked()
	snapshot := q.snapshotLocked()
	if removed > 0 {
		q.publishLocked(snapshot)
	}

	return snapshot
}

// Snapshot returns the pending entries ordered by enqueue time. Expired
// entries are purged first.
func (q *Queue) Snapshot() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.expireLocked() > 0 {
		snapshot := q.snapshotLocked()
		q.publishLocked(snapshot)
		return snapshot
	}

	return q.snapshotLocked()
}

// expireLocked removes every entry whose deadline has passed and wakes its
// waiters with RpcRequestExpired. It returns how many entries were removed.
// The caller must hold q.mu.
func (q *Queue) expireLocked() int {
	now := q.cfg.Clock.Now()

	var removed int
	for id, e := range q.entries {
		if e.ExpiresAt.After(now) {
			continue
		}

		delete(q.entries, id)
		q.wakeLocked(id, werr.Newf(werr.RpcRequestExpired,
			"attention request %s expired", id))
		removed++

		log.Debugf("Expired attention request %s reason=%s", id,
			e.Reason)
	}

	return removed
}

// wakeLocked delivers result to every waiter on id and drops them. The caller
// must hold q.mu.
func (q *Queue) wakeLocked(id string, result error) {
	for _, ch := range q.waiters[id] {
		ch <- result
	}
	delete(q.waiters, id)
}

// snapshotLocked copies the pending entries, oldest first. The caller must
// hold q.mu.
func (q *Queue) snapshotLocked() []Request {
	snapshot := make([]Request, 0, len(q.entries))
	for _, e := range q.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].RequestedAt.Equal(snapshot[j].RequestedAt) {
			return snapshot[i].ID < snapshot[j].ID
		}
		return snapshot[i].RequestedAt.Before(snapshot[j].RequestedAt)
	})

	return snapshot
}

// publishLocked pushes a snapshot onto the state topic. Publish failures are
// logged, not surfaced: the queue's own state is already consistent.
func (q *Queue) publishLocked(snapshot []Request) {
	if q.cfg.Messenger == nil {
		return
	}

	err := msgbus.Publish(q.cfg.Messenger, TopicQueueChanged, snapshot)
	if err != nil {
		log.Errorf("Unable to publish attention snapshot: %v", err)
	}
}
