// Package msgbus implements the typed publish/subscribe bus that connects
// the wallet's services to their observers (UI snapshots, the provider
// bridge). Topics are declared up front and registered on a Bus at startup;
// components receive a ScopedMessenger that statically limits which topics
// they may touch, so unrelated subsystems cannot observe or forge each
// other's traffic.
package msgbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

var (
	// ErrTopicNotRegistered is returned when a topic name is unknown to
	// the bus.
	ErrTopicNotRegistered = errors.New("topic not registered on bus")

	// ErrTopicNotAllowed is returned when a scoped messenger is used
	// outside its declared topic set.
	ErrTopicNotAllowed = errors.New("topic not in messenger scope")

	// ErrTopicTypeMismatch is returned when a topic name was registered
	// with a different value type.
	ErrTopicTypeMismatch = errors.New("topic registered with different type")

	// ErrBusShuttingDown is returned for operations on a stopped bus.
	ErrBusShuttingDown = errors.New("message bus shutting down")
)

// ErrorSink receives errors recovered from subscriber callbacks. Delivery to
// remaining subscribers always continues after a sink report.
type ErrorSink func(topic string, err error)

// Messenger is the capability to publish and subscribe on some set of
// topics. The Bus itself is the unscoped messenger; components are handed a
// ScopedMessenger instead.
type Messenger interface {
	// resolve returns the broadcaster registered under the topic name,
	// enforcing any scope restriction. forPublish distinguishes the
	// publish and subscribe allow-lists.
	resolve(name string, forPublish bool) (any, error)

	// sink returns the error sink errors recovered from subscriber
	// callbacks are reported to.
	sink() ErrorSink
}

// Bus is the unscoped messenger owning all registered topics. It is
// constructed once at daemon startup, topics are registered before any
// component starts, and components receive scoped views of it.
type Bus struct {
	mu      sync.RWMutex
	topics  map[string]any
	errSink ErrorSink
	stopped bool
}

// A compile-time check to ensure Bus implements Messenger.
var _ Messenger = (*Bus)(nil)

// NewBus creates an empty bus. Recovered subscriber errors are reported to
// errSink; a nil sink discards them.
func NewBus(errSink ErrorSink) *Bus {
	if errSink == nil {
		errSink = func(string, error) {}
	}
	return &Bus{
		topics:  make(map[string]any),
		errSink: errSink,
	}
}

// Stop cancels every subscription on every topic.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	for _, t := range b.topics {
		t.(stoppable).stop()
	}
}

// resolve implements Messenger with no scope restriction.
func (b *Bus) resolve(name string, _ bool) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return nil, ErrBusShuttingDown
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotRegistered, name)
	}
	return t, nil
}

// sink implements Messenger.
func (b *Bus) sink() ErrorSink {
	return b.errSink
}

// stoppable is implemented by every topic broadcaster regardless of its
// value type.
type stoppable interface {
	stop()
}

// RegisterTopic registers the topic on the bus. Registering the same name
// twice is an error, as the topic set is meant to be a fixed startup-time
// configuration.
func RegisterTopic[T any](b *Bus, t Topic[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBusShuttingDown
	}
	if _, ok := b.topics[t.Name]; ok {
		return fmt.Errorf("topic %s registered twice", t.Name)
	}

	b.topics[t.Name] = newBroadcaster(t, b.errSink)
	return nil
}

// Publish delivers value on the topic through the given messenger. For state
// topics a value equal to the previous publish is dropped. Fan-out is
// synchronous: every current subscriber has the value in its queue (or its
// callback invoked) before Publish returns. A panicking callback subscriber
// is reported to the error sink and never aborts delivery to the rest.
func Publish[T any](m Messenger, t Topic[T], value T) error {
	bc, err := broadcasterFor(m, t, true)
	if err != nil {
		return err
	}
	bc.publish(value)
	return nil
}

// Subscribe returns a queue-backed subscription delivering topic values in
// publish order. For state topics the current value, if any, is delivered
// first.
func Subscribe[T any](m Messenger, t Topic[T]) (*Subscription[T], error) {
	bc, err := broadcasterFor(m, t, false)
	if err != nil {
		return nil, err
	}
	return bc.subscribe(), nil
}

// SubscribeFunc registers a callback invoked synchronously on every
// delivered value. The returned func cancels the registration.
func SubscribeFunc[T any](m Messenger, t Topic[T], fn func(T)) (func(), error) {
	bc, err := broadcasterFor(m, t, false)
	if err != nil {
		return nil, err
	}
	return bc.subscribeFunc(fn), nil
}

// broadcasterFor resolves the typed broadcaster behind a topic.
func broadcasterFor[T any](m Messenger, t Topic[T],
	forPublish bool) (*broadcaster[T], error) {

	raw, err := m.resolve(t.Name, forPublish)
	if err != nil {
		return nil, err
	}
	bc, ok := raw.(*broadcaster[T])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicTypeMismatch, t.Name)
	}
	return bc, nil
}

// Subscription is a live, queue-backed subscription to one topic.
type Subscription[T any] struct {
	updates *queue.ConcurrentQueue
	out     chan T
	quit    chan struct{}
	cancel  func()
}

// Updates returns the read-only channel topic values are delivered on.
func (s *Subscription[T]) Updates() <-chan T {
	return s.out
}

// Quit is closed once the subscription is torn down.
func (s *Subscription[T]) Quit() <-chan struct{} {
	return s.quit
}

// Cancel tears down the subscription.
func (s *Subscription[T]) Cancel() {
	s.cancel()
}

// broadcaster fans one topic out to its current subscribers.
type broadcaster[T any] struct {
	topic   Topic[T]
	errSink ErrorSink

	mu        sync.Mutex
	nextID    uint64
	subs      map[uint64]*Subscription[T]
	fns       map[uint64]func(T)
	latest    T
	hasLatest bool
	stopped   bool
}

func newBroadcaster[T any](t Topic[T], errSink ErrorSink) *broadcaster[T] {
	return &broadcaster[T]{
		topic:   t,
		errSink: errSink,
		subs:    make(map[uint64]*Subscription[T]),
		fns:     make(map[uint64]func(T)),
	}
}

// publish delivers the value to all current subscribers, applying the state
// topic deduplication rule first.
func (b *broadcaster[T]) publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	if b.topic.Kind == StateTopic {
		if b.hasLatest && b.topic.equal(b.latest, value) {
			return
		}
		b.latest = value
		b.hasLatest = true
	}

	for _, sub := range b.subs {
		select {
		case sub.updates.ChanIn() <- value:
		case <-sub.quit:
		}
	}

	for _, fn := range b.fns {
		b.invoke(fn, value)
	}
}

// invoke runs a callback subscriber, converting a panic into an error sink
// report so one misbehaving subscriber cannot abort delivery.
func (b *broadcaster[T]) invoke(fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			b.errSink(b.topic.Name,
				fmt.Errorf("subscriber panic: %v", r))
		}
	}()
	fn(value)
}

// subscribe registers a new queue-backed subscription.
func (b *broadcaster[T]) subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := &Subscription[T]{
		updates: queue.NewConcurrentQueue(20),
		out:     make(chan T),
		quit:    make(chan struct{}),
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.remove(id)
	}
	sub.updates.Start()

	// Forward the untyped queue into the typed output channel.
	go func() {
		for {
			select {
			case raw, ok := <-sub.updates.ChanOut():
				if !ok {
					return
				}
				select {
				case sub.out <- raw.(T):
				case <-sub.quit:
					return
				}
			case <-sub.quit:
				return
			}
		}
	}()

	// State topics replay the current value to a fresh subscriber.
	if b.topic.Kind == StateTopic && b.hasLatest {
		sub.updates.ChanIn() <- b.latest
	}

	b.subs[id] = sub
	return sub
}

// subscribeFunc registers a callback subscriber, replaying the current state
// value if one exists.
func (b *broadcaster[T]) subscribeFunc(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.fns[id] = fn

	if b.topic.Kind == StateTopic && b.hasLatest {
		b.invoke(fn, b.latest)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.fns, id)
	}
}

// remove tears down a queue subscription. Callers must hold the mutex.
func (b *broadcaster[T]) remove(id uint64) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.quit)
	sub.updates.Stop()
}

// stop implements stoppable.
func (b *broadcaster[T]) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true

	for id := range b.subs {
		b.remove(id)
	}
	b.fns = make(map[uint64]func(T))
}
