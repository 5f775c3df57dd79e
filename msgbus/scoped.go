package msgbus

import "fmt"

// Scope declares the fixed topic sets one component may publish and
// subscribe on. It is built once, at wiring time, next to the component's
// constructor.
type Scope struct {
	// Publish lists the names of topics the component may publish.
	Publish []string

	// Subscribe lists the names of topics the component may observe.
	Subscribe []string
}

// ScopedMessenger restricts a bus to a statically declared topic subset.
// Any access outside the scope fails with ErrTopicNotAllowed, preventing
// unrelated components from observing or forging each other's topics.
type ScopedMessenger struct {
	bus       *Bus
	publish   map[string]struct{}
	subscribe map[string]struct{}
}

// A compile-time check to ensure ScopedMessenger implements Messenger.
var _ Messenger = (*ScopedMessenger)(nil)

// NewScoped binds a scope to the bus.
func NewScoped(bus *Bus, scope Scope) *ScopedMessenger {
	sm := &ScopedMessenger{
		bus:       bus,
		publish:   make(map[string]struct{}, len(scope.Publish)),
		subscribe: make(map[string]struct{}, len(scope.Subscribe)),
	}
	for _, name := range scope.Publish {
		sm.publish[name] = struct{}{}
	}
	for _, name := range scope.Subscribe {
		sm.subscribe[name] = struct{}{}
	}
	return sm
}

// resolve implements Messenger, enforcing the allow-lists.
func (s *ScopedMessenger) resolve(name string, forPublish bool) (any, error) {
	allowed := s.subscribe
	if forPublish {
		allowed = s.publish
	}
	if _, ok := allowed[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotAllowed, name)
	}
	return s.bus.resolve(name, forPublish)
}

// sink implements Messenger.
func (s *ScopedMessenger) sink() ErrorSink {
	return s.bus.sink()
}
