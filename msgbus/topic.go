package msgbus

import "reflect"

// TopicKind partitions topics into the two delivery disciplines the bus
// supports.
type TopicKind uint8

const (
	// StateTopic carries the latest value of some piece of state. A
	// publish that compares equal to the previous value is dropped, so
	// subscribers only wake up on logical change.
	StateTopic TopicKind = iota

	// EventTopic delivers every publish regardless of value equality.
	EventTopic
)

// String returns a human readable name for the topic kind.
func (k TopicKind) String() string {
	switch k {
	case StateTopic:
		return "state"
	case EventTopic:
		return "event"
	default:
		return "unknown"
	}
}

// Topic describes one named channel on the bus, carrying values of type T.
// Topics are declared as package-level values by the component that owns
// them and registered explicitly on the bus at startup.
type Topic[T any] struct {
	// Name uniquely identifies the topic on the bus.
	Name string

	// Kind selects the delivery discipline.
	Kind TopicKind

	// Equal is the equality predicate used to deduplicate state topic
	// publishes. When nil, reflect.DeepEqual is used.
	Equal func(a, b T) bool
}

// NewStateTopic declares a state topic with the default equality predicate.
func NewStateTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name, Kind: StateTopic}
}

// NewEventTopic declares an event topic.
func NewEventTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name, Kind: EventTopic}
}

// equal applies the topic's equality predicate.
func (t Topic[T]) equal(a, b T) bool {
	if t.Equal != nil {
		return t.Equal(a, b)
	}
	return reflect.DeepEqual(a, b)
}
