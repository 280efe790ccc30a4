// Package mbus implements a minimal event envelope modeled on the original
// implementation's mbus-api/src/v0.rs tagged event enum: nexus and rebuild
// state-change events published to registered local subscribers.
//
// This is an in-process stand-in for an external message bus — only the
// event shapes a local subscriber needs are implemented here, not a bus
// transport.
package mbus

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Kind tags an Event's payload, mirroring mbus-api's enum-of-structs shape.
type Kind string

const (
	KindNexusStateChanged   Kind = "NexusStateChanged"
	KindChildStateChanged   Kind = "ChildStateChanged"
	KindRebuildStateChanged Kind = "RebuildStateChanged"
)

// Event is one published message. Exactly one of the *Payload fields is
// populated, selected by Kind — mirroring the tagged-union shape of the
// original's v0.rs event enum without Go sum types.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	Nexus   *NexusStateChanged
	Child   *ChildStateChanged
	Rebuild *RebuildStateChanged
}

// NexusStateChanged reports a nexus's derived lifecycle/health transition.
type NexusStateChanged struct {
	NexusUUID string
	Name      string
	State     string
}

// ChildStateChanged reports one child's runtime-state transition.
type ChildStateChanged struct {
	NexusUUID string
	ChildUUID string
	State     string
	Reason    string
}

// RebuildStateChanged reports a rebuild job's state-machine transition.
type RebuildStateChanged struct {
	Serial int64
	SrcURI string
	DstURI string
	State  string
}

// Subscriber receives published events. Implementations must not block;
// the Bus's publish path drops the event for a subscriber channel that is full rather
// than stalling the publisher, matching the "local subscriber, not a
// durable bus" stand-in role this package plays.
type Subscriber chan Event

// Bus is a process-local publish/subscribe hub.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Subscriber)}
}

// Subscribe registers name to receive every published Event on a channel
// buffered to depth. A zero or negative depth defaults to 16.
func (b *Bus) Subscribe(name string, depth int) Subscriber {
	if depth <= 0 {
		depth = 16
	}
	ch := make(Subscriber, depth)
	b.mu.Lock()
	b.subs[name] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes name and closes its channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	ch, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// publish fans e out to every current subscriber, stamping Timestamp if
// unset. Non-blocking: a subscriber whose channel is full misses the event.
func (b *Bus) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.subs {
		select {
		case ch <- e:
		default:
			klog.Warningf("mbus: subscriber %s is full, dropping %s event", name, e.Kind)
		}
	}
}

// PublishNexusStateChanged publishes a NexusStateChanged event.
func (b *Bus) PublishNexusStateChanged(nexusUUID, name, state string) {
	b.publish(Event{Kind: KindNexusStateChanged, Nexus: &NexusStateChanged{NexusUUID: nexusUUID, Name: name, State: state}})
}

// PublishChildStateChanged publishes a ChildStateChanged event.
func (b *Bus) PublishChildStateChanged(nexusUUID, childUUID, state, reason string) {
	b.publish(Event{Kind: KindChildStateChanged, Child: &ChildStateChanged{NexusUUID: nexusUUID, ChildUUID: childUUID, State: state, Reason: reason}})
}

// PublishRebuildStateChanged publishes a RebuildStateChanged event.
func (b *Bus) PublishRebuildStateChanged(serial int64, srcURI, dstURI, state string) {
	b.publish(Event{Kind: KindRebuildStateChanged, Rebuild: &RebuildStateChanged{Serial: serial, SrcURI: srcURI, DstURI: dstURI, State: state}})
}
