package mbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("watcher", 4)

	b.PublishNexusStateChanged("nexus-uuid", "nexus0", "Degraded")

	select {
	case e := <-sub:
		assert.Equal(t, KindNexusStateChanged, e.Kind)
		require.NotNil(t, e.Nexus)
		assert.Equal(t, "Degraded", e.Nexus.State)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDropsForFullSubscriberWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("slow", 1)

	for i := 0; i < 5; i++ {
		b.PublishRebuildStateChanged(int64(i), "src", "dst", "Running")
	}

	select {
	case <-sub:
	default:
		t.Fatal("expected at least one buffered event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("watcher", 1)
	b.Unsubscribe("watcher")

	_, ok := <-sub
	assert.False(t, ok)
}

func TestMultipleSubscribersEachReceiveEvent(t *testing.T) {
	b := New()
	a := b.Subscribe("a", 4)
	c := b.Subscribe("c", 4)

	b.PublishChildStateChanged("nexus-uuid", "child-uuid", "Faulted", "IoError")

	for _, ch := range []Subscriber{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, KindChildStateChanged, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}
