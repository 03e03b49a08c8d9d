package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribe(t *testing.T) {
	m := New(8, 16)
	ch := m.Subscribe(TopicKeyIssued)
	defer m.Unsubscribe(TopicKeyIssued, ch)

	m.Publish(Event{Topic: TopicKeyIssued, KeyID: "key-1", UserID: "user-1"})

	select {
	case ev := <-ch:
		got, ok := ev.Args[0].(Event)
		require.True(t, ok)
		assert.Equal(t, "key-1", got.KeyID)
		assert.False(t, got.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected an event on the subscription channel")
	}

	assert.Equal(t, int64(1), m.Published())
}

func TestWildcardSubscription(t *testing.T) {
	m := New(8, 16)
	ch := m.Subscribe("key.*")
	defer m.Unsubscribe("key.*", ch)

	m.Publish(Event{Topic: TopicKeyIssued, KeyID: "a"})
	m.Publish(Event{Topic: TopicKeyRevoked, KeyID: "b"})

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			seen[ev.Args[0].(Event).KeyID] = true
		case <-time.After(time.Second):
			t.Fatal("expected two events")
		}
	}
	assert.True(t, seen["a"] && seen["b"])
}

func TestRecentOrdering(t *testing.T) {
	m := New(8, 16)
	for i := 0; i < 3; i++ {
		m.Publish(Event{Topic: TopicRequest, Detail: fmt.Sprintf("ev-%d", i)})
	}

	recent := m.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "ev-1", recent[0].Detail)
	assert.Equal(t, "ev-2", recent[1].Detail)

	// Asking for more than exists returns what there is.
	all := m.Recent(100)
	assert.Len(t, all, 3)
}

func TestCloseDetachesSubscribers(t *testing.T) {
	m := New(8, 16)
	ch := m.Subscribe(TopicKeyIssued)

	m.Close()
	m.Publish(Event{Topic: TopicKeyIssued, KeyID: "after-close"})

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "subscription channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("expected the subscription channel to close")
	}

	// The ring still records events after Close.
	assert.Len(t, m.Recent(10), 1)
}

func TestRingWraparound(t *testing.T) {
	m := New(8, 4)
	for i := 0; i < 10; i++ {
		m.Publish(Event{Topic: TopicRequest, Detail: fmt.Sprintf("ev-%d", i)})
	}

	all := m.Recent(100)
	require.Len(t, all, 4)
	assert.Equal(t, "ev-6", all[0].Detail)
	assert.Equal(t, "ev-9", all[3].Detail)
}
