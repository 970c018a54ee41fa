package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster_PublishOrder(t *testing.T) {
	b := New[int]()
	var got []string

	b.Subscribe(func(v int) { got = append(got, "first") })
	b.Subscribe(func(v int) { got = append(got, "second") })
	b.Publish(1)

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New[int]()
	var got []int

	sub := b.Subscribe(func(v int) { got = append(got, v) })
	b.Publish(1)
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Publish(2)

	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 0, b.Len())
}

func TestBroadcaster_NilSubscription(t *testing.T) {
	var sub *Subscription
	sub.Unsubscribe()
}

func TestBroadcaster_Filtered(t *testing.T) {
	b := New[int]()
	var even []int

	b.SubscribeFiltered(func(v int) { even = append(even, v) }, func(v int) bool { return v%2 == 0 })
	for i := 1; i <= 4; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{2, 4}, even)
}

func TestBroadcaster_NoReplayByDefault(t *testing.T) {
	b := New[int]()
	b.Publish(7)

	called := false
	b.Subscribe(func(int) { called = true })
	assert.False(t, called)

	_, ok := b.Last()
	assert.False(t, ok)
}

func TestBroadcaster_Replay(t *testing.T) {
	b := NewReplaying[string]()

	var got []string
	b.Subscribe(func(v string) { got = append(got, v) })
	assert.Empty(t, got, "nothing published yet")

	b.Publish("online")
	var late []string
	b.Subscribe(func(v string) { late = append(late, v) })
	assert.Equal(t, []string{"online"}, late)

	last, ok := b.Last()
	assert.True(t, ok)
	assert.Equal(t, "online", last)
}

func TestBroadcaster_ReentrantUnsubscribe(t *testing.T) {
	b := New[int]()
	var sub *Subscription
	count := 0
	sub = b.Subscribe(func(int) {
		count++
		sub.Unsubscribe()
	})

	b.Publish(1)
	b.Publish(2)
	assert.Equal(t, 1, count)
}
