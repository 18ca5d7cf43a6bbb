package reactive

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObservablePublishSubscribe(t *testing.T) {
	o := New[int](10)
	sub := o.Subscribe()
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		o.Publish(i)
	}

	assert.Equal(t, 10, sub.Pending())
	for i := 0; i < 10; i++ {
		v, ok := sub.Next()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := sub.Next()
	assert.False(t, ok)
}

func TestObservableManySubscribers(t *testing.T) {
	const subscribers = 5
	const messages = 20

	o := New[int](messages)
	subs := make([]*subscriber[int], 0, subscribers)
	for i := 0; i < subscribers; i++ {
		subs = append(subs, o.Subscribe())
	}

	for i := 0; i < messages; i++ {
		o.Publish(i)
	}

	for _, sub := range subs {
		var total int
		for {
			v, ok := sub.Next()
			if !ok {
				break
			}
			total += v
		}
		assert.Equal(t, messages*(messages-1)/2, total)
		sub.Cancel()
	}
}

func TestObservablePublishNeverBlocks(t *testing.T) {
	// Far more values than the initial queue capacity, the publisher must
	// not stall on a subscriber that reads nothing until the end.
	const messages = 1_000

	o := New[int](4)
	sub := o.Subscribe()
	defer sub.Cancel()

	for i := 0; i < messages; i++ {
		o.Publish(i)
	}

	assert.Equal(t, messages, sub.Pending())
	for i := 0; i < messages; i++ {
		v, ok := sub.Next()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestObservableCancel(t *testing.T) {
	o := New[string](1)
	sub := o.Subscribe()
	o.Publish("value")
	sub.Cancel()

	assert.Equal(t, 0, sub.Pending())
	o.mux.RLock()
	defer o.mux.RUnlock()
	assert.Empty(t, o.subscribers)
}
