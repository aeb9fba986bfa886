package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	ticks, unsubTicks := b.Subscribe(4, TypeEngineTick)
	defer unsubTicks()

	b.Publish(Event{Type: TypeEngineState})
	b.Publish(Event{Type: TypeEngineTick, Data: Tick{Publisher: "p"}})

	require.Len(t, all, 2)
	require.Len(t, ticks, 1)
	ev := <-ticks
	assert.Equal(t, "p", ev.Data.(Tick).Publisher)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open)
	b.Publish(Event{Type: "after"})
}
