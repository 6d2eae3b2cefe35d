package broadcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublish_ReachesEverySubscriber(t *testing.T) {
	h := New[int]()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Publish(7)

	require.Equal(t, 7, <-a)
	require.Equal(t, 7, <-b)
}

func TestPublish_ConflatesUnreadValues(t *testing.T) {
	h := New[int]()
	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}

	require.Equal(t, 5, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestSubscribeWith_SeedsInitialValue(t *testing.T) {
	h := New[string]()
	ch, cancel := h.SubscribeWith("seed")
	defer cancel()

	require.Equal(t, "seed", <-ch)
}

func TestCancel_ClosesChannelAndIsIdempotent(t *testing.T) {
	h := New[int]()
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	require.False(t, ok)
	require.Zero(t, h.Len())

	h.Publish(1) // must not panic on the removed channel
}

func TestClose_ClosesSubscribersAndLateSubscriptions(t *testing.T) {
	h := New[int]()
	ch, cancel := h.Subscribe()
	h.Close()
	cancel()

	_, ok := <-ch
	require.False(t, ok)

	late, _ := h.Subscribe()
	_, ok = <-late
	require.False(t, ok)

	h.Publish(1)
	h.Close()
}
