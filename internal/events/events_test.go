package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"resourcereserver/internal/clock"
)

func TestPublishDeliversInOrder(t *testing.T) {
	require := require.New(t)

	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := New(clk)
	ch := bus.Subscribe("sub1")

	bus.Publish(ReservationCreated, map[string]any{"reservation_id": int64(1)})
	bus.Publish(ReservationCancelled, map[string]any{"reservation_id": int64(1)})

	first := <-ch
	second := <-ch

	require.Equal(ReservationCreated, first.Type)
	require.Equal(ReservationCancelled, second.Type)
	require.Less(first.Sequence, second.Sequence)
	require.True(first.Timestamp.Equal(clk.Now()))
}

func TestPublishDropsOldestWhenSubscriberFull(t *testing.T) {
	require := require.New(t)

	clk := clock.NewManual(time.Now())
	bus := New(clk)
	ch := bus.Subscribe("slow")

	for i := 0; i < subscriberCapacity+10; i++ {
		bus.Publish(ResourceUpdated, map[string]any{"resource_id": int64(i)})
	}

	require.Equal(uint64(10), bus.Dropped())
	require.Len(ch, subscriberCapacity)

	first := <-ch
	require.Equal(int64(10), first.Data["resource_id"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	require := require.New(t)

	bus := New(clock.NewManual(time.Now()))
	ch := bus.Subscribe("temp")
	bus.Unsubscribe("temp")

	_, ok := <-ch
	require.False(ok)
}

func TestPublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	require := require.New(t)

	bus := New(clock.NewManual(time.Now()))
	done := make(chan struct{})
	go func() {
		bus.Publish(ReservationExpired, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked with no subscribers")
	}
}
