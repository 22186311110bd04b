package events

import (
	"testing"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case event, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishOrder(t *testing.T) {
	broker := NewBroker(DefaultOptions())
	broker.Start()
	defer broker.Stop()

	first := broker.Subscribe()
	second := broker.Subscribe()

	for i, typ := range []EventType{EventCreated, EventUpdated, EventDeleted} {
		broker.Publish(&Event{Type: typ, EntityKind: types.EntityKindCargo, Key: "web.global", VersionKey: string(rune('a' + i))})
	}

	for _, sub := range []*Subscription{first, second} {
		var got []EventType
		var seqs []uint64
		for i := 0; i < 3; i++ {
			event := receive(t, sub)
			got = append(got, event.Type)
			seqs = append(seqs, event.Seq)
			assert.NotEmpty(t, event.ID)
			assert.False(t, event.Timestamp.IsZero())
		}
		assert.Equal(t, []EventType{EventCreated, EventUpdated, EventDeleted}, got)
		assert.Equal(t, []uint64{1, 2, 3}, seqs)
	}
	assert.Equal(t, uint64(3), broker.Seq())
}

func TestBroker_NoReplay(t *testing.T) {
	broker := NewBroker(DefaultOptions())
	broker.Start()
	defer broker.Stop()

	early := broker.Subscribe()
	broker.Publish(&Event{Type: EventCreated, Key: "a.global"})
	receive(t, early)

	late := broker.Subscribe()
	broker.Publish(&Event{Type: EventCreated, Key: "b.global"})

	event := receive(t, late)
	assert.Equal(t, "b.global", event.Key)
	assert.Equal(t, uint64(2), event.Seq)
}

func TestBroker_DropPolicy(t *testing.T) {
	broker := NewBroker(Options{Buffer: 1, Policy: PolicyDrop})
	broker.Start()
	defer broker.Stop()

	slow := broker.Subscribe()
	for i := 0; i < 5; i++ {
		broker.Publish(&Event{Type: EventUpdated, Key: "web.global"})
	}

	require.Eventually(t, func() bool {
		return slow.Dropped() == 4
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(4), broker.Dropped())

	// The first event made it, the rest overflowed the single-slot buffer
	event := receive(t, slow)
	assert.Equal(t, uint64(1), event.Seq)
}

func TestBroker_BlockPolicy(t *testing.T) {
	broker := NewBroker(Options{Buffer: 1, Policy: PolicyBlock})
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	const total = 10
	go func() {
		for i := 0; i < total; i++ {
			broker.Publish(&Event{Type: EventUpdated, Key: "web.global"})
		}
	}()

	for want := uint64(1); want <= total; want++ {
		event := receive(t, sub)
		assert.Equal(t, want, event.Seq)
	}
	assert.Zero(t, sub.Dropped())
}

func TestBroker_CloseSubscription(t *testing.T) {
	broker := NewBroker(DefaultOptions())
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestBroker_StopClosesSubscriptions(t *testing.T) {
	broker := NewBroker(DefaultOptions())
	broker.Start()

	sub := broker.Subscribe()
	broker.Stop()
	broker.Stop()

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing and subscribing after stop are harmless
	broker.Publish(&Event{Type: EventCreated})
	_, ok = <-broker.Subscribe().C()
	assert.False(t, ok)
}

func TestBroker_SubscribeAfterStopCloses(t *testing.T) {
	broker := NewBroker(DefaultOptions())
	broker.Start()
	broker.Stop()

	sub := broker.Subscribe()
	assert.NotPanics(t, func() {
		sub.Close()
		sub.Close()
	})
	assert.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{in: "drop", want: PolicyDrop},
		{in: "block", want: PolicyBlock},
		{in: "queue", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
