package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CreepyPvP/nanocl/pkg/log"
	"github.com/CreepyPvP/nanocl/pkg/metrics"
	"github.com/CreepyPvP/nanocl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType represents the type of change
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event describes one committed change to a namespace or entity
type Event struct {
	ID         string           `json:"id"`
	Seq        uint64           `json:"seq"`
	Type       EventType        `json:"type"`
	EntityKind types.EntityKind `json:"entityKind"`
	Key        string           `json:"key"`
	Namespace  string           `json:"namespace"`
	Name       string           `json:"name"`
	VersionKey string           `json:"versionKey,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Policy decides what happens when a subscriber buffer is full
type Policy string

const (
	// PolicyDrop skips the delivery and counts it
	PolicyDrop Policy = "drop"
	// PolicyBlock waits until the subscriber makes room
	PolicyBlock Policy = "block"
)

// ParsePolicy parses a policy name
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyDrop, PolicyBlock:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown event policy %q", s)
	}
}

// Options configure a Broker
type Options struct {
	// Buffer is the capacity of each subscriber channel
	Buffer int
	Policy Policy
}

// DefaultOptions returns the options used when none are given
func DefaultOptions() Options {
	return Options{Buffer: 256, Policy: PolicyDrop}
}

// Subscription is a stream of events starting at the moment it was created
type Subscription struct {
	ch      chan *Event
	done    chan struct{}
	once    sync.Once
	broker  *Broker
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed by Close or Broker.Stop.
func (s *Subscription) C() <-chan *Event {
	return s.ch
}

// Dropped returns how many deliveries this subscription missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from its broker
func (s *Subscription) Close() {
	s.broker.unsubscribe(s)
}

// Broker fans published events out to every subscription
type Broker struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}

	// pubMu orders sequence assignment with enqueueing
	pubMu   sync.Mutex
	seq     uint64
	eventCh chan *Event

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a new event broker
func NewBroker(opts Options) *Broker {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultOptions().Buffer
	}
	if opts.Policy == "" {
		opts.Policy = PolicyDrop
	}
	return &Broker{
		opts:        opts,
		logger:      log.WithComponent("events"),
		subscribers: make(map[*Subscription]struct{}),
		eventCh:     make(chan *Event, opts.Buffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	if b.started.CompareAndSwap(false, true) {
		go b.run()
	}
}

// Stop stops the distribution loop and closes every subscription
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.started.Load() {
			<-b.doneCh
		}

		b.mu.Lock()
		subs := make([]*Subscription, 0, len(b.subscribers))
		for sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.Unlock()

		for _, sub := range subs {
			b.unsubscribe(sub)
		}
	})
}

// Subscribe creates a new subscription. Only events published after this
// call are delivered.
func (b *Broker) Subscribe() *Subscription {
	sub := &Subscription{
		ch:     make(chan *Event, b.opts.Buffer),
		done:   make(chan struct{}),
		broker: b,
	}

	select {
	case <-b.stopCh:
		// Born closed; the once keeps a later Close from closing again
		sub.once.Do(func() {
			close(sub.done)
			close(sub.ch)
		})
		return sub
	default:
	}

	// Taking pubMu means no event is between sequence assignment and the
	// queue while we register, so the subscription sees a clean start.
	b.pubMu.Lock()
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	b.pubMu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		// Unblocks a PolicyBlock delivery waiting on this subscriber before
		// the write lock is requested.
		close(sub.done)

		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(sub.ch)
		}
	})
}

// Publish assigns the next sequence number and queues the event. Events are
// delivered to subscribers in the order Publish was called.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	select {
	case <-b.stopCh:
		return
	default:
	}

	b.seq++
	event.Seq = b.seq
	metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Seq returns the sequence number of the last published event
func (b *Broker) Seq() uint64 {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.seq
}

// Dropped returns the number of deliveries dropped across all subscriptions
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Broker) run() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
			continue
		case <-sub.done:
			continue
		default:
		}

		if b.opts.Policy == PolicyBlock {
			select {
			case sub.ch <- event:
			case <-sub.done:
			case <-b.stopCh:
			}
			continue
		}

		sub.dropped.Add(1)
		b.dropped.Add(1)
		metrics.EventsDropped.Inc()
		b.logger.Warn().
			Uint64("seq", event.Seq).
			Str("entity_key", event.Key).
			Msg("Subscriber buffer full, dropping event")
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
