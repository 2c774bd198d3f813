// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Thermoquad/rpsplc/pkg/mq"
)

// DefaultQueueSize is the per-subscriber backlog used by NewEventBus
const DefaultQueueSize = 64

// SubscriberID uniquely identifies an EventBus subscriber.
type SubscriberID uint64

// SubscriberFunc is a callback invoked when an event is emitted.
type SubscriberFunc func(Event)

type subscriber struct {
	id     SubscriberID
	fn     SubscriberFunc
	filter map[EventType]struct{}
	queue  *mq.Queue[Event]
	stop   chan struct{}
	done   chan struct{}
}

func (s *subscriber) wants(t EventType) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// EventBus fans typed events out to subscribers without blocking the emitter.
//
// Each subscriber owns a bounded queue drained by its own goroutine, so
// events reach one subscriber in emission order while a slow subscriber
// only delays itself. Events that find a subscriber's queue full are
// dropped and counted.
type EventBus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      SubscriberID
	queueSize   int
	closed      bool

	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int
	dropped   atomic.Uint64
}

// NewEventBus creates a bus with DefaultQueueSize per subscriber.
func NewEventBus() *EventBus {
	return NewEventBusSize(DefaultQueueSize)
}

// NewEventBusSize creates a bus holding up to size undelivered events per subscriber.
func NewEventBusSize(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	eb := &EventBus{queueSize: size}
	eb.idle = sync.NewCond(&eb.pendingMu)
	return eb
}

// Subscribe registers a callback for all event types.
func (eb *EventBus) Subscribe(fn SubscriberFunc) SubscriberID {
	return eb.add(fn, nil)
}

// SubscribeTypes registers a callback only for the given event types.
func (eb *EventBus) SubscribeTypes(fn SubscriberFunc, types ...EventType) SubscriberID {
	filter := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}
	return eb.add(fn, filter)
}

func (eb *EventBus) add(fn SubscriberFunc, filter map[EventType]struct{}) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	if eb.closed {
		return id
	}
	s := &subscriber{
		id:     id,
		fn:     fn,
		filter: filter,
		queue:  mq.New[Event](fmt.Sprintf("events-%d", id), eb.queueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	eb.subscribers = append(eb.subscribers, s)
	go eb.deliver(s)
	return id
}

// Unsubscribe removes a subscriber by ID. Events already queued for it are
// delivered before Unsubscribe returns, so it must not be called from a
// subscriber callback.
func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	var found *subscriber
	for i, s := range eb.subscribers {
		if s.id == id {
			found = s
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			break
		}
	}
	eb.mu.Unlock()

	if found != nil {
		close(found.stop)
		<-found.done
	}
}

// Emit queues an event for every matching subscriber and returns at once.
// Missing IDs and timestamps are filled in.
func (eb *EventBus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	// Held across the pushes so Unsubscribe and Close never strand an event
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, s := range eb.subscribers {
		if !s.wants(evt.Type) {
			continue
		}
		eb.addPending(1)
		if !s.queue.TryPush(evt) {
			eb.addPending(-1)
			eb.dropped.Add(1)
		}
	}
}

// Flush waits until every event emitted so far has been handled or dropped.
// It must not be called from a subscriber callback.
func (eb *EventBus) Flush() {
	eb.pendingMu.Lock()
	defer eb.pendingMu.Unlock()
	for eb.pending > 0 {
		eb.idle.Wait()
	}
}

// Dropped returns the number of events lost to full subscriber queues
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// Close delivers what is queued, then stops every subscriber. Later
// emits and subscriptions are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	subs := eb.subscribers
	eb.subscribers = nil
	eb.mu.Unlock()

	for _, s := range subs {
		close(s.stop)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (eb *EventBus) deliver(s *subscriber) {
	defer close(s.done)
	for {
		select {
		case evt := <-s.queue.C():
			eb.call(s, evt)
		case <-s.stop:
			for _, evt := range s.queue.Drain() {
				eb.call(s, evt)
			}
			return
		}
	}
}

func (eb *EventBus) call(s *subscriber, evt Event) {
	defer eb.addPending(-1)
	s.fn(evt)
}

func (eb *EventBus) addPending(n int) {
	eb.pendingMu.Lock()
	eb.pending += n
	if eb.pending == 0 {
		eb.idle.Broadcast()
	}
	eb.pendingMu.Unlock()
}
