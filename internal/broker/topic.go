package broker

import (
	"sync"
	"time"
)

// Subscription is a (topic, client-id, delivery queue) triple (spec §3).
type Subscription struct {
	ClientID string
	Topic    string // name, not a pointer: a weak back-reference re-looked-up via the registry (spec §9)
	Queue    *Queue
}

// Topic (C3) owns the history ring, the live subscriptions, and the
// serialization point that orders admissions.
type Topic struct {
	name string

	mu       sync.Mutex
	ring     *Ring
	subs     map[string]*Subscription // client-id -> subscription
	seq      uint64
	closed   bool
	queueCap int
}

// NewTopic creates a topic with the given history and per-subscriber queue
// capacities.
func NewTopic(name string, historyCapacity, queueCapacity int) *Topic {
	return &Topic{
		name:     name,
		ring:     NewRing(historyCapacity),
		subs:     make(map[string]*Subscription),
		queueCap: queueCapacity,
	}
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.name }

// Publish admits m: stamps it with a topic-local sequence number and the
// broker timestamp, appends it to the history ring, and fans it out to
// every current subscriber's delivery queue. It returns the assigned
// sequence number and the number of subscribers offered the message.
//
// Fan-out is two-phase (spec §9 "Fan-out under a lock"): the subscriber
// list is snapshotted under the topic lock together with the ring append,
// and the non-blocking Offer calls happen after the lock is released, so
// publish never waits on a subscriber's consumption rate.
func (t *Topic) Publish(m Message) (seq uint64, accepted int, err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, 0, ErrTopicNotFound
	}

	t.seq++
	m.Seq = t.seq
	m.Timestamp = time.Now()
	t.ring.Append(m)

	queues := make([]*Queue, 0, len(t.subs))
	for _, sub := range t.subs {
		queues = append(queues, sub.Queue)
	}
	t.mu.Unlock()

	for _, q := range queues {
		q.Offer(m)
	}
	return m.Seq, len(queues), nil
}

// Subscribe creates (or idempotently returns) the Subscription for
// clientID. If lastN > 0, the subscriber is primed with a snapshot of the
// history ring taken inside the same locked region that inserts it into the
// subscriber set, so the historical replay and the live stream that follows
// have no gap and no overlap (spec §4.3, invariant I5).
func (t *Topic) Subscribe(clientID string, lastN int) (sub *Subscription, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, false, ErrTopicNotFound
	}
	if existing, ok := t.subs[clientID]; ok {
		return existing, false, nil
	}

	queue := NewQueue(t.queueCap)
	newSub := &Subscription{ClientID: clientID, Topic: t.name, Queue: queue}

	if lastN > 0 {
		for _, hm := range t.ring.Snapshot(lastN) {
			queue.Offer(hm)
		}
	}

	t.subs[clientID] = newSub
	return newSub, true, nil
}

// Unsubscribe removes clientID's subscription and closes its queue. Absent
// is not an error (idempotent).
func (t *Topic) Unsubscribe(clientID string) {
	t.mu.Lock()
	sub, ok := t.subs[clientID]
	if ok {
		delete(t.subs, clientID)
	}
	t.mu.Unlock()

	if ok {
		sub.Queue.Close()
	}
}

// Close tears the topic down: every live subscription's queue is closed and
// any further Publish fails with ErrTopicNotFound.
func (t *Topic) Close() {
	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Queue.Close()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (t *Topic) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// HistorySize returns the number of messages currently retained in the
// history ring.
func (t *Topic) HistorySize() int {
	return t.ring.Size()
}
