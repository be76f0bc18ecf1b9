package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind represents the kind of event
type Kind string

const (
	KindTaskUpdate      Kind = "task-update"
	KindSubtaskUpdate   Kind = "subtask-update"
	KindWorkerUpdate    Kind = "worker-update"
	KindCheckpointReady Kind = "checkpoint-ready"
	KindTaskComplete    Kind = "task-complete"
	KindTaskFailed      Kind = "task-failed"
	KindActivityLog     Kind = "activity-log"

	// KindCatchUp is synthesized when a slow subscriber is dropped; the
	// client is expected to resubscribe from its last seen sequence.
	KindCatchUp Kind = "catch-up-required"
)

// TopicAll subscribes to every topic. Replay is only available on
// concrete topics.
const TopicAll = "*"

// TaskTopic returns the topic carrying all events for one task
func TaskTopic(taskID string) string {
	return "task/" + taskID
}

// TopicWorkers carries worker fleet events
const TopicWorkers = "workers"

// Event is a single bus message. Seq increases monotonically per topic so
// subscribers can detect gaps.
type Event struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Topic     string            `json:"topic"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	TaskID    string            `json:"task_id,omitempty"`
	SubtaskID string            `json:"subtask_id,omitempty"`
	WorkerID  string            `json:"worker_id,omitempty"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
}

// subscriberQueue bounds per-subscriber buffering before the drop policy kicks in
const subscriberQueue = 64

// Subscription receives events for one topic (or all topics)
type Subscription struct {
	C     <-chan *Event
	ch    chan *Event
	topic string
	kinds map[Kind]bool
}

func (s *Subscription) wants(e *Event) bool {
	if s.topic != TopicAll && s.topic != e.Topic {
		return false
	}
	if len(s.kinds) == 0 {
		return true
	}
	return s.kinds[e.Kind] || e.Kind == KindCatchUp
}

// topicState holds per-topic ordering and replay state
type topicState struct {
	seq  uint64
	ring []*Event // bounded replay buffer, oldest first
}

// Broker manages event subscriptions and distribution
type Broker struct {
	mu          sync.RWMutex
	topics      map[string]*topicState
	subscribers map[*Subscription]bool
	replaySize  int
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker with the given replay buffer size
func NewBroker(replaySize int) *Broker {
	if replaySize <= 0 {
		replaySize = 256
	}
	return &Broker{
		topics:      make(map[string]*topicState),
		subscribers: make(map[*Subscription]bool),
		replaySize:  replaySize,
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for a topic, optionally filtered by kinds.
// fromSeq > 0 replays buffered events with Seq >= fromSeq before live
// delivery; replay is ignored for TopicAll.
func (b *Broker) Subscribe(topic string, fromSeq uint64, kinds ...Kind) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []*Event
	if topic != TopicAll && fromSeq > 0 {
		if ts, ok := b.topics[topic]; ok {
			for _, e := range ts.ring {
				if e.Seq >= fromSeq {
					replay = append(replay, e)
				}
			}
		}
	}

	sub := &Subscription{
		ch:    make(chan *Event, subscriberQueue+len(replay)),
		topic: topic,
		kinds: make(map[Kind]bool, len(kinds)),
	}
	sub.C = sub.ch
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	for _, e := range replay {
		if sub.wants(e) {
			sub.ch <- e
		}
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish assigns the event its per-topic sequence number and queues it for
// fan-out. When the fan-out queue is full Publish blocks until the run loop
// drains it; delivering around the queue would reorder events.
func (b *Broker) Publish(topic string, event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Topic = topic

	b.mu.Lock()
	ts := b.topics[topic]
	if ts == nil {
		ts = &topicState{}
		b.topics[topic] = ts
	}
	ts.seq++
	event.Seq = ts.seq
	ts.ring = append(ts.ring, event)
	if len(ts.ring) > b.replaySize {
		ts.ring = ts.ring[len(ts.ring)-b.replaySize:]
	}
	b.mu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// LastSeq returns the current sequence number for a topic
func (b *Broker) LastSeq(topic string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ts, ok := b.topics[topic]; ok {
		return ts.seq
	}
	return 0
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
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
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Queue exceeded: drop the subscriber. Make room for a
			// synthetic catch-up marker so the client knows to
			// resubscribe from its last sequence.
			b.dropLocked(sub, event.Topic)
		}
	}
}

func (b *Broker) dropLocked(sub *Subscription, topic string) {
	delete(b.subscribers, sub)
	catchUp := &Event{
		ID:        uuid.New().String(),
		Kind:      KindCatchUp,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Message:   "subscriber too slow, resubscribe with from_seq to catch up",
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- catchUp:
	default:
	}
	close(sub.ch)
}
