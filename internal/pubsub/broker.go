// Package pubsub fans document events out to connected sessions. Topics are
// plain strings; the broker neither persists nor replays, it only relays what
// arrives while a subscriber is attached.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Message kinds relayed over document topics.
const (
	// KindDelta carries an encoded change set for live replicas.
	KindDelta = "crdt-delta"
	// KindMainUpdated signals that the main copy advanced.
	KindMainUpdated = "main-updated"
	// KindBranchStatus signals a branch lifecycle change.
	KindBranchStatus = "branch-status"
	// KindMergeRequest signals a merge request lifecycle change.
	KindMergeRequest = "merge-request"
	// KindAwareness carries ephemeral presence payloads (cursors, selections).
	KindAwareness = "awareness"
)

// MainChannel names the branch segment of a topic that addresses the main
// copy of a document.
const MainChannel = "main"

// Topic builds the topic name for one copy of a document. An empty branchID
// addresses the main copy.
func Topic(documentID string, branchID string) string {
	if branchID == "" {
		branchID = MainChannel
	}
	return fmt.Sprintf("doc/%s/%s", documentID, branchID)
}

// Message is one relayed event.
type Message struct {
	Kind             string
	DocumentID       string
	BranchID         string
	MergeRequestID   string
	ActorID          string
	Status           string
	Note             string
	UpdatedAtSeconds int64
	Payload          []byte
	Timestamp        time.Time
}

// Broker is an in-process topic dispatcher. Publishing never blocks: a
// subscriber that cannot keep up loses messages rather than stalling the
// publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe attaches to a topic. The returned cleanup detaches; cancelling
// the context detaches as well.
func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Message, b.bufferSize),
	}
	b.register(topic, sub)
	cleanup := func() {
		b.unregister(topic, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish relays a message to every current subscriber of the topic.
func (b *Broker) Publish(topic string, message Message) {
	if topic == "" || message.Kind == "" {
		return
	}
	b.mu.RLock()
	subs := b.subscribers[topic]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		copies = append(copies, sub)
	}
	b.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (b *Broker) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Broker) register(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber)
	}
	b.subscribers[topic][sub.id] = sub
}

func (b *Broker) unregister(topic string, subscriberID int64) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	if subs != nil {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}
