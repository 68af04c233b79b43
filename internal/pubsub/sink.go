package pubsub

import (
	"time"

	"github.com/openloomlab/polydoc/internal/docs"
)

// EventSink adapts the broker to the document service. Each event lands on
// the topic of the copy it concerns; branch lifecycle and merge request
// events are mirrored onto the main topic so the document owner sees them
// without watching every branch.
type EventSink struct {
	broker *Broker
	clock  func() time.Time
}

// NewEventSink wraps a broker for the document service.
func NewEventSink(broker *Broker) *EventSink {
	return &EventSink{broker: broker, clock: time.Now}
}

// Publish implements the document service's event sink.
func (s *EventSink) Publish(event docs.Event) {
	message := Message{
		Kind:             event.Kind,
		DocumentID:       event.DocumentID,
		BranchID:         event.BranchID,
		MergeRequestID:   event.MergeRequestID,
		ActorID:          event.ActorID,
		Status:           event.Status,
		Note:             event.Note,
		UpdatedAtSeconds: event.UpdatedAtSeconds,
		Payload:          event.Payload,
		Timestamp:        s.clock().UTC(),
	}
	s.broker.Publish(Topic(event.DocumentID, event.BranchID), message)

	if event.BranchID == "" {
		return
	}
	switch event.Kind {
	case KindBranchStatus, KindMergeRequest:
		s.broker.Publish(Topic(event.DocumentID, ""), message)
	}
}
