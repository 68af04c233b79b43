package docs

// Event kinds published by the service. Consumers route them by kind; the
// transport decides how they fan out to connected sessions.
const (
	// EventKindDelta carries an applied change set for live replicas.
	EventKindDelta = "crdt-delta"
	// EventKindMainUpdated signals that the main document advanced.
	EventKindMainUpdated = "main-updated"
	// EventKindBranchStatus signals a branch lifecycle change.
	EventKindBranchStatus = "branch-status"
	// EventKindMergeRequest signals a merge request lifecycle change.
	EventKindMergeRequest = "merge-request"
)

// Event describes one service-level occurrence. BranchID is empty for events
// about the main copy.
type Event struct {
	Kind             string
	DocumentID       string
	BranchID         string
	MergeRequestID   string
	ActorID          string
	Status           string
	Note             string
	UpdatedAtSeconds int64
	Payload          []byte
}

// EventSink receives service events. Publish must not block; slow consumers
// are the sink's problem, not the service's.
type EventSink interface {
	Publish(event Event)
}

type noOpEventSink struct{}

func (noOpEventSink) Publish(Event) {}
