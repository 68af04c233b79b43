package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openloomlab/polydoc/internal/pubsub"
)

type staticBaselines struct {
	mu       sync.Mutex
	baseline int64
}

func (sb *staticBaselines) BranchBaseline(ctx context.Context, branchID string) (int64, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.baseline, nil
}

func (sb *staticBaselines) set(value int64) {
	sb.mu.Lock()
	sb.baseline = value
	sb.mu.Unlock()
}

func mustNotifier(t *testing.T, broker *pubsub.Broker, baselines BaselineSource) *Notifier {
	t.Helper()
	notifier, err := NewNotifier(Config{Broker: broker, Baselines: baselines})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	return notifier
}

func mustWatch(t *testing.T, notifier *Notifier) (<-chan Notification, func()) {
	t.Helper()
	stream, cleanup, err := notifier.Watch(context.Background(), WatchArgs{
		DocumentID: "doc-1",
		BranchID:   "branch-1",
		UserID:     "user-alice",
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	t.Cleanup(cleanup)
	return stream, cleanup
}

func expectNotification(t *testing.T, stream <-chan Notification, updatedAt int64) {
	t.Helper()
	select {
	case notification := <-stream:
		if notification.MainUpdatedAtSeconds != updatedAt {
			t.Fatalf("expected notification for %d, got %+v", updatedAt, notification)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for notification about %d", updatedAt)
	}
}

func expectSilence(t *testing.T, stream <-chan Notification) {
	t.Helper()
	select {
	case notification := <-stream:
		t.Fatalf("unexpected notification: %+v", notification)
	case <-time.After(50 * time.Millisecond):
	}
}

func publishMainUpdate(broker *pubsub.Broker, updatedAt int64, actorID string) {
	broker.Publish(pubsub.Topic("doc-1", ""), pubsub.Message{
		Kind:             pubsub.KindMainUpdated,
		DocumentID:       "doc-1",
		ActorID:          actorID,
		UpdatedAtSeconds: updatedAt,
	})
}

func TestWatchNotifiesOncePerMainAdvance(t *testing.T) {
	broker := pubsub.NewBroker()
	baselines := &staticBaselines{baseline: 100}
	notifier := mustNotifier(t, broker, baselines)
	stream, _ := mustWatch(t, notifier)

	publishMainUpdate(broker, 150, "owner-1")
	expectNotification(t, stream, 150)

	// The same advance again is a replay, not news.
	publishMainUpdate(broker, 150, "owner-1")
	expectSilence(t, stream)

	publishMainUpdate(broker, 200, "owner-1")
	expectNotification(t, stream, 200)
}

func TestWatchIgnoresUpdatesBehindBaseline(t *testing.T) {
	broker := pubsub.NewBroker()
	baselines := &staticBaselines{baseline: 100}
	notifier := mustNotifier(t, broker, baselines)
	stream, _ := mustWatch(t, notifier)

	publishMainUpdate(broker, 90, "owner-1")
	publishMainUpdate(broker, 100, "owner-1")
	expectSilence(t, stream)
}

func TestWatchIgnoresHoldersOwnWrites(t *testing.T) {
	broker := pubsub.NewBroker()
	baselines := &staticBaselines{baseline: 0}
	notifier := mustNotifier(t, broker, baselines)
	stream, _ := mustWatch(t, notifier)

	publishMainUpdate(broker, 150, "user-alice")
	expectSilence(t, stream)
}

func TestBranchStatusChangeAdvancesBaseline(t *testing.T) {
	broker := pubsub.NewBroker()
	baselines := &staticBaselines{baseline: 100}
	notifier := mustNotifier(t, broker, baselines)
	stream, _ := mustWatch(t, notifier)

	// A merge rebases the branch onto main at t=300.
	baselines.set(300)
	broker.Publish(pubsub.Topic("doc-1", "branch-1"), pubsub.Message{
		Kind:       pubsub.KindBranchStatus,
		DocumentID: "doc-1",
		BranchID:   "branch-1",
		Status:     "active",
	})

	// Give the watcher a moment to refresh before the next main update.
	time.Sleep(20 * time.Millisecond)
	publishMainUpdate(broker, 250, "owner-1")
	expectSilence(t, stream)
	publishMainUpdate(broker, 350, "owner-1")
	expectNotification(t, stream, 350)
}

func TestResubscribeFetchesFreshBaseline(t *testing.T) {
	broker := pubsub.NewBroker()
	baselines := &staticBaselines{baseline: 100}
	notifier := mustNotifier(t, broker, baselines)

	stream, cleanup := mustWatch(t, notifier)
	publishMainUpdate(broker, 150, "owner-1")
	expectNotification(t, stream, 150)
	cleanup()

	baselines.set(150)
	fresh, _ := mustWatch(t, notifier)
	publishMainUpdate(broker, 150, "owner-1")
	expectSilence(t, fresh)
}
