// Package notify turns main-document advances into per-branch-holder
// notifications. A holder hears about each main update at most once: the
// branch baseline filters out everything already folded into the branch, and
// rebases advance the baseline.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openloomlab/polydoc/internal/pubsub"
)

var noOpNotifyLogger = zap.NewNop()

// Notification tells a branch holder that the main copy moved past their
// baseline.
type Notification struct {
	DocumentID           string
	BranchID             string
	MainUpdatedAtSeconds int64
}

// BaselineSource resolves a branch's current baseline against main.
type BaselineSource interface {
	BranchBaseline(ctx context.Context, branchID string) (int64, error)
}

// BaselineFunc adapts a function to the BaselineSource interface.
type BaselineFunc func(ctx context.Context, branchID string) (int64, error)

// BranchBaseline implements BaselineSource.
func (f BaselineFunc) BranchBaseline(ctx context.Context, branchID string) (int64, error) {
	return f(ctx, branchID)
}

// Config describes the inputs required to build a Notifier.
type Config struct {
	Broker    *pubsub.Broker
	Baselines BaselineSource
	Logger    *zap.Logger
}

// Notifier subscribes branch holders to their document's main topic and
// filters updates against the branch baseline.
type Notifier struct {
	broker    *pubsub.Broker
	baselines BaselineSource
	logger    *zap.Logger
}

// NewNotifier validates the configuration and returns a Notifier.
func NewNotifier(cfg Config) (*Notifier, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.Baselines == nil {
		return nil, errMissingBaselines
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpNotifyLogger
	}
	return &Notifier{broker: cfg.Broker, baselines: cfg.Baselines, logger: logger}, nil
}

// WatchArgs identifies the branch session to notify.
type WatchArgs struct {
	DocumentID string
	BranchID   string
	UserID     string
}

// Watch starts delivering notifications for one branch session. The baseline
// is fetched fresh on every call, so resubscribing after a merge picks up the
// rebased baseline instead of replaying old notifications. The stream closes
// when the context is cancelled or cleanup runs.
func (n *Notifier) Watch(ctx context.Context, args WatchArgs) (<-chan Notification, func(), error) {
	baseline, err := n.baselines.BranchBaseline(ctx, args.BranchID)
	if err != nil {
		return nil, nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	mainStream, mainCleanup := n.broker.Subscribe(watchCtx, pubsub.Topic(args.DocumentID, ""))
	branchStream, branchCleanup := n.broker.Subscribe(watchCtx, pubsub.Topic(args.DocumentID, args.BranchID))

	out := make(chan Notification, 4)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			mainCleanup()
			branchCleanup()
		})
	}

	go func() {
		defer close(out)
		defer cleanup()
		lastNotified := int64(0)
		for {
			select {
			case <-watchCtx.Done():
				return
			case message, ok := <-mainStream:
				if !ok {
					return
				}
				if message.Kind != pubsub.KindMainUpdated {
					continue
				}
				if message.ActorID == args.UserID {
					// The holder made this change themselves.
					continue
				}
				if message.UpdatedAtSeconds <= baseline || message.UpdatedAtSeconds <= lastNotified {
					continue
				}
				lastNotified = message.UpdatedAtSeconds
				select {
				case out <- Notification{
					DocumentID:           args.DocumentID,
					BranchID:             args.BranchID,
					MainUpdatedAtSeconds: message.UpdatedAtSeconds,
				}:
				case <-watchCtx.Done():
					return
				}
			case message, ok := <-branchStream:
				if !ok {
					return
				}
				if message.Kind != pubsub.KindBranchStatus {
					continue
				}
				// A lifecycle change may mean the branch was rebased; the
				// stored baseline is authoritative.
				refreshed, err := n.baselines.BranchBaseline(watchCtx, args.BranchID)
				if err != nil {
					n.logger.Warn("baseline refresh failed",
						zap.String("branch_id", args.BranchID),
						zap.Error(err))
					continue
				}
				if refreshed > baseline {
					baseline = refreshed
				}
			}
		}
	}()
	return out, cleanup, nil
}
