package crdt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingActor    = errors.New("replica actor id is required")
	errReplicaClosed   = errors.New("crdt: replica closed")
	noOpReplicaLogger  = zap.NewNop()
	defaultPersistGap  = 2 * time.Second
	defaultPersistWait = 5 * time.Second
)

// WriteOrigin tags the source of a local edit so downstream listeners can
// tell genuine user edits apart from synchronizer writes.
type WriteOrigin string

const (
	// OriginUserEdit marks an ordinary edit made by the editing user.
	OriginUserEdit WriteOrigin = "user-edit"
	// OriginTranslationSync marks a write issued by the translation
	// synchronizer. These writes never re-trigger translation passes and
	// never enter undo history.
	OriginTranslationSync WriteOrigin = "translation-sync"
	// OriginRemote marks records merged in from a peer replica.
	OriginRemote WriteOrigin = "remote"
)

// ChangeEvent describes one applied change on a replica.
type ChangeEvent struct {
	Origin   WriteOrigin
	BlockIDs []string
	Delta    []byte
}

// PersistFunc receives the encoded snapshot on each debounced flush.
type PersistFunc func(ctx context.Context, snapshot []byte) error

// ReplicaConfig describes the inputs required to build a Replica.
type ReplicaConfig struct {
	ActorID         string
	Logger          *zap.Logger
	Persist         PersistFunc
	PersistInterval time.Duration
}

// Replica is one mutable in-memory instance of a document's CRDT state,
// bound to a single editing session. Concurrent use is serialized through
// its own mutex; replicas never share mutable memory and exchange only
// immutable deltas and snapshot blobs.
type Replica struct {
	mu           sync.Mutex
	actor        string
	state        *DocState
	logger       *zap.Logger
	persist      PersistFunc
	persistGap   time.Duration
	persistTimer *time.Timer
	dirty        bool
	closed       bool
	nextSubID    int64
	subscribers  map[int64]func(ChangeEvent)
}

// NewReplica validates the configuration and returns an empty replica.
func NewReplica(cfg ReplicaConfig) (*Replica, error) {
	actor, err := validateActorID(cfg.ActorID)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", errMissingActor, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpReplicaLogger
	}
	gap := cfg.PersistInterval
	if gap <= 0 {
		gap = defaultPersistGap
	}
	return &Replica{
		actor:       actor,
		state:       NewDocState(),
		logger:      logger,
		persist:     cfg.Persist,
		persistGap:  gap,
		subscribers: make(map[int64]func(ChangeEvent)),
	}, nil
}

// ActorID returns the replica's actor identifier.
func (r *Replica) ActorID() string {
	return r.actor
}

// LoadSnapshot replaces the replica state with a decoded snapshot. A corrupt
// blob is logged and treated as an empty document; document access never
// blocks on a bad persisted blob.
func (r *Replica) LoadSnapshot(blob []byte) error {
	state, err := DecodeSnapshot(blob)
	if err != nil {
		r.logger.Warn("snapshot failed to decode, starting empty",
			zap.String("actor", r.actor),
			zap.Error(err))
		state = NewDocState()
	}
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	return nil
}

// EncodeSnapshot serializes the current state.
func (r *Replica) EncodeSnapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EncodeSnapshot(r.state)
}

// Blocks returns the live blocks in document order.
func (r *Replica) Blocks() []BlockRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Blocks()
}

// Block returns the live record for one block id.
func (r *Replica) Block(blockID string) (BlockRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.state.record(blockID)
	if !ok || rec.Deleted {
		return BlockRecord{}, fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	return rec, nil
}

// InsertBlockArgs describes a block insertion.
type InsertBlockArgs struct {
	BlockID      string
	Kind         BlockKind
	Text         string
	Lang         string
	AfterBlockID string
}

// InsertBlock appends or inserts a new block after the given sibling (or at
// the end when AfterBlockID is empty and the document has content).
func (r *Replica) InsertBlock(origin WriteOrigin, args InsertBlockArgs) (BlockRecord, error) {
	blockID, err := validateBlockID(args.BlockID)
	if err != nil {
		return BlockRecord{}, err
	}
	kind, err := ParseBlockKind(string(args.Kind))
	if err != nil {
		return BlockRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return BlockRecord{}, errReplicaClosed
	}

	orderKey, err := r.orderKeyAfterLocked(args.AfterBlockID)
	if err != nil {
		return BlockRecord{}, err
	}

	record := BlockRecord{
		BlockID:  blockID,
		Kind:     kind,
		Text:     args.Text,
		Lang:     args.Lang,
		OrderKey: orderKey,
		Clock:    r.state.clock + 1,
		Actor:    r.actor,
	}
	r.applyLocalLocked(origin, record)
	return record, nil
}

// UpdateBlockText rewrites the text of a live block.
func (r *Replica) UpdateBlockText(origin WriteOrigin, blockID string, text string) error {
	return r.mutateBlock(origin, blockID, func(rec *BlockRecord) error {
		rec.Text = text
		return nil
	})
}

// DeleteBlock tombstones a block. The tombstone survives merges so the
// deletion propagates to every replica.
func (r *Replica) DeleteBlock(origin WriteOrigin, blockID string) error {
	return r.mutateBlock(origin, blockID, func(rec *BlockRecord) error {
		rec.Deleted = true
		return nil
	})
}

// ApplyRemoteDelta merges a peer's delta into the local state and notifies
// subscribers with the accepted block ids. Already-seen records are ignored.
func (r *Replica) ApplyRemoteDelta(delta []byte) error {
	records, err := DecodeDelta(delta)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errReplicaClosed
	}
	accepted := make([]string, 0, len(records))
	for _, rec := range records {
		if r.state.apply(rec) {
			accepted = append(accepted, rec.BlockID)
		}
	}
	if len(accepted) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.markDirtyLocked()
	handlers := r.handlersLocked()
	r.mu.Unlock()

	event := ChangeEvent{Origin: OriginRemote, BlockIDs: accepted, Delta: delta}
	for _, handler := range handlers {
		handler(event)
	}
	return nil
}

// OnChange registers a change handler and returns its unsubscribe function.
// Handlers run synchronously after each applied change.
func (r *Replica) OnChange(handler func(ChangeEvent)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = handler
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Flush synchronously persists the current state when dirty.
func (r *Replica) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.persistTimer != nil {
		r.persistTimer.Stop()
		r.persistTimer = nil
	}
	if !r.dirty || r.persist == nil {
		r.mu.Unlock()
		return nil
	}
	blob, err := EncodeSnapshot(r.state)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.dirty = false
	persist := r.persist
	r.mu.Unlock()

	if err := persist(ctx, blob); err != nil {
		// The snapshot never landed; stay dirty so the next flush retries it.
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return err
	}
	return nil
}

// Close flushes any pending write and stops the replica. Further edits fail.
func (r *Replica) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.Flush(ctx)
}

func (r *Replica) mutateBlock(origin WriteOrigin, blockID string, mutate func(*BlockRecord) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errReplicaClosed
	}
	rec, ok := r.state.record(blockID)
	if !ok || rec.Deleted {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	if err := mutate(&rec); err != nil {
		return err
	}
	rec.Clock = r.state.clock + 1
	rec.Actor = r.actor
	r.applyLocalLocked(origin, rec)
	return nil
}

// applyLocalLocked applies a locally produced record, emits its delta to
// subscribers, and arms the debounced persistence timer. Caller holds r.mu.
func (r *Replica) applyLocalLocked(origin WriteOrigin, record BlockRecord) {
	r.state.apply(record)
	r.markDirtyLocked()

	delta, err := EncodeDelta([]BlockRecord{record})
	if err != nil {
		r.logger.Error("delta encoding failed",
			zap.String("actor", r.actor),
			zap.String("block_id", record.BlockID),
			zap.Error(err))
		delta = nil
	}
	handlers := r.handlersLocked()
	event := ChangeEvent{Origin: origin, BlockIDs: []string{record.BlockID}, Delta: delta}

	r.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
	r.mu.Lock()
}

func (r *Replica) handlersLocked() []func(ChangeEvent) {
	handlers := make([]func(ChangeEvent), 0, len(r.subscribers))
	for _, handler := range r.subscribers {
		handlers = append(handlers, handler)
	}
	return handlers
}

// markDirtyLocked coalesces bursts of edits into one durable write per
// persistence window. The timer is armed on the first edit of a burst and
// left alone afterwards. Caller holds r.mu.
func (r *Replica) markDirtyLocked() {
	r.dirty = true
	if r.persist == nil || r.persistTimer != nil {
		return
	}
	r.persistTimer = time.AfterFunc(r.persistGap, func() {
		r.mu.Lock()
		r.persistTimer = nil
		r.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), defaultPersistWait)
		defer cancel()
		if err := r.Flush(ctx); err != nil {
			r.logger.Warn("debounced persist failed",
				zap.String("actor", r.actor),
				zap.Error(err))
		}
	})
}

func (r *Replica) orderKeyAfterLocked(afterBlockID string) (string, error) {
	records := r.state.Records()
	if afterBlockID == "" {
		left := ""
		if len(records) > 0 {
			left = records[len(records)-1].OrderKey
		}
		return OrderKeyBetween(left, "")
	}

	left := ""
	right := ""
	found := false
	for i, rec := range records {
		if rec.BlockID != afterBlockID {
			continue
		}
		found = true
		left = rec.OrderKey
		for j := i + 1; j < len(records); j++ {
			right = records[j].OrderKey
			break
		}
		break
	}
	if !found {
		return "", fmt.Errorf("%w: %s", ErrBlockNotFound, afterBlockID)
	}
	return OrderKeyBetween(left, right)
}
