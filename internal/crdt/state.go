package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("crdt: invalid block id")
	// ErrInvalidActorID indicates that a replica actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("crdt: invalid actor id")
	// ErrInvalidBlockKind indicates an unsupported block kind.
	ErrInvalidBlockKind = errors.New("crdt: invalid block kind")
	// ErrBlockNotFound indicates that a block identifier does not resolve in the state.
	ErrBlockNotFound = errors.New("crdt: block not found")
)

const maxIdentifierLength = 190

// BlockKind enumerates the supported block-level node kinds.
type BlockKind string

const (
	// BlockKindParagraph marks an ordinary prose block.
	BlockKindParagraph BlockKind = "paragraph"
	// BlockKindHeading marks a heading block.
	BlockKindHeading BlockKind = "heading"
)

// ParseBlockKind validates raw input and returns a BlockKind.
func ParseBlockKind(rawInput string) (BlockKind, error) {
	switch BlockKind(strings.TrimSpace(rawInput)) {
	case BlockKindParagraph:
		return BlockKindParagraph, nil
	case BlockKindHeading:
		return BlockKindHeading, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBlockKind, rawInput)
	}
}

// BlockRecord is one block-level node of the replicated document.
//
// Lang is the language the text is actually stored in. SourceLang is set only
// while the block is displayed as a translation; while set, Text is a display
// rendering and Lang equals the viewer's language. A block must never rest
// with translated text and SourceLang unset.
type BlockRecord struct {
	BlockID    string    `json:"block_id"`
	Kind       BlockKind `json:"kind"`
	Text       string    `json:"text"`
	Lang       string    `json:"lang"`
	SourceLang string    `json:"source_lang,omitempty"`
	OrderKey   string    `json:"order_key"`
	Clock      int64     `json:"clock"`
	Actor      string    `json:"actor"`
	Deleted    bool      `json:"deleted,omitempty"`
}

// wins reports whether the incoming record supersedes the existing one.
// The (Clock, Actor) pair is a total order, which makes merge commutative.
func (record BlockRecord) wins(existing BlockRecord) bool {
	if record.Clock != existing.Clock {
		return record.Clock > existing.Clock
	}
	return record.Actor > existing.Actor
}

// DocState is the convergent state of one replicated document.
type DocState struct {
	blocks map[string]BlockRecord
	clock  int64
}

// NewDocState returns an empty document state.
func NewDocState() *DocState {
	return &DocState{blocks: make(map[string]BlockRecord)}
}

// Clock returns the highest lamport clock observed by this state.
func (state *DocState) Clock() int64 {
	return state.clock
}

// apply merges one record, keeping the last writer. It returns true when the
// record was accepted, and false when the existing record already supersedes
// it (which makes repeated application idempotent).
func (state *DocState) apply(record BlockRecord) bool {
	if record.Clock > state.clock {
		state.clock = record.Clock
	}
	existing, ok := state.blocks[record.BlockID]
	if ok && !record.wins(existing) {
		return false
	}
	state.blocks[record.BlockID] = record
	return true
}

// record returns the stored record for a block id, tombstones included.
func (state *DocState) record(blockID string) (BlockRecord, bool) {
	rec, ok := state.blocks[blockID]
	return rec, ok
}

// Blocks returns the live blocks in document order.
func (state *DocState) Blocks() []BlockRecord {
	ordered := state.Records()
	live := make([]BlockRecord, 0, len(ordered))
	for _, rec := range ordered {
		if rec.Deleted {
			continue
		}
		live = append(live, rec)
	}
	return live
}

// Records returns every stored record, tombstones included, in document order.
func (state *DocState) Records() []BlockRecord {
	records := make([]BlockRecord, 0, len(state.blocks))
	for _, rec := range state.blocks {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].OrderKey != records[j].OrderKey {
			return records[i].OrderKey < records[j].OrderKey
		}
		return records[i].BlockID < records[j].BlockID
	})
	return records
}

// Clone returns a deep copy of the state.
func (state *DocState) Clone() *DocState {
	clone := &DocState{
		blocks: make(map[string]BlockRecord, len(state.blocks)),
		clock:  state.clock,
	}
	for id, rec := range state.blocks {
		clone.blocks[id] = rec
	}
	return clone
}

// Equal reports whether two states hold identical records and clocks.
func (state *DocState) Equal(other *DocState) bool {
	if state.clock != other.clock || len(state.blocks) != len(other.blocks) {
		return false
	}
	for id, rec := range state.blocks {
		otherRec, ok := other.blocks[id]
		if !ok || rec != otherRec {
			return false
		}
	}
	return true
}

// Merge combines two states descended from a common ancestor. The result is
// independent of argument order, and merging a state with itself is a no-op.
func Merge(left, right *DocState) *DocState {
	merged := left.Clone()
	for _, rec := range right.blocks {
		merged.apply(rec)
	}
	if right.clock > merged.clock {
		merged.clock = right.clock
	}
	return merged
}

func validateBlockID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBlockID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidBlockID, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateActorID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return trimmed, nil
}
