package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCorruptSnapshot indicates that a snapshot blob failed to decode.
	ErrCorruptSnapshot = errors.New("crdt: corrupt snapshot")
	// ErrCorruptDelta indicates that a delta payload failed to decode.
	ErrCorruptDelta = errors.New("crdt: corrupt delta")
)

const snapshotFormatVersion = 1

type snapshotPayload struct {
	FormatVersion int           `json:"format_version"`
	Clock         int64         `json:"clock"`
	Blocks        []BlockRecord `json:"blocks"`
}

type deltaPayload struct {
	FormatVersion int           `json:"format_version"`
	Records       []BlockRecord `json:"records"`
}

// EncodeSnapshot serializes the full state, tombstones included.
func EncodeSnapshot(state *DocState) ([]byte, error) {
	payload := snapshotPayload{
		FormatVersion: snapshotFormatVersion,
		Clock:         state.Clock(),
		Blocks:        state.Records(),
	}
	return json.Marshal(payload)
}

// DecodeSnapshot restores a state from an encoded snapshot. A nil or empty
// blob decodes to an empty state; anything undecodable returns
// ErrCorruptSnapshot so the caller can decide how to recover.
func DecodeSnapshot(blob []byte) (*DocState, error) {
	if len(blob) == 0 {
		return NewDocState(), nil
	}
	var payload snapshotPayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if payload.FormatVersion != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptSnapshot, payload.FormatVersion)
	}
	state := NewDocState()
	for _, rec := range payload.Blocks {
		if rec.BlockID == "" {
			return nil, fmt.Errorf("%w: record without block id", ErrCorruptSnapshot)
		}
		state.apply(rec)
	}
	if payload.Clock > state.clock {
		state.clock = payload.Clock
	}
	return state, nil
}

// EncodeDelta serializes a set of changed records for broadcast. Applying a
// delta has the same merge semantics as merging the full states.
func EncodeDelta(records []BlockRecord) ([]byte, error) {
	payload := deltaPayload{
		FormatVersion: snapshotFormatVersion,
		Records:       records,
	}
	return json.Marshal(payload)
}

// ApplyDelta merges an encoded delta into the state and returns the ids of
// the records it accepted. Replayed or superseded records are ignored.
func (state *DocState) ApplyDelta(delta []byte) ([]string, error) {
	records, err := DecodeDelta(delta)
	if err != nil {
		return nil, err
	}
	accepted := make([]string, 0, len(records))
	for _, rec := range records {
		if state.apply(rec) {
			accepted = append(accepted, rec.BlockID)
		}
	}
	return accepted, nil
}

// DecodeDelta restores the records carried by an encoded delta.
func DecodeDelta(blob []byte) ([]BlockRecord, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrCorruptDelta)
	}
	var payload deltaPayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDelta, err)
	}
	if payload.FormatVersion != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptDelta, payload.FormatVersion)
	}
	for _, rec := range payload.Records {
		if rec.BlockID == "" {
			return nil, fmt.Errorf("%w: record without block id", ErrCorruptDelta)
		}
	}
	return payload.Records, nil
}
