package crdt

import "testing"

func mustReplica(t *testing.T, actorID string) *Replica {
	t.Helper()
	replica, err := NewReplica(ReplicaConfig{ActorID: actorID})
	if err != nil {
		t.Fatalf("unexpected replica error: %v", err)
	}
	return replica
}

func mustInsert(t *testing.T, replica *Replica, args InsertBlockArgs) BlockRecord {
	t.Helper()
	record, err := replica.InsertBlock(OriginUserEdit, args)
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	return record
}

func mustSnapshot(t *testing.T, replica *Replica) []byte {
	t.Helper()
	blob, err := replica.EncodeSnapshot()
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	return blob
}

func mustDecode(t *testing.T, blob []byte) *DocState {
	t.Helper()
	state, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return state
}
