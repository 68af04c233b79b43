package crdt

import "testing"

func TestMergeIsCommutative(t *testing.T) {
	base := mustReplica(t, "actor-base")
	mustInsert(t, base, InsertBlockArgs{BlockID: "block-1", Kind: BlockKindParagraph, Text: "shared intro", Lang: "en"})
	snapshot := mustSnapshot(t, base)

	left := mustReplica(t, "actor-left")
	if err := left.LoadSnapshot(snapshot); err != nil {
		t.Fatalf("load left snapshot: %v", err)
	}
	right := mustReplica(t, "actor-right")
	if err := right.LoadSnapshot(snapshot); err != nil {
		t.Fatalf("load right snapshot: %v", err)
	}

	mustInsert(t, left, InsertBlockArgs{BlockID: "block-left", Kind: BlockKindParagraph, Text: "left addition", Lang: "en", AfterBlockID: "block-1"})
	if err := right.UpdateBlockText(OriginUserEdit, "block-1", "shared intro, edited"); err != nil {
		t.Fatalf("update right block: %v", err)
	}
	mustInsert(t, right, InsertBlockArgs{BlockID: "block-right", Kind: BlockKindHeading, Text: "right heading", Lang: "ja", AfterBlockID: "block-1"})

	leftState := mustDecode(t, mustSnapshot(t, left))
	rightState := mustDecode(t, mustSnapshot(t, right))

	ab := Merge(leftState, rightState)
	ba := Merge(rightState, leftState)
	if !ab.Equal(ba) {
		t.Fatalf("expected merge to be commutative")
	}
	if len(ab.Blocks()) != 3 {
		t.Fatalf("expected 3 live blocks after merge, got %d", len(ab.Blocks()))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	replica := mustReplica(t, "actor-idem")
	mustInsert(t, replica, InsertBlockArgs{BlockID: "block-1", Kind: BlockKindParagraph, Text: "one", Lang: "en"})
	mustInsert(t, replica, InsertBlockArgs{BlockID: "block-2", Kind: BlockKindParagraph, Text: "two", Lang: "en", AfterBlockID: "block-1"})

	state := mustDecode(t, mustSnapshot(t, replica))
	merged := Merge(state, state)
	if !merged.Equal(state) {
		t.Fatalf("expected self-merge to be a no-op")
	}
}

func TestMergePrefersHigherClock(t *testing.T) {
	older := BlockRecord{BlockID: "block-1", Kind: BlockKindParagraph, Text: "old", Lang: "en", OrderKey: "U", Clock: 1, Actor: "a"}
	newer := older
	newer.Text = "new"
	newer.Clock = 2

	state := NewDocState()
	state.apply(newer)
	if state.apply(older) {
		t.Fatalf("expected stale record to be rejected")
	}
	blocks := state.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "new" {
		t.Fatalf("expected newer text to win, got %+v", blocks)
	}
}

func TestMergeBreaksClockTiesByActor(t *testing.T) {
	fromA := BlockRecord{BlockID: "block-1", Kind: BlockKindParagraph, Text: "from a", Lang: "en", OrderKey: "U", Clock: 5, Actor: "actor-a"}
	fromB := fromA
	fromB.Text = "from b"
	fromB.Actor = "actor-b"

	forward := NewDocState()
	forward.apply(fromA)
	forward.apply(fromB)

	backward := NewDocState()
	backward.apply(fromB)
	backward.apply(fromA)

	if !forward.Equal(backward) {
		t.Fatalf("expected tie-break to be order independent")
	}
	if forward.Blocks()[0].Text != "from b" {
		t.Fatalf("expected larger actor id to win the tie")
	}
}

func TestTombstoneSurvivesMerge(t *testing.T) {
	base := mustReplica(t, "actor-base")
	mustInsert(t, base, InsertBlockArgs{BlockID: "block-1", Kind: BlockKindParagraph, Text: "doomed", Lang: "en"})
	snapshot := mustSnapshot(t, base)

	deleter := mustReplica(t, "actor-del")
	if err := deleter.LoadSnapshot(snapshot); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if err := deleter.DeleteBlock(OriginUserEdit, "block-1"); err != nil {
		t.Fatalf("delete block: %v", err)
	}

	merged := Merge(mustDecode(t, snapshot), mustDecode(t, mustSnapshot(t, deleter)))
	if len(merged.Blocks()) != 0 {
		t.Fatalf("expected deletion to survive merge")
	}
	if len(merged.Records()) != 1 {
		t.Fatalf("expected tombstone to be retained")
	}
}

func TestBlockIdentitySurvivesMergeWithLanguageAttributes(t *testing.T) {
	base := mustReplica(t, "actor-base")
	mustInsert(t, base, InsertBlockArgs{BlockID: "block-ja", Kind: BlockKindParagraph, Text: "こんにちは", Lang: "ja"})
	snapshot := mustSnapshot(t, base)

	other := mustReplica(t, "actor-other")
	if err := other.LoadSnapshot(snapshot); err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	mustInsert(t, other, InsertBlockArgs{BlockID: "block-en", Kind: BlockKindParagraph, Text: "hello", Lang: "en", AfterBlockID: "block-ja"})

	merged := Merge(mustDecode(t, snapshot), mustDecode(t, mustSnapshot(t, other)))
	blocks := merged.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].BlockID != "block-ja" || blocks[0].Lang != "ja" {
		t.Fatalf("expected japanese block first with language preserved, got %+v", blocks[0])
	}
}
