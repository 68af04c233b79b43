package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openloomlab/polydoc/internal/crdt"
)

// reversalTranslator reverses each text. Reversal is its own inverse, so a
// forward pass followed by a back pass reproduces the input exactly.
type reversalTranslator struct {
	mu    sync.Mutex
	calls []translateCall
	fail  bool
}

type translateCall struct {
	fromLang string
	toLang   string
	count    int
}

func (ft *reversalTranslator) TranslateBatch(ctx context.Context, texts []string, fromLang string, toLang string) ([]string, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.calls = append(ft.calls, translateCall{fromLang: fromLang, toLang: toLang, count: len(texts)})

	results := make([]string, len(texts))
	copy(results, texts)
	if ft.fail {
		return results, errors.New("providers down")
	}
	for i, text := range texts {
		results[i] = reverseString(text)
	}
	return results, nil
}

func (ft *reversalTranslator) callCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.calls)
}

func reverseString(text string) string {
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func mustSyncReplica(t *testing.T) *crdt.Replica {
	t.Helper()
	replica, err := crdt.NewReplica(crdt.ReplicaConfig{ActorID: "viewer"})
	if err != nil {
		t.Fatalf("new replica: %v", err)
	}
	return replica
}

func mustInsertBlock(t *testing.T, replica *crdt.Replica, blockID string, text string, lang string) {
	t.Helper()
	if _, err := replica.InsertBlock(crdt.OriginUserEdit, crdt.InsertBlockArgs{
		BlockID: blockID,
		Kind:    crdt.BlockKindParagraph,
		Text:    text,
		Lang:    lang,
	}); err != nil {
		t.Fatalf("insert block %s: %v", blockID, err)
	}
}

func mustSynchronizer(t *testing.T, replica *crdt.Replica, translator BatchTranslator) *Synchronizer {
	t.Helper()
	s, err := New(Config{
		Replica:         replica,
		ViewerLanguage:  "en",
		Translator:      translator,
		ForwardDebounce: 20 * time.Millisecond,
		BackDebounce:    30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", message)
}

func mustBlock(t *testing.T, replica *crdt.Replica, blockID string) crdt.BlockRecord {
	t.Helper()
	rec, err := replica.Block(blockID)
	if err != nil {
		t.Fatalf("block %s: %v", blockID, err)
	}
	return rec
}

func TestEnterTranslatedViewTranslatesForeignBlocks(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de-1", "hallo", "de")
	mustInsertBlock(t, replica, "block-en", "hello", "en")
	mustInsertBlock(t, replica, "block-de-2", "welt", "de")

	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)

	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}

	first := mustBlock(t, replica, "block-de-1")
	if first.Text != reverseString("hallo") || first.Lang != "en" || first.SourceLang != "de" {
		t.Fatalf("unexpected translated block: %+v", first)
	}
	viewerNative := mustBlock(t, replica, "block-en")
	if viewerNative.Text != "hello" || viewerNative.SourceLang != "" {
		t.Fatalf("viewer-language block must stay untouched: %+v", viewerNative)
	}
	if translator.callCount() != 1 {
		t.Fatalf("expected one batch per source language, got %d calls", translator.callCount())
	}
}

func TestRemoteChangeSchedulesForwardPass(t *testing.T) {
	replica := mustSyncReplica(t)
	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}

	peer, err := crdt.NewReplica(crdt.ReplicaConfig{ActorID: "peer"})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	var delta []byte
	unsubscribe := peer.OnChange(func(event crdt.ChangeEvent) {
		delta = event.Delta
	})
	defer unsubscribe()
	if _, err := peer.InsertBlock(crdt.OriginUserEdit, crdt.InsertBlockArgs{
		BlockID: "remote-block",
		Kind:    crdt.BlockKindParagraph,
		Text:    "bonjour",
		Lang:    "fr",
	}); err != nil {
		t.Fatalf("peer insert: %v", err)
	}
	if err := replica.ApplyRemoteDelta(delta); err != nil {
		t.Fatalf("apply remote delta: %v", err)
	}

	waitFor(t, func() bool {
		rec, err := replica.Block("remote-block")
		return err == nil && rec.SourceLang == "fr" && rec.Text == reverseString("bonjour")
	}, "remote block translated for display")
}

func TestBackPassWritesEditIntoStoredLanguage(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de", "hallo", "de")

	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}

	if err := replica.UpdateBlockText(crdt.OriginUserEdit, "block-de", "edited greeting"); err != nil {
		t.Fatalf("edit translated block: %v", err)
	}

	// Back pass stores the edit in German, forward pass re-displays it. With
	// the reversal translator the round trip reproduces the edit verbatim.
	waitFor(t, func() bool {
		rec, err := replica.Block("block-de")
		return err == nil && rec.SourceLang == "de" && rec.Text == "edited greeting"
	}, "edited block re-displayed after back translation")

	if err := s.ExitTranslatedView(context.Background()); err != nil {
		t.Fatalf("exit translated view: %v", err)
	}
	stored := mustBlock(t, replica, "block-de")
	if stored.Lang != "de" || stored.SourceLang != "" {
		t.Fatalf("expected stored-language block after exit: %+v", stored)
	}
	if stored.Text != reverseString("edited greeting") {
		t.Fatalf("expected back-translated edit in storage, got %q", stored.Text)
	}

	translator.mu.Lock()
	defer translator.mu.Unlock()
	backSeen := false
	for _, call := range translator.calls {
		if call.fromLang == "en" && call.toLang == "de" {
			backSeen = true
		}
	}
	if !backSeen {
		t.Fatalf("expected an en->de back translation call, got %+v", translator.calls)
	}
}

func TestExitWithoutEditsRestoresOriginals(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de", "hallo", "de")
	mustInsertBlock(t, replica, "block-ja", "こんにちは", "ja")

	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}
	forwardCalls := translator.callCount()

	if err := s.ExitTranslatedView(context.Background()); err != nil {
		t.Fatalf("exit translated view: %v", err)
	}

	german := mustBlock(t, replica, "block-de")
	if german.Text != "hallo" || german.Lang != "de" || german.SourceLang != "" {
		t.Fatalf("expected restored original, got %+v", german)
	}
	japanese := mustBlock(t, replica, "block-ja")
	if japanese.Text != "こんにちは" || japanese.Lang != "ja" {
		t.Fatalf("expected restored original, got %+v", japanese)
	}
	if translator.callCount() != forwardCalls {
		t.Fatalf("exit of an unedited view must not call the translator again")
	}
	if replica.HasTranslatedView() {
		t.Fatalf("no block may keep a display translation after exit")
	}

	blob, err := replica.EncodeSnapshot()
	if err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	state, err := crdt.DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	for _, rec := range state.Blocks() {
		if rec.SourceLang != "" {
			t.Fatalf("persisted snapshot carries a display translation: %+v", rec)
		}
	}
}

func TestProviderFailureLeavesBlocksUntouched(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de", "hallo", "de")

	translator := &reversalTranslator{fail: true}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view must degrade, not fail: %v", err)
	}

	rec := mustBlock(t, replica, "block-de")
	if rec.Text != "hallo" || rec.Lang != "de" || rec.SourceLang != "" {
		t.Fatalf("degraded block must keep its stored form: %+v", rec)
	}
}

func TestExitKeepsEditWhenBackTranslationFails(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de", "hallo", "de")
	mustInsertBlock(t, replica, "block-ja", "こんにちは", "ja")

	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}

	translator.mu.Lock()
	translator.fail = true
	translator.mu.Unlock()

	if err := replica.UpdateBlockText(crdt.OriginUserEdit, "block-de", "my important edit"); err != nil {
		t.Fatalf("edit translated block: %v", err)
	}

	err := s.ExitTranslatedView(context.Background())
	if !errors.Is(err, ErrBackSyncPending) {
		t.Fatalf("expected ErrBackSyncPending, got %v", err)
	}

	edited := mustBlock(t, replica, "block-de")
	if edited.Text != "my important edit" {
		t.Fatalf("edit must survive a failed back pass, got %q", edited.Text)
	}
	if edited.SourceLang != "de" {
		t.Fatalf("failed block must keep its display translation marker: %+v", edited)
	}
	untouched := mustBlock(t, replica, "block-ja")
	if untouched.Text != "こんにちは" || untouched.Lang != "ja" || untouched.SourceLang != "" {
		t.Fatalf("untouched block must still restore its original: %+v", untouched)
	}

	translator.mu.Lock()
	translator.fail = false
	translator.mu.Unlock()

	if err := s.ExitTranslatedView(context.Background()); err != nil {
		t.Fatalf("exit after provider recovery: %v", err)
	}
	stored := mustBlock(t, replica, "block-de")
	if stored.Lang != "de" || stored.SourceLang != "" {
		t.Fatalf("expected stored-language block after recovery: %+v", stored)
	}
	if stored.Text != reverseString("my important edit") {
		t.Fatalf("expected back-translated edit in storage, got %q", stored.Text)
	}
	if replica.HasTranslatedView() {
		t.Fatalf("no block may keep a display translation after the retried exit")
	}
}

func TestSynchronizerIgnoresItsOwnWrites(t *testing.T) {
	replica := mustSyncReplica(t)
	mustInsertBlock(t, replica, "block-de", "hallo", "de")

	translator := &reversalTranslator{}
	s := mustSynchronizer(t, replica, translator)
	if err := s.EnterTranslatedView(context.Background()); err != nil {
		t.Fatalf("enter translated view: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if translator.callCount() != 1 {
		t.Fatalf("translation-sync writes must not re-trigger passes, got %d calls", translator.callCount())
	}
}
