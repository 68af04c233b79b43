package docs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/openloomlab/polydoc/internal/crdt"
)

type sequencedIDGenerator struct {
	next int
	// beforeNext, when set, runs ahead of each issued ID. Tests use it to
	// mutate rows inside an operation's check-then-act window.
	beforeNext func()
}

func (g *sequencedIDGenerator) NewID() (string, error) {
	if g.beforeNext != nil {
		g.beforeNext()
	}
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (sink *recordingSink) Publish(event Event) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.events = append(sink.events, event)
}

func (sink *recordingSink) all() []Event {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return append([]Event(nil), sink.events...)
}

func (sink *recordingSink) kinds() []string {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	kinds := make([]string, 0, len(sink.events))
	for _, event := range sink.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

// prefixTranslator marks each text with the target language so tests can tell
// translated output from passthrough.
type prefixTranslator struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (ft *prefixTranslator) TranslateBatch(ctx context.Context, texts []string, fromLang string, toLang string) ([]string, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.calls++
	results := make([]string, len(texts))
	copy(results, texts)
	if ft.fail {
		return results, errors.New("providers down")
	}
	for i, text := range texts {
		results[i] = "[" + toLang + "]" + text
	}
	return results, nil
}

func (ft *prefixTranslator) setFail(fail bool) {
	ft.mu.Lock()
	ft.fail = fail
	ft.mu.Unlock()
}

type recordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, notification Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, notification)
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}

type cannedReconciler struct {
	merged string
	err    error
}

func (fr *cannedReconciler) Reconcile(ctx context.Context, mainText string, branchText string, targetLang string) (string, error) {
	if fr.err != nil {
		return "", fr.err
	}
	return fr.merged, nil
}

type serviceFixture struct {
	service    *Service
	sink       *recordingSink
	translator *prefixTranslator
	reconciler *cannedReconciler
	notifier   *recordingNotifier
	idProvider *sequencedIDGenerator
	db         *gorm.DB
}

func mustService(t *testing.T) *serviceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:polydoc_docs_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &Branch{}, &MergeRequest{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	sink := &recordingSink{}
	translator := &prefixTranslator{}
	reconciler := &cannedReconciler{merged: "Merged document"}
	notifier := &recordingNotifier{}
	idProvider := &sequencedIDGenerator{}
	service, err := NewService(ServiceConfig{
		Database:      db,
		Clock:         func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider:    idProvider,
		Translator:    translator,
		Reconciler:    reconciler,
		Events:        sink,
		Notifications: notifier,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return &serviceFixture{
		service:    service,
		sink:       sink,
		translator: translator,
		reconciler: reconciler,
		notifier:   notifier,
		idProvider: idProvider,
		db:         db,
	}
}

func mustActorID(t *testing.T, value string) ActorID {
	t.Helper()
	id, err := NewActorID(value)
	if err != nil {
		t.Fatalf("unexpected actor id error: %v", err)
	}
	return id
}

func mustCreateDocument(t *testing.T, service *Service, owner string) Document {
	t.Helper()
	document, err := service.CreateDocument(context.Background(), CreateDocumentArgs{
		OwnerID:         mustActorID(t, owner),
		Title:           "Shared notes",
		PrimaryLanguage: "en",
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return document
}

func mustDelta(t *testing.T, records ...crdt.BlockRecord) []byte {
	t.Helper()
	delta, err := crdt.EncodeDelta(records)
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	return delta
}

func mustApplyDelta(t *testing.T, service *Service, args ApplyDeltaArgs) AppliedDelta {
	t.Helper()
	applied, err := service.ApplyDelta(context.Background(), args)
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	return applied
}

func mustDecodeBlocks(t *testing.T, blob []byte) []crdt.BlockRecord {
	t.Helper()
	state, err := crdt.DecodeSnapshot(blob)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return state.Blocks()
}

func mustServiceErrorIs(t *testing.T, err error, sentinel error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error wrapping %v, got nil", sentinel)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected error wrapping %v, got %v", sentinel, err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected a ServiceError, got %T", err)
	}
}
