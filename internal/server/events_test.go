package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/openloomlab/polydoc/internal/crdt"
	"github.com/openloomlab/polydoc/internal/pubsub"
)

type streamEvent struct {
	kind string
	data string
}

func openEventStream(t *testing.T, fx *routerFixture, path string) <-chan streamEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build stream request: %v", err)
	}
	response, err := fx.server.Client().Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("open stream: status %d", response.StatusCode)
	}

	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		defer response.Body.Close()
		scanner := bufio.NewScanner(response.Body)
		current := streamEvent{}
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.kind != "":
				events <- current
				current = streamEvent{}
			}
		}
	}()

	// The stream is attached once the greeting arrives; publishing before
	// that would race the subscription.
	greeting := expectStreamEvent(t, events, "stream-open")
	if greeting.data == "" {
		t.Fatalf("stream greeting carried no data")
	}
	return events
}

func expectStreamEvent(t *testing.T, events <-chan streamEvent, kind string) streamEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, open := <-events:
			if !open {
				t.Fatalf("stream closed while waiting for %q", kind)
			}
			if event.kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func TestEventStreamDeliversMainUpdates(t *testing.T) {
	fx := mustRouterFixture(t)
	ownerToken := fx.mustToken(t, "owner-1")
	document := fx.mustCreateDocument(t, ownerToken)

	events := openEventStream(t, fx, "/documents/"+document.DocumentID+"/events?access_token="+ownerToken)

	delta := mustEncodeDelta(t, []crdt.BlockRecord{{
		BlockID:  "block-1",
		Kind:     crdt.BlockKindParagraph,
		Text:     "hello",
		Lang:     "en",
		OrderKey: "U",
		Clock:    1,
		Actor:    "owner-1",
	}})
	if status, payload := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/updates", ownerToken, applyDeltaPayload{Delta: delta}); status != http.StatusOK {
		t.Fatalf("apply delta: status %d body %s", status, payload)
	}

	deltaEvent := expectStreamEvent(t, events, pubsub.KindDelta)
	var envelope eventEnvelopePayload
	if err := json.Unmarshal([]byte(deltaEvent.data), &envelope); err != nil {
		t.Fatalf("decode delta event %q: %v", deltaEvent.data, err)
	}
	if envelope.DocumentID != document.DocumentID || envelope.ActorID != "owner-1" {
		t.Fatalf("unexpected delta envelope: %+v", envelope)
	}
	expectStreamEvent(t, events, pubsub.KindMainUpdated)
}

func TestBranchStreamReceivesSyncAvailable(t *testing.T) {
	fx := mustRouterFixture(t)
	ownerToken := fx.mustToken(t, "owner-1")
	aliceToken := fx.mustToken(t, "alice-2")
	document := fx.mustCreateDocument(t, ownerToken)

	_, payload := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/branches", aliceToken, openBranchPayload{})
	branch := decodeResponse[branchResponsePayload](t, payload)

	events := openEventStream(t, fx, "/documents/"+document.DocumentID+"/events?branch="+branch.BranchID+"&access_token="+aliceToken)

	fx.clock.Advance(10 * time.Second)
	delta := mustEncodeDelta(t, []crdt.BlockRecord{{
		BlockID:  "block-1",
		Kind:     crdt.BlockKindParagraph,
		Text:     "hello",
		Lang:     "en",
		OrderKey: "U",
		Clock:    1,
		Actor:    "owner-1",
	}})
	if status, body := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/updates", ownerToken, applyDeltaPayload{Delta: delta}); status != http.StatusOK {
		t.Fatalf("apply main delta: status %d body %s", status, body)
	}

	notification := expectStreamEvent(t, events, "sync-available")
	var decoded syncAvailablePayload
	if err := json.Unmarshal([]byte(notification.data), &decoded); err != nil {
		t.Fatalf("decode notification %q: %v", notification.data, err)
	}
	if decoded.BranchID != branch.BranchID || decoded.MainUpdatedAtSeconds <= branch.BaselineUpdatedAtSeconds {
		t.Fatalf("unexpected notification: %+v", decoded)
	}
}

func TestBranchStreamIsScopedToHolderAndOwner(t *testing.T) {
	fx := mustRouterFixture(t)
	ownerToken := fx.mustToken(t, "owner-1")
	aliceToken := fx.mustToken(t, "alice-2")
	bobToken := fx.mustToken(t, "bob-3")
	document := fx.mustCreateDocument(t, ownerToken)

	_, payload := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/branches", aliceToken, openBranchPayload{})
	branch := decodeResponse[branchResponsePayload](t, payload)

	status, _ := fx.doJSON(t, http.MethodGet, "/documents/"+document.DocumentID+"/events?branch="+branch.BranchID+"&access_token="+bobToken, "", nil)
	if status != http.StatusForbidden {
		t.Fatalf("foreign branch stream: expected 403, got %d", status)
	}
}

func TestAwarenessRelaysToOtherSubscribers(t *testing.T) {
	fx := mustRouterFixture(t)
	ownerToken := fx.mustToken(t, "owner-1")
	aliceToken := fx.mustToken(t, "alice-2")
	document := fx.mustCreateDocument(t, ownerToken)

	events := openEventStream(t, fx, "/documents/"+document.DocumentID+"/events?access_token="+ownerToken)

	// The subscriber's own presence is filtered out; only Alice's should land.
	if status, _ := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/awareness", ownerToken, awarenessPayload{Payload: json.RawMessage(`{"cursor":1}`)}); status != http.StatusAccepted {
		t.Fatalf("owner awareness publish failed: %d", status)
	}
	if status, _ := fx.doJSON(t, http.MethodPost, "/documents/"+document.DocumentID+"/awareness", aliceToken, awarenessPayload{Payload: json.RawMessage(`{"cursor":7}`)}); status != http.StatusAccepted {
		t.Fatalf("alice awareness publish failed: %d", status)
	}

	event := expectStreamEvent(t, events, pubsub.KindAwareness)
	var envelope eventEnvelopePayload
	if err := json.Unmarshal([]byte(event.data), &envelope); err != nil {
		t.Fatalf("decode awareness event %q: %v", event.data, err)
	}
	if envelope.ActorID != "alice-2" {
		t.Fatalf("expected alice's awareness first, got %+v", envelope)
	}
}
