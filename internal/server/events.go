package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openloomlab/polydoc/internal/docs"
	"github.com/openloomlab/polydoc/internal/notify"
	"github.com/openloomlab/polydoc/internal/pubsub"
)

const streamHeartbeatInterval = 30 * time.Second

// eventEnvelopePayload is the data line written for broker messages.
type eventEnvelopePayload struct {
	DocumentID       string          `json:"document_id"`
	BranchID         string          `json:"branch_id,omitempty"`
	MergeRequestID   string          `json:"merge_request_id,omitempty"`
	ActorID          string          `json:"actor_id,omitempty"`
	Status           string          `json:"status,omitempty"`
	Note             string          `json:"note,omitempty"`
	UpdatedAtSeconds int64           `json:"updated_at_s,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type syncAvailablePayload struct {
	DocumentID           string `json:"document_id"`
	BranchID             string `json:"branch_id"`
	MainUpdatedAtSeconds int64  `json:"main_updated_at_s"`
}

// handleEventStream serves a server-sent-events stream for one copy of a
// document. Main sessions follow the main topic; branch sessions follow their
// branch topic and additionally receive sync-available notifications whenever
// main advances past the branch baseline.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	branchID := docs.BranchID("")
	if raw := c.Query("branch"); raw != "" {
		branchID, err = docs.NewBranchID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
			return
		}
		if _, err := h.service.GetBranch(c.Request.Context(), branchID, actor); err != nil {
			h.respondServiceError(c, err)
			return
		}
	} else if _, err := h.service.GetDocument(c.Request.Context(), documentID); err != nil {
		h.respondServiceError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.broker.Subscribe(ctx, pubsub.Topic(documentID.String(), branchID.String()))
	defer cleanup()

	var notifications <-chan notify.Notification
	if branchID != "" && h.notifier != nil {
		watched, watchCleanup, watchErr := h.notifier.Watch(ctx, notify.WatchArgs{
			DocumentID: documentID.String(),
			BranchID:   branchID.String(),
			UserID:     actor.String(),
		})
		if watchErr != nil {
			h.respondServiceError(c, watchErr)
			return
		}
		defer watchCleanup()
		notifications = watched
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	writeStreamEvent(c.Writer, "stream-open", gin.H{"document_id": documentID.String()})
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			if message.Kind == pubsub.KindAwareness && message.ActorID == actor.String() {
				continue
			}
			writeStreamEvent(c.Writer, message.Kind, eventEnvelopePayload{
				DocumentID:       message.DocumentID,
				BranchID:         message.BranchID,
				MergeRequestID:   message.MergeRequestID,
				ActorID:          message.ActorID,
				Status:           message.Status,
				Note:             message.Note,
				UpdatedAtSeconds: message.UpdatedAtSeconds,
				Payload:          json.RawMessage(message.Payload),
			})
			flusher.Flush()
		case notification, open := <-notifications:
			if !open {
				notifications = nil
				continue
			}
			writeStreamEvent(c.Writer, "sync-available", syncAvailablePayload{
				DocumentID:           notification.DocumentID,
				BranchID:             notification.BranchID,
				MainUpdatedAtSeconds: notification.MainUpdatedAtSeconds,
			})
			flusher.Flush()
		case <-heartbeat.C:
			writeStreamEvent(c.Writer, "heartbeat", gin.H{"at": time.Now().UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
}
