package docs

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openloomlab/polydoc/internal/crdt"
)

// MergePreview shows the owner both versions before a decision. Texts are the
// live blocks rendered in document order.
type MergePreview struct {
	MergeRequest MergeRequest
	MainBlocks   []crdt.BlockRecord
	BranchBlocks []crdt.BlockRecord
	MainText     string
	BranchText   string
}

// MergeOutcome reports the state after an approved merge: main advanced, the
// branch rebased onto it, the request closed.
type MergeOutcome struct {
	Document     Document
	Branch       Branch
	MergeRequest MergeRequest
}

// ListMergeRequests returns a document's merge requests, newest first. Owner
// only.
func (s *Service) ListMergeRequests(ctx context.Context, documentID DocumentID, actorID ActorID) ([]MergeRequest, error) {
	document, err := s.loadDocument(ctx, opListMergeRequests, documentID)
	if err != nil {
		return nil, err
	}
	if document.OwnerID != actorID.String() {
		s.logError(opListMergeRequests, "not_document_owner", ErrNotAuthorized,
			zap.String("document_id", document.DocumentID),
			zap.String("actor_id", actorID.String()))
		return nil, newServiceError(opListMergeRequests, "not_document_owner", ErrNotAuthorized)
	}

	var requests []MergeRequest
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", document.DocumentID).
		Order("created_at_s DESC").
		Find(&requests).Error; err != nil {
		s.logError(opListMergeRequests, "query_failed", err, zap.String("document_id", document.DocumentID))
		return nil, newServiceError(opListMergeRequests, "query_failed", err)
	}
	return requests, nil
}

// PreviewMerge renders both sides of a pending merge request for the owner.
func (s *Service) PreviewMerge(ctx context.Context, mergeRequestID MergeRequestID, actorID ActorID) (MergePreview, error) {
	mergeRequest, document, branch, err := s.loadPendingMerge(ctx, opPreviewMerge, mergeRequestID, actorID)
	if err != nil {
		return MergePreview{}, err
	}

	mainState := s.decodeSnapshotOrEmpty(document.DocumentID, document.SnapshotBlob)
	branchState := s.decodeSnapshotOrEmpty(branch.BranchID, branch.SnapshotBlob)
	return MergePreview{
		MergeRequest: mergeRequest,
		MainBlocks:   mainState.Blocks(),
		BranchBlocks: branchState.Blocks(),
		MainText:     renderText(mainState),
		BranchText:   renderText(branchState),
	}, nil
}

// ApproveMergeArgs describes an owner's approval. Strategy overrides the one
// chosen at submission when non-empty.
type ApproveMergeArgs struct {
	MergeRequestID MergeRequestID
	ActorID        ActorID
	Strategy       MergeStrategy
}

// ApproveMerge folds the branch into main using the request's strategy. The
// merge runs at most once per request at a time; nothing is mutated when the
// strategy fails, so a failed merge can simply be retried. On success the
// branch is rebased onto the new main snapshot and returns to active.
func (s *Service) ApproveMerge(ctx context.Context, args ApproveMergeArgs) (MergeOutcome, error) {
	if err := s.beginMerge(args.MergeRequestID.String()); err != nil {
		s.logError(opApproveMerge, "merge_in_flight", err, zap.String("merge_request_id", args.MergeRequestID.String()))
		return MergeOutcome{}, newServiceError(opApproveMerge, "merge_in_flight", err)
	}
	defer s.endMerge(args.MergeRequestID.String())

	mergeRequest, document, branch, err := s.loadPendingMerge(ctx, opApproveMerge, args.MergeRequestID, args.ActorID)
	if err != nil {
		return MergeOutcome{}, err
	}

	strategy := MergeStrategy(mergeRequest.Strategy)
	if args.Strategy != "" {
		strategy = args.Strategy
	}

	mainState := s.decodeSnapshotOrEmpty(document.DocumentID, document.SnapshotBlob)
	branchState := s.decodeSnapshotOrEmpty(branch.BranchID, branch.SnapshotBlob)

	var mergedBlob []byte
	switch strategy {
	case MergeStrategyTranslateUnion:
		mergedBlob, err = s.mergeTranslateUnion(ctx, mainState, branchState, document.PrimaryLanguage, args.ActorID.String())
	case MergeStrategyReconcile:
		mergedBlob, err = s.mergeReconcile(ctx, mainState, branchState, document.PrimaryLanguage, args.ActorID.String())
	default:
		s.logError(opApproveMerge, "unsupported_strategy", ErrInvalidMergeStrategy,
			zap.String("merge_request_id", mergeRequest.MergeRequestID),
			zap.String("strategy", string(strategy)))
		return MergeOutcome{}, newServiceError(opApproveMerge, "unsupported_strategy", ErrInvalidMergeStrategy)
	}
	if err != nil {
		return MergeOutcome{}, err
	}

	now := s.clock().UTC().Unix()
	if txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Document{}).
			Where("document_id = ?", document.DocumentID).
			Updates(map[string]any{"snapshot_blob": mergedBlob, "updated_at_s": now}).Error; err != nil {
			s.logError(opApproveMerge, "document_update_failed", err, zap.String("document_id", document.DocumentID))
			return newServiceError(opApproveMerge, "document_update_failed", err)
		}
		if err := tx.Model(&Branch{}).
			Where("branch_id = ?", branch.BranchID).
			Updates(map[string]any{
				"snapshot_blob":         mergedBlob,
				"status":                string(BranchStatusActive),
				"baseline_updated_at_s": now,
				"updated_at_s":          now,
			}).Error; err != nil {
			s.logError(opApproveMerge, "branch_update_failed", err, zap.String("branch_id", branch.BranchID))
			return newServiceError(opApproveMerge, "branch_update_failed", err)
		}
		if err := tx.Model(&MergeRequest{}).
			Where("merge_request_id = ?", mergeRequest.MergeRequestID).
			Updates(map[string]any{
				"status":        string(MergeRequestStatusMerged),
				"resolver_id":   args.ActorID.String(),
				"resolved_at_s": now,
			}).Error; err != nil {
			s.logError(opApproveMerge, "merge_request_update_failed", err,
				zap.String("merge_request_id", mergeRequest.MergeRequestID))
			return newServiceError(opApproveMerge, "merge_request_update_failed", err)
		}
		return nil
	}); txErr != nil {
		return MergeOutcome{}, txErr
	}

	document.SnapshotBlob = mergedBlob
	document.UpdatedAtSeconds = now
	branch.SnapshotBlob = mergedBlob
	branch.Status = string(BranchStatusActive)
	branch.BaselineUpdatedAtSeconds = now
	branch.UpdatedAtSeconds = now
	mergeRequest.Status = string(MergeRequestStatusMerged)
	mergeRequest.ResolverID = args.ActorID.String()
	mergeRequest.ResolvedAtSeconds = now

	s.events.Publish(Event{
		Kind:             EventKindMainUpdated,
		DocumentID:       document.DocumentID,
		ActorID:          args.ActorID.String(),
		UpdatedAtSeconds: now,
	})
	s.events.Publish(Event{
		Kind:       EventKindBranchStatus,
		DocumentID: document.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    branch.UserID,
		Status:     string(BranchStatusActive),
	})
	s.events.Publish(Event{
		Kind:           EventKindMergeRequest,
		DocumentID:     document.DocumentID,
		BranchID:       branch.BranchID,
		MergeRequestID: mergeRequest.MergeRequestID,
		ActorID:        branch.UserID,
		Status:         string(MergeRequestStatusMerged),
	})
	s.notify.Notify(ctx, Notification{
		UserID: mergeRequest.SubmitterID,
		Kind:   NotificationKindMergeApproved,
		Title:  "Merge request approved",
		Body:   "Your changes were merged into \"" + document.Title + "\".",
		Link:   "/documents/" + document.DocumentID,
		Metadata: map[string]string{
			"document_id":      document.DocumentID,
			"branch_id":        branch.BranchID,
			"merge_request_id": mergeRequest.MergeRequestID,
		},
	})
	return MergeOutcome{Document: document, Branch: branch, MergeRequest: mergeRequest}, nil
}

// RejectMergeArgs describes an owner's rejection with an optional note for
// the submitter.
type RejectMergeArgs struct {
	MergeRequestID MergeRequestID
	ActorID        ActorID
	Note           string
}

// RejectMerge declines a pending merge request. The branch keeps its content
// and returns to active so the holder can revise and resubmit.
func (s *Service) RejectMerge(ctx context.Context, args RejectMergeArgs) (MergeRequest, error) {
	if err := s.beginMerge(args.MergeRequestID.String()); err != nil {
		s.logError(opRejectMerge, "merge_in_flight", err, zap.String("merge_request_id", args.MergeRequestID.String()))
		return MergeRequest{}, newServiceError(opRejectMerge, "merge_in_flight", err)
	}
	defer s.endMerge(args.MergeRequestID.String())

	mergeRequest, document, branch, err := s.loadPendingMerge(ctx, opRejectMerge, args.MergeRequestID, args.ActorID)
	if err != nil {
		return MergeRequest{}, err
	}

	now := s.clock().UTC().Unix()
	if txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Branch{}).
			Where("branch_id = ?", branch.BranchID).
			Updates(map[string]any{"status": string(BranchStatusActive), "updated_at_s": now}).Error; err != nil {
			s.logError(opRejectMerge, "branch_update_failed", err, zap.String("branch_id", branch.BranchID))
			return newServiceError(opRejectMerge, "branch_update_failed", err)
		}
		if err := tx.Model(&MergeRequest{}).
			Where("merge_request_id = ?", mergeRequest.MergeRequestID).
			Updates(map[string]any{
				"status":          string(MergeRequestStatusRejected),
				"resolution_note": args.Note,
				"resolver_id":     args.ActorID.String(),
				"resolved_at_s":   now,
			}).Error; err != nil {
			s.logError(opRejectMerge, "merge_request_update_failed", err,
				zap.String("merge_request_id", mergeRequest.MergeRequestID))
			return newServiceError(opRejectMerge, "merge_request_update_failed", err)
		}
		return nil
	}); txErr != nil {
		return MergeRequest{}, txErr
	}

	mergeRequest.Status = string(MergeRequestStatusRejected)
	mergeRequest.ResolutionNote = args.Note
	mergeRequest.ResolverID = args.ActorID.String()
	mergeRequest.ResolvedAtSeconds = now

	s.events.Publish(Event{
		Kind:       EventKindBranchStatus,
		DocumentID: document.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    branch.UserID,
		Status:     string(BranchStatusActive),
	})
	s.events.Publish(Event{
		Kind:           EventKindMergeRequest,
		DocumentID:     document.DocumentID,
		BranchID:       branch.BranchID,
		MergeRequestID: mergeRequest.MergeRequestID,
		ActorID:        branch.UserID,
		Status:         string(MergeRequestStatusRejected),
		Note:           args.Note,
	})
	s.notify.Notify(ctx, Notification{
		UserID: mergeRequest.SubmitterID,
		Kind:   NotificationKindMergeRejected,
		Title:  "Merge request rejected",
		Body:   "Your changes to \"" + document.Title + "\" were declined.",
		Link:   "/documents/" + document.DocumentID,
		Metadata: map[string]string{
			"document_id":      document.DocumentID,
			"branch_id":        branch.BranchID,
			"merge_request_id": mergeRequest.MergeRequestID,
			"note":             args.Note,
		},
	})
	return mergeRequest, nil
}

// mergeTranslateUnion unions both states block by block, then rewrites every
// live block stored in a foreign language into the document's primary
// language. A translation failure aborts the merge before anything durable
// changes; silent language mixing in main is worse than a retried merge.
func (s *Service) mergeTranslateUnion(ctx context.Context, mainState, branchState *crdt.DocState, primaryLang string, mergedBy string) ([]byte, error) {
	if s.translator == nil {
		s.logError(opApproveMerge, "translator_missing", ErrInvalidTransition)
		return nil, newServiceError(opApproveMerge, "translator_missing", ErrInvalidTransition)
	}

	merged := crdt.Merge(mainState, branchState)
	groups := make(map[string][]crdt.BlockRecord)
	for _, rec := range merged.Blocks() {
		if rec.Lang == "" || rec.Lang == primaryLang || rec.Text == "" {
			continue
		}
		groups[rec.Lang] = append(groups[rec.Lang], rec)
	}
	if len(groups) == 0 {
		return crdt.EncodeSnapshot(merged)
	}

	replica, err := crdt.NewReplica(crdt.ReplicaConfig{ActorID: mergedBy})
	if err != nil {
		s.logError(opApproveMerge, "replica_build_failed", err)
		return nil, newServiceError(opApproveMerge, "replica_build_failed", err)
	}
	blob, err := crdt.EncodeSnapshot(merged)
	if err != nil {
		s.logError(opApproveMerge, "snapshot_encode_failed", err)
		return nil, newServiceError(opApproveMerge, "snapshot_encode_failed", err)
	}
	if err := replica.LoadSnapshot(blob); err != nil {
		s.logError(opApproveMerge, "snapshot_load_failed", err)
		return nil, newServiceError(opApproveMerge, "snapshot_load_failed", err)
	}

	for lang, records := range groups {
		texts := make([]string, len(records))
		for i, rec := range records {
			texts[i] = rec.Text
		}
		translated, err := s.translator.TranslateBatch(ctx, texts, lang, primaryLang)
		if err != nil {
			s.logError(opApproveMerge, "translation_failed", err,
				zap.String("from", lang),
				zap.String("to", primaryLang),
				zap.Int("blocks", len(records)))
			return nil, newServiceError(opApproveMerge, "translation_failed", err)
		}
		for i, rec := range records {
			if err := replica.UpdateBlockText(crdt.OriginTranslationSync, rec.BlockID, translated[i]); err != nil {
				s.logError(opApproveMerge, "block_rewrite_failed", err, zap.String("block_id", rec.BlockID))
				return nil, newServiceError(opApproveMerge, "block_rewrite_failed", err)
			}
			if err := replica.MarkSource(crdt.OriginTranslationSync, rec.BlockID, primaryLang); err != nil {
				s.logError(opApproveMerge, "block_rewrite_failed", err, zap.String("block_id", rec.BlockID))
				return nil, newServiceError(opApproveMerge, "block_rewrite_failed", err)
			}
		}
	}
	return replica.EncodeSnapshot()
}

// mergeReconcile hands both rendered versions to the generative reconciler
// and rebuilds the document from its output. The union of both states stays
// underneath so tombstones and clocks keep propagating.
func (s *Service) mergeReconcile(ctx context.Context, mainState, branchState *crdt.DocState, primaryLang string, mergedBy string) ([]byte, error) {
	if s.reconciler == nil {
		s.logError(opApproveMerge, "reconciler_missing", ErrReconciliationFailed)
		return nil, newServiceError(opApproveMerge, "reconciler_missing", ErrReconciliationFailed)
	}

	mergedText, err := s.reconciler.Reconcile(ctx, renderText(mainState), renderText(branchState), primaryLang)
	if err != nil {
		s.logError(opApproveMerge, "reconcile_failed", err)
		return nil, newServiceError(opApproveMerge, "reconcile_failed", ErrReconciliationFailed)
	}
	if strings.TrimSpace(mergedText) == "" {
		s.logError(opApproveMerge, "reconcile_empty", ErrReconciliationFailed)
		return nil, newServiceError(opApproveMerge, "reconcile_empty", ErrReconciliationFailed)
	}

	merged := crdt.Merge(mainState, branchState)
	replica, err := crdt.NewReplica(crdt.ReplicaConfig{ActorID: mergedBy})
	if err != nil {
		s.logError(opApproveMerge, "replica_build_failed", err)
		return nil, newServiceError(opApproveMerge, "replica_build_failed", err)
	}
	blob, err := crdt.EncodeSnapshot(merged)
	if err != nil {
		s.logError(opApproveMerge, "snapshot_encode_failed", err)
		return nil, newServiceError(opApproveMerge, "snapshot_encode_failed", err)
	}
	if err := replica.LoadSnapshot(blob); err != nil {
		s.logError(opApproveMerge, "snapshot_load_failed", err)
		return nil, newServiceError(opApproveMerge, "snapshot_load_failed", err)
	}

	for _, rec := range replica.Blocks() {
		if err := replica.DeleteBlock(crdt.OriginTranslationSync, rec.BlockID); err != nil {
			s.logError(opApproveMerge, "block_rewrite_failed", err, zap.String("block_id", rec.BlockID))
			return nil, newServiceError(opApproveMerge, "block_rewrite_failed", err)
		}
	}
	for _, paragraph := range strings.Split(mergedText, "\n\n") {
		text := strings.TrimSpace(paragraph)
		if text == "" {
			continue
		}
		blockID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApproveMerge, "id_generation_failed", err)
			return nil, newServiceError(opApproveMerge, "id_generation_failed", err)
		}
		if _, err := replica.InsertBlock(crdt.OriginTranslationSync, crdt.InsertBlockArgs{
			BlockID: blockID,
			Kind:    crdt.BlockKindParagraph,
			Text:    text,
			Lang:    primaryLang,
		}); err != nil {
			s.logError(opApproveMerge, "block_insert_failed", err, zap.String("block_id", blockID))
			return nil, newServiceError(opApproveMerge, "block_insert_failed", err)
		}
	}
	return replica.EncodeSnapshot()
}

func (s *Service) loadPendingMerge(ctx context.Context, operation string, mergeRequestID MergeRequestID, actorID ActorID) (MergeRequest, Document, Branch, error) {
	var mergeRequest MergeRequest
	err := s.db.WithContext(ctx).
		Where("merge_request_id = ?", mergeRequestID.String()).
		Take(&mergeRequest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MergeRequest{}, Document{}, Branch{}, newServiceError(operation, "merge_request_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "merge_request_select_failed", err, zap.String("merge_request_id", mergeRequestID.String()))
		return MergeRequest{}, Document{}, Branch{}, newServiceError(operation, "merge_request_select_failed", err)
	}
	if mergeRequest.Status != string(MergeRequestStatusPending) {
		s.logError(operation, "merge_request_not_pending", ErrInvalidTransition,
			zap.String("merge_request_id", mergeRequest.MergeRequestID),
			zap.String("status", mergeRequest.Status))
		return MergeRequest{}, Document{}, Branch{}, newServiceError(operation, "merge_request_not_pending", ErrInvalidTransition)
	}

	document, err := s.loadDocument(ctx, operation, DocumentID(mergeRequest.DocumentID))
	if err != nil {
		return MergeRequest{}, Document{}, Branch{}, err
	}
	if document.OwnerID != actorID.String() {
		s.logError(operation, "not_document_owner", ErrNotAuthorized,
			zap.String("document_id", document.DocumentID),
			zap.String("actor_id", actorID.String()))
		return MergeRequest{}, Document{}, Branch{}, newServiceError(operation, "not_document_owner", ErrNotAuthorized)
	}

	branch, err := s.loadBranch(ctx, operation, BranchID(mergeRequest.BranchID))
	if err != nil {
		return MergeRequest{}, Document{}, Branch{}, err
	}
	if branch.Status != string(BranchStatusSubmitted) {
		s.logError(operation, "branch_not_submitted", ErrInvalidTransition,
			zap.String("branch_id", branch.BranchID),
			zap.String("status", branch.Status))
		return MergeRequest{}, Document{}, Branch{}, newServiceError(operation, "branch_not_submitted", ErrInvalidTransition)
	}
	return mergeRequest, document, branch, nil
}

func (s *Service) beginMerge(mergeRequestID string) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	if _, busy := s.mergesInFlight[mergeRequestID]; busy {
		return ErrInvalidTransition
	}
	s.mergesInFlight[mergeRequestID] = struct{}{}
	return nil
}

func (s *Service) endMerge(mergeRequestID string) {
	s.mergeMu.Lock()
	delete(s.mergesInFlight, mergeRequestID)
	s.mergeMu.Unlock()
}

// renderText flattens the live blocks into plain text, one paragraph per
// block.
func renderText(state *crdt.DocState) string {
	parts := make([]string, 0)
	for _, rec := range state.Blocks() {
		if rec.Text == "" {
			continue
		}
		parts = append(parts, rec.Text)
	}
	return strings.Join(parts, "\n\n")
}
