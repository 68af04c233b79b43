package docs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenBranchArgs describes a request for a personal branch of a document.
type OpenBranchArgs struct {
	DocumentID  DocumentID
	UserID      ActorID
	DisplayName string
}

// OpenBranch returns the caller's live branch for the document, forking a new
// one from the current main snapshot when none exists. A user holds at most
// one live branch per document; reopening is idempotent.
func (s *Service) OpenBranch(ctx context.Context, args OpenBranchArgs) (Branch, error) {
	document, err := s.loadDocument(ctx, opOpenBranch, args.DocumentID)
	if err != nil {
		return Branch{}, err
	}
	// The owner edits main directly; a branch belongs to a collaborator.
	if document.OwnerID == args.UserID.String() {
		s.logError(opOpenBranch, "owner_edits_main", ErrNotAuthorized,
			zap.String("document_id", document.DocumentID),
			zap.String("user_id", args.UserID.String()))
		return Branch{}, newServiceError(opOpenBranch, "owner_edits_main", ErrNotAuthorized)
	}

	var existing []Branch
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ? AND status IN ?",
			document.DocumentID, args.UserID.String(),
			[]string{string(BranchStatusActive), string(BranchStatusSubmitted)}).
		Limit(1).
		Find(&existing).Error; err != nil {
		s.logError(opOpenBranch, "branch_select_failed", err,
			zap.String("document_id", document.DocumentID),
			zap.String("user_id", args.UserID.String()))
		return Branch{}, newServiceError(opOpenBranch, "branch_select_failed", err)
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	branchID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opOpenBranch, "id_generation_failed", err)
		return Branch{}, newServiceError(opOpenBranch, "id_generation_failed", err)
	}

	displayName := strings.TrimSpace(args.DisplayName)
	if displayName == "" {
		displayName = args.UserID.String()
	}
	snapshot := make([]byte, len(document.SnapshotBlob))
	copy(snapshot, document.SnapshotBlob)

	now := s.clock().UTC().Unix()
	branch := Branch{
		BranchID:                 branchID,
		DocumentID:               document.DocumentID,
		UserID:                   args.UserID.String(),
		DisplayName:              fmt.Sprintf("%s's edits", displayName),
		Status:                   string(BranchStatusActive),
		SnapshotBlob:             snapshot,
		BaselineUpdatedAtSeconds: document.UpdatedAtSeconds,
		CreatedAtSeconds:         now,
		UpdatedAtSeconds:         now,
	}
	if err := s.db.WithContext(ctx).Create(&branch).Error; err != nil {
		s.logError(opOpenBranch, "insert_failed", err,
			zap.String("document_id", document.DocumentID),
			zap.String("branch_id", branchID))
		return Branch{}, newServiceError(opOpenBranch, "insert_failed", err)
	}

	s.events.Publish(Event{
		Kind:       EventKindBranchStatus,
		DocumentID: document.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    args.UserID.String(),
		Status:     branch.Status,
	})
	return branch, nil
}

// SubmitBranchArgs describes a branch submission for merge.
type SubmitBranchArgs struct {
	BranchID BranchID
	UserID   ActorID
	Strategy MergeStrategy
}

// SubmitBranch freezes an active branch and opens its pending merge request.
// A branch carries at most one pending request at a time.
func (s *Service) SubmitBranch(ctx context.Context, args SubmitBranchArgs) (MergeRequest, error) {
	branch, err := s.loadBranch(ctx, opSubmitBranch, args.BranchID)
	if err != nil {
		return MergeRequest{}, err
	}
	if branch.UserID != args.UserID.String() {
		s.logError(opSubmitBranch, "not_branch_holder", ErrNotAuthorized,
			zap.String("branch_id", branch.BranchID),
			zap.String("actor_id", args.UserID.String()))
		return MergeRequest{}, newServiceError(opSubmitBranch, "not_branch_holder", ErrNotAuthorized)
	}
	if branch.Status != string(BranchStatusActive) {
		s.logError(opSubmitBranch, "branch_not_active", ErrInvalidTransition,
			zap.String("branch_id", branch.BranchID),
			zap.String("status", branch.Status))
		return MergeRequest{}, newServiceError(opSubmitBranch, "branch_not_active", ErrInvalidTransition)
	}

	var pendingCount int64
	if err := s.db.WithContext(ctx).Model(&MergeRequest{}).
		Where("branch_id = ? AND status = ?", branch.BranchID, string(MergeRequestStatusPending)).
		Count(&pendingCount).Error; err != nil {
		s.logError(opSubmitBranch, "pending_count_failed", err, zap.String("branch_id", branch.BranchID))
		return MergeRequest{}, newServiceError(opSubmitBranch, "pending_count_failed", err)
	}
	if pendingCount > 0 {
		s.logError(opSubmitBranch, "merge_request_already_pending", ErrInvalidTransition,
			zap.String("branch_id", branch.BranchID))
		return MergeRequest{}, newServiceError(opSubmitBranch, "merge_request_already_pending", ErrInvalidTransition)
	}

	strategy := args.Strategy
	if strategy == "" {
		strategy = MergeStrategyTranslateUnion
	}
	mergeRequestID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitBranch, "id_generation_failed", err)
		return MergeRequest{}, newServiceError(opSubmitBranch, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	mergeRequest := MergeRequest{
		MergeRequestID:   mergeRequestID,
		DocumentID:       branch.DocumentID,
		BranchID:         branch.BranchID,
		SubmitterID:      branch.UserID,
		Status:           string(MergeRequestStatusPending),
		Strategy:         string(strategy),
		CreatedAtSeconds: now,
	}
	if txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&Branch{}).
			Where("branch_id = ? AND status = ?", branch.BranchID, string(BranchStatusActive)).
			Updates(map[string]any{"status": string(BranchStatusSubmitted), "updated_at_s": now})
		if update.Error != nil {
			s.logError(opSubmitBranch, "branch_update_failed", update.Error, zap.String("branch_id", branch.BranchID))
			return newServiceError(opSubmitBranch, "branch_update_failed", update.Error)
		}
		// The branch may have left active between the check above and this
		// update; a racing submit must not open a second pending request.
		if update.RowsAffected != 1 {
			s.logError(opSubmitBranch, "branch_not_active", ErrInvalidTransition,
				zap.String("branch_id", branch.BranchID))
			return newServiceError(opSubmitBranch, "branch_not_active", ErrInvalidTransition)
		}
		if err := tx.Create(&mergeRequest).Error; err != nil {
			s.logError(opSubmitBranch, "merge_request_insert_failed", err, zap.String("branch_id", branch.BranchID))
			return newServiceError(opSubmitBranch, "merge_request_insert_failed", err)
		}
		return nil
	}); txErr != nil {
		return MergeRequest{}, txErr
	}

	s.events.Publish(Event{
		Kind:       EventKindBranchStatus,
		DocumentID: branch.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    branch.UserID,
		Status:     string(BranchStatusSubmitted),
	})
	s.events.Publish(Event{
		Kind:           EventKindMergeRequest,
		DocumentID:     branch.DocumentID,
		BranchID:       branch.BranchID,
		MergeRequestID: mergeRequest.MergeRequestID,
		ActorID:        branch.UserID,
		Status:         mergeRequest.Status,
	})
	return mergeRequest, nil
}

// LeaveBranch abandons the caller's active branch, discarding its content.
// A submitted branch cannot be abandoned while its merge request is pending.
func (s *Service) LeaveBranch(ctx context.Context, branchID BranchID, userID ActorID) error {
	branch, err := s.loadBranch(ctx, opLeaveBranch, branchID)
	if err != nil {
		return err
	}
	if branch.UserID != userID.String() {
		s.logError(opLeaveBranch, "not_branch_holder", ErrNotAuthorized,
			zap.String("branch_id", branch.BranchID),
			zap.String("actor_id", userID.String()))
		return newServiceError(opLeaveBranch, "not_branch_holder", ErrNotAuthorized)
	}
	if branch.Status != string(BranchStatusActive) {
		s.logError(opLeaveBranch, "branch_not_active", ErrInvalidTransition,
			zap.String("branch_id", branch.BranchID),
			zap.String("status", branch.Status))
		return newServiceError(opLeaveBranch, "branch_not_active", ErrInvalidTransition)
	}

	if err := s.db.WithContext(ctx).
		Where("branch_id = ?", branch.BranchID).
		Delete(&Branch{}).Error; err != nil {
		s.logError(opLeaveBranch, "delete_failed", err, zap.String("branch_id", branch.BranchID))
		return newServiceError(opLeaveBranch, "delete_failed", err)
	}

	s.events.Publish(Event{
		Kind:       EventKindBranchStatus,
		DocumentID: branch.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    branch.UserID,
		Status:     "abandoned",
	})
	return nil
}

// GetBranch returns one branch to its holder or the document owner.
func (s *Service) GetBranch(ctx context.Context, branchID BranchID, actorID ActorID) (Branch, error) {
	branch, err := s.loadBranch(ctx, opListBranches, branchID)
	if err != nil {
		return Branch{}, err
	}
	if branch.UserID == actorID.String() {
		return branch, nil
	}
	document, err := s.loadDocument(ctx, opListBranches, DocumentID(branch.DocumentID))
	if err != nil {
		return Branch{}, err
	}
	if document.OwnerID != actorID.String() {
		return Branch{}, newServiceError(opListBranches, "not_authorized", ErrNotAuthorized)
	}
	return branch, nil
}

// BranchBaseline returns the main updated_at the branch was last forked from
// or rebased onto. Notification plumbing uses it to decide which main
// advances the holder has not seen yet.
func (s *Service) BranchBaseline(ctx context.Context, branchID BranchID) (int64, error) {
	branch, err := s.loadBranch(ctx, opListBranches, branchID)
	if err != nil {
		return 0, err
	}
	return branch.BaselineUpdatedAtSeconds, nil
}

// ListBranches returns the branches of a document. The owner sees every
// branch; other users see only their own.
func (s *Service) ListBranches(ctx context.Context, documentID DocumentID, actorID ActorID) ([]Branch, error) {
	document, err := s.loadDocument(ctx, opListBranches, documentID)
	if err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).
		Where("document_id = ?", document.DocumentID).
		Order("created_at_s ASC")
	if document.OwnerID != actorID.String() {
		query = query.Where("user_id = ?", actorID.String())
	}

	var branches []Branch
	if err := query.Find(&branches).Error; err != nil {
		s.logError(opListBranches, "query_failed", err, zap.String("document_id", document.DocumentID))
		return nil, newServiceError(opListBranches, "query_failed", err)
	}
	return branches, nil
}
