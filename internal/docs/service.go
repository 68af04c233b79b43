// Package docs owns the persisted side of multilingual documents: the main
// copy, per-user branches, and the merge requests that move branch content
// into main. Block-level conflict resolution lives in the snapshot blobs;
// this package decides who may write which copy and when.
package docs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openloomlab/polydoc/internal/crdt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew        = "docs.service.new"
	opCreateDocument    = "docs.create_document"
	opGetDocument       = "docs.get_document"
	opApplyDelta        = "docs.apply_delta"
	opOpenBranch        = "docs.open_branch"
	opSubmitBranch      = "docs.submit_branch"
	opLeaveBranch       = "docs.leave_branch"
	opListBranches      = "docs.list_branches"
	opListMergeRequests = "docs.list_merge_requests"
	opPreviewMerge      = "docs.preview_merge"
	opApproveMerge      = "docs.approve_merge"
	opRejectMerge       = "docs.reject_merge"
)

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// BatchTranslator translates a slice of texts between two languages in one
// call. Results keep input order.
type BatchTranslator interface {
	TranslateBatch(ctx context.Context, texts []string, fromLang string, toLang string) ([]string, error)
}

// Reconciler composes a single merged document from two diverged versions.
type Reconciler interface {
	Reconcile(ctx context.Context, mainText string, branchText string, targetLang string) (string, error)
}

// ServiceConfig describes the inputs required to build a Service. Translator
// and Reconciler gate their merge strategies: a merge using a strategy whose
// dependency is missing fails, everything else works without them.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Translator BatchTranslator
	Reconciler Reconciler
	Events     EventSink
	// Notifications delivers per-user messages about merge outcomes. Defaults
	// to a logging sink.
	Notifications NotificationSink
}

// Service coordinates document, branch, and merge request persistence.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	translator BatchTranslator
	reconciler Reconciler
	events     EventSink
	notify     NotificationSink

	mergeMu        sync.Mutex
	mergesInFlight map[string]struct{}
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	events := cfg.Events
	if events == nil {
		events = noOpEventSink{}
	}
	notifications := cfg.Notifications
	if notifications == nil {
		notifications = NewLoggingNotificationSink(logger)
	}

	return &Service{
		db:             cfg.Database,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		translator:     cfg.Translator,
		reconciler:     cfg.Reconciler,
		events:         events,
		notify:         notifications,
		mergesInFlight: make(map[string]struct{}),
	}, nil
}

// CreateDocumentArgs describes a new document.
type CreateDocumentArgs struct {
	OwnerID         ActorID
	Title           string
	PrimaryLanguage LanguageTag
	TitleLanguage   LanguageTag
}

// CreateDocument persists an empty document owned by the caller.
func (s *Service) CreateDocument(ctx context.Context, args CreateDocumentArgs) (Document, error) {
	if args.Title == "" {
		err := errors.New("document title is required")
		s.logError(opCreateDocument, "missing_title", err, zap.String("owner_id", args.OwnerID.String()))
		return Document{}, newServiceError(opCreateDocument, "missing_title", err)
	}

	documentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateDocument, "id_generation_failed", err)
		return Document{}, newServiceError(opCreateDocument, "id_generation_failed", err)
	}
	snapshot, err := crdt.EncodeSnapshot(crdt.NewDocState())
	if err != nil {
		s.logError(opCreateDocument, "snapshot_encode_failed", err)
		return Document{}, newServiceError(opCreateDocument, "snapshot_encode_failed", err)
	}

	now := s.clock().UTC().Unix()
	titleLanguage := args.TitleLanguage
	if titleLanguage == "" {
		titleLanguage = args.PrimaryLanguage
	}
	document := Document{
		DocumentID:       documentID,
		OwnerID:          args.OwnerID.String(),
		Title:            args.Title,
		TitleLanguage:    titleLanguage.String(),
		PrimaryLanguage:  args.PrimaryLanguage.String(),
		SnapshotBlob:     snapshot,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreateDocument, "insert_failed", err, zap.String("document_id", documentID))
		return Document{}, newServiceError(opCreateDocument, "insert_failed", err)
	}
	return document, nil
}

// GetDocument returns one document. Any authenticated actor may read the main
// copy; write access is checked per operation.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (Document, error) {
	return s.loadDocument(ctx, opGetDocument, documentID)
}

// ApplyDeltaArgs describes a change set targeting the main copy (empty
// BranchID) or one branch.
type ApplyDeltaArgs struct {
	ActorID    ActorID
	DocumentID DocumentID
	BranchID   BranchID
	Delta      []byte
}

// AppliedDelta reports the outcome of one delta application.
type AppliedDelta struct {
	BlockIDs         []string
	UpdatedAtSeconds int64
}

// ApplyDelta folds a change set into the targeted copy. Only the owner writes
// main; only the branch holder writes a branch, and only while it is active.
// Records carrying a display translation are rejected: persisted state holds
// stored languages only.
func (s *Service) ApplyDelta(ctx context.Context, args ApplyDeltaArgs) (AppliedDelta, error) {
	records, err := crdt.DecodeDelta(args.Delta)
	if err != nil {
		s.logError(opApplyDelta, "delta_decode_failed", err, zap.String("document_id", args.DocumentID.String()))
		return AppliedDelta{}, newServiceError(opApplyDelta, "delta_decode_failed", err)
	}
	for _, rec := range records {
		if rec.SourceLang != "" {
			err := crdt.ErrTranslatedViewState
			s.logError(opApplyDelta, "display_translation_rejected", err,
				zap.String("document_id", args.DocumentID.String()),
				zap.String("block_id", rec.BlockID))
			return AppliedDelta{}, newServiceError(opApplyDelta, "display_translation_rejected", err)
		}
	}

	document, err := s.loadDocument(ctx, opApplyDelta, args.DocumentID)
	if err != nil {
		return AppliedDelta{}, err
	}

	if args.BranchID == "" {
		return s.applyDeltaToMain(ctx, document, args)
	}
	return s.applyDeltaToBranch(ctx, document, args)
}

func (s *Service) applyDeltaToMain(ctx context.Context, document Document, args ApplyDeltaArgs) (AppliedDelta, error) {
	if document.OwnerID != args.ActorID.String() {
		s.logError(opApplyDelta, "not_document_owner", ErrNotAuthorized,
			zap.String("document_id", document.DocumentID),
			zap.String("actor_id", args.ActorID.String()))
		return AppliedDelta{}, newServiceError(opApplyDelta, "not_document_owner", ErrNotAuthorized)
	}

	state := s.decodeSnapshotOrEmpty(document.DocumentID, document.SnapshotBlob)
	accepted, err := state.ApplyDelta(args.Delta)
	if err != nil {
		s.logError(opApplyDelta, "delta_apply_failed", err, zap.String("document_id", document.DocumentID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "delta_apply_failed", err)
	}
	if len(accepted) == 0 {
		return AppliedDelta{UpdatedAtSeconds: document.UpdatedAtSeconds}, nil
	}

	blob, err := crdt.EncodeSnapshot(state)
	if err != nil {
		s.logError(opApplyDelta, "snapshot_encode_failed", err, zap.String("document_id", document.DocumentID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "snapshot_encode_failed", err)
	}
	now := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", document.DocumentID).
		Updates(map[string]any{"snapshot_blob": blob, "updated_at_s": now}).Error; err != nil {
		s.logError(opApplyDelta, "snapshot_save_failed", err, zap.String("document_id", document.DocumentID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "snapshot_save_failed", err)
	}

	s.events.Publish(Event{
		Kind:       EventKindDelta,
		DocumentID: document.DocumentID,
		ActorID:    args.ActorID.String(),
		Payload:    args.Delta,
	})
	s.events.Publish(Event{
		Kind:             EventKindMainUpdated,
		DocumentID:       document.DocumentID,
		ActorID:          args.ActorID.String(),
		UpdatedAtSeconds: now,
	})
	return AppliedDelta{BlockIDs: accepted, UpdatedAtSeconds: now}, nil
}

func (s *Service) applyDeltaToBranch(ctx context.Context, document Document, args ApplyDeltaArgs) (AppliedDelta, error) {
	branch, err := s.loadBranch(ctx, opApplyDelta, args.BranchID)
	if err != nil {
		return AppliedDelta{}, err
	}
	if branch.DocumentID != document.DocumentID {
		s.logError(opApplyDelta, "branch_document_mismatch", ErrNotFound,
			zap.String("document_id", document.DocumentID),
			zap.String("branch_id", branch.BranchID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "branch_document_mismatch", ErrNotFound)
	}
	if branch.UserID != args.ActorID.String() {
		s.logError(opApplyDelta, "not_branch_holder", ErrNotAuthorized,
			zap.String("branch_id", branch.BranchID),
			zap.String("actor_id", args.ActorID.String()))
		return AppliedDelta{}, newServiceError(opApplyDelta, "not_branch_holder", ErrNotAuthorized)
	}
	if branch.Status != string(BranchStatusActive) {
		s.logError(opApplyDelta, "branch_not_active", ErrInvalidTransition,
			zap.String("branch_id", branch.BranchID),
			zap.String("status", branch.Status))
		return AppliedDelta{}, newServiceError(opApplyDelta, "branch_not_active", ErrInvalidTransition)
	}

	state := s.decodeSnapshotOrEmpty(branch.BranchID, branch.SnapshotBlob)
	accepted, err := state.ApplyDelta(args.Delta)
	if err != nil {
		s.logError(opApplyDelta, "delta_apply_failed", err, zap.String("branch_id", branch.BranchID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "delta_apply_failed", err)
	}
	if len(accepted) == 0 {
		return AppliedDelta{UpdatedAtSeconds: branch.UpdatedAtSeconds}, nil
	}

	blob, err := crdt.EncodeSnapshot(state)
	if err != nil {
		s.logError(opApplyDelta, "snapshot_encode_failed", err, zap.String("branch_id", branch.BranchID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "snapshot_encode_failed", err)
	}
	now := s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&Branch{}).
		Where("branch_id = ?", branch.BranchID).
		Updates(map[string]any{"snapshot_blob": blob, "updated_at_s": now}).Error; err != nil {
		s.logError(opApplyDelta, "snapshot_save_failed", err, zap.String("branch_id", branch.BranchID))
		return AppliedDelta{}, newServiceError(opApplyDelta, "snapshot_save_failed", err)
	}

	s.events.Publish(Event{
		Kind:       EventKindDelta,
		DocumentID: document.DocumentID,
		BranchID:   branch.BranchID,
		ActorID:    args.ActorID.String(),
		Payload:    args.Delta,
	})
	return AppliedDelta{BlockIDs: accepted, UpdatedAtSeconds: now}, nil
}

func (s *Service) loadDocument(ctx context.Context, operation string, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, newServiceError(operation, "document_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "document_select_failed", err, zap.String("document_id", documentID.String()))
		return Document{}, newServiceError(operation, "document_select_failed", err)
	}
	return document, nil
}

func (s *Service) loadBranch(ctx context.Context, operation string, branchID BranchID) (Branch, error) {
	var branch Branch
	err := s.db.WithContext(ctx).
		Where("branch_id = ?", branchID.String()).
		Take(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Branch{}, newServiceError(operation, "branch_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "branch_select_failed", err, zap.String("branch_id", branchID.String()))
		return Branch{}, newServiceError(operation, "branch_select_failed", err)
	}
	return branch, nil
}

// decodeSnapshotOrEmpty never fails: a corrupt blob is logged and replaced by
// an empty state so a bad row cannot brick the document.
func (s *Service) decodeSnapshotOrEmpty(ownerKey string, blob []byte) *crdt.DocState {
	state, err := crdt.DecodeSnapshot(blob)
	if err != nil {
		s.logger.Warn("snapshot failed to decode, treating as empty",
			zap.String("key", ownerKey),
			zap.Error(err))
		return crdt.NewDocState()
	}
	return state
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("docs service error", attrs...)
}
