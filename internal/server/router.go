// Package server exposes the document, branch, and merge request operations
// over HTTP and streams live document events to connected editors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openloomlab/polydoc/internal/crdt"
	"github.com/openloomlab/polydoc/internal/docs"
	"github.com/openloomlab/polydoc/internal/notify"
	"github.com/openloomlab/polydoc/internal/pubsub"
	"github.com/openloomlab/polydoc/internal/translation"
	"github.com/openloomlab/polydoc/internal/users"
)

const userIDContextKey = "polydoc_user_id"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingDocsService  = errors.New("document service dependency required")
	errMissingBroker       = errors.New("broker dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to the rest of the system. Users is
// optional; without it sessions carry no profile and branch names fall back
// to the user id.
type Dependencies struct {
	TokenManager TokenManager
	DocsService  *docs.Service
	Broker       *pubsub.Broker
	Notifier     *notify.Notifier
	Users        *users.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.DocsService == nil {
		return nil, errMissingDocsService
	}
	if deps.Broker == nil {
		return nil, errMissingBroker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		service:  deps.DocsService,
		broker:   deps.Broker,
		notifier: deps.Notifier,
		users:    deps.Users,
		logger:   logger,
	}

	router.POST("/auth/session", handler.handleCreateSession)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:docID", handler.handleGetDocument)
	protected.POST("/documents/:docID/updates", handler.handleApplyDelta)
	protected.GET("/documents/:docID/events", handler.handleEventStream)
	protected.POST("/documents/:docID/awareness", handler.handleAwareness)
	protected.POST("/documents/:docID/branches", handler.handleOpenBranch)
	protected.GET("/documents/:docID/branches", handler.handleListBranches)
	protected.GET("/branches/:branchID", handler.handleGetBranch)
	protected.POST("/branches/:branchID/submit", handler.handleSubmitBranch)
	protected.DELETE("/branches/:branchID", handler.handleLeaveBranch)
	protected.GET("/documents/:docID/merge-requests", handler.handleListMergeRequests)
	protected.GET("/merge-requests/:mrID/preview", handler.handlePreviewMerge)
	protected.POST("/merge-requests/:mrID/approve", handler.handleApproveMerge)
	protected.POST("/merge-requests/:mrID/reject", handler.handleRejectMerge)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	service  *docs.Service
	broker   *pubsub.Broker
	notifier *notify.Notifier
	users    *users.Service
	logger   *zap.Logger
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := strings.TrimSpace(request.UserID)
	if h.users != nil {
		if _, err := h.users.Touch(c.Request.Context(), users.ProfileUpdate{
			UserID:            userID,
			DisplayName:       request.DisplayName,
			PreferredLanguage: request.Language,
		}); err != nil {
			h.logger.Warn("profile refresh failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createDocumentPayload struct {
	Title           string `json:"title"`
	PrimaryLanguage string `json:"primary_language"`
	TitleLanguage   string `json:"title_language"`
}

type documentResponsePayload struct {
	DocumentID       string          `json:"document_id"`
	OwnerID          string          `json:"owner_id"`
	Title            string          `json:"title"`
	TitleLanguage    string          `json:"title_language"`
	PrimaryLanguage  string          `json:"primary_language"`
	Snapshot         json.RawMessage `json:"snapshot"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

func documentResponse(document docs.Document) documentResponsePayload {
	return documentResponsePayload{
		DocumentID:       document.DocumentID,
		OwnerID:          document.OwnerID,
		Title:            document.Title,
		TitleLanguage:    document.TitleLanguage,
		PrimaryLanguage:  document.PrimaryLanguage,
		Snapshot:         json.RawMessage(document.SnapshotBlob),
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}

	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	primaryLanguage, err := docs.NewLanguageTag(request.PrimaryLanguage)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_language"})
		return
	}
	titleLanguage := docs.LanguageTag("")
	if strings.TrimSpace(request.TitleLanguage) != "" {
		titleLanguage, err = docs.NewLanguageTag(request.TitleLanguage)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_language"})
			return
		}
	}

	document, err := h.service.CreateDocument(c.Request.Context(), docs.CreateDocumentArgs{
		OwnerID:         actor,
		Title:           request.Title,
		PrimaryLanguage: primaryLanguage,
		TitleLanguage:   titleLanguage,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, documentResponse(document))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	document, err := h.service.GetDocument(c.Request.Context(), documentID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, documentResponse(document))
}

type applyDeltaPayload struct {
	BranchID string          `json:"branch_id"`
	Delta    json.RawMessage `json:"delta"`
}

type applyDeltaResponsePayload struct {
	BlockIDs         []string `json:"block_ids"`
	UpdatedAtSeconds int64    `json:"updated_at_s"`
}

func (h *httpHandler) handleApplyDelta(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}

	var request applyDeltaPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Delta) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	branchID := docs.BranchID("")
	if strings.TrimSpace(request.BranchID) != "" {
		branchID, err = docs.NewBranchID(request.BranchID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
			return
		}
	}

	applied, err := h.service.ApplyDelta(c.Request.Context(), docs.ApplyDeltaArgs{
		ActorID:    actor,
		DocumentID: documentID,
		BranchID:   branchID,
		Delta:      []byte(request.Delta),
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, applyDeltaResponsePayload{
		BlockIDs:         applied.BlockIDs,
		UpdatedAtSeconds: applied.UpdatedAtSeconds,
	})
}

type awarenessPayload struct {
	BranchID string          `json:"branch_id"`
	Payload  json.RawMessage `json:"payload"`
}

// handleAwareness relays ephemeral presence payloads. They never touch
// storage; whoever is subscribed right now sees them, nobody else ever will.
func (h *httpHandler) handleAwareness(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request awarenessPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	h.broker.Publish(pubsub.Topic(documentID.String(), request.BranchID), pubsub.Message{
		Kind:       pubsub.KindAwareness,
		DocumentID: documentID.String(),
		BranchID:   request.BranchID,
		ActorID:    actor.String(),
		Payload:    []byte(request.Payload),
		Timestamp:  time.Now().UTC(),
	})
	c.Status(http.StatusAccepted)
}

type openBranchPayload struct {
	DisplayName string `json:"display_name"`
}

type branchResponsePayload struct {
	BranchID                 string          `json:"branch_id"`
	DocumentID               string          `json:"document_id"`
	UserID                   string          `json:"user_id"`
	DisplayName              string          `json:"display_name"`
	Status                   string          `json:"status"`
	Snapshot                 json.RawMessage `json:"snapshot"`
	BaselineUpdatedAtSeconds int64           `json:"baseline_updated_at_s"`
	CreatedAtSeconds         int64           `json:"created_at_s"`
	UpdatedAtSeconds         int64           `json:"updated_at_s"`
}

func branchResponse(branch docs.Branch) branchResponsePayload {
	return branchResponsePayload{
		BranchID:                 branch.BranchID,
		DocumentID:               branch.DocumentID,
		UserID:                   branch.UserID,
		DisplayName:              branch.DisplayName,
		Status:                   branch.Status,
		Snapshot:                 json.RawMessage(branch.SnapshotBlob),
		BaselineUpdatedAtSeconds: branch.BaselineUpdatedAtSeconds,
		CreatedAtSeconds:         branch.CreatedAtSeconds,
		UpdatedAtSeconds:         branch.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleOpenBranch(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	var request openBranchPayload
	_ = c.ShouldBindJSON(&request)

	displayName := strings.TrimSpace(request.DisplayName)
	if displayName == "" && h.users != nil {
		if profile, err := h.users.Get(c.Request.Context(), actor.String()); err == nil {
			displayName = profile.DisplayName
		}
	}

	branch, err := h.service.OpenBranch(c.Request.Context(), docs.OpenBranchArgs{
		DocumentID:  documentID,
		UserID:      actor,
		DisplayName: displayName,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, branchResponse(branch))
}

func (h *httpHandler) handleListBranches(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	branches, err := h.service.ListBranches(c.Request.Context(), documentID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := make([]branchResponsePayload, 0, len(branches))
	for _, branch := range branches {
		response = append(response, branchResponse(branch))
	}
	c.JSON(http.StatusOK, gin.H{"branches": response})
}

type submitBranchPayload struct {
	Strategy string `json:"strategy"`
}

type mergeRequestResponsePayload struct {
	MergeRequestID    string `json:"merge_request_id"`
	DocumentID        string `json:"document_id"`
	BranchID          string `json:"branch_id"`
	SubmitterID       string `json:"submitter_id"`
	Status            string `json:"status"`
	Strategy          string `json:"strategy"`
	ResolutionNote    string `json:"resolution_note,omitempty"`
	ResolverID        string `json:"resolver_id,omitempty"`
	CreatedAtSeconds  int64  `json:"created_at_s"`
	ResolvedAtSeconds int64  `json:"resolved_at_s,omitempty"`
}

func mergeRequestResponse(mergeRequest docs.MergeRequest) mergeRequestResponsePayload {
	return mergeRequestResponsePayload{
		MergeRequestID:    mergeRequest.MergeRequestID,
		DocumentID:        mergeRequest.DocumentID,
		BranchID:          mergeRequest.BranchID,
		SubmitterID:       mergeRequest.SubmitterID,
		Status:            mergeRequest.Status,
		Strategy:          mergeRequest.Strategy,
		ResolutionNote:    mergeRequest.ResolutionNote,
		ResolverID:        mergeRequest.ResolverID,
		CreatedAtSeconds:  mergeRequest.CreatedAtSeconds,
		ResolvedAtSeconds: mergeRequest.ResolvedAtSeconds,
	}
}

func (h *httpHandler) handleGetBranch(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	branchID, err := docs.NewBranchID(c.Param("branchID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	branch, err := h.service.GetBranch(c.Request.Context(), branchID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, branchResponse(branch))
}

func (h *httpHandler) handleSubmitBranch(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	branchID, err := docs.NewBranchID(c.Param("branchID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	var request submitBranchPayload
	_ = c.ShouldBindJSON(&request)
	strategy, err := docs.ParseMergeStrategy(request.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
		return
	}

	mergeRequest, err := h.service.SubmitBranch(c.Request.Context(), docs.SubmitBranchArgs{
		BranchID: branchID,
		UserID:   actor,
		Strategy: strategy,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mergeRequestResponse(mergeRequest))
}

func (h *httpHandler) handleLeaveBranch(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	branchID, err := docs.NewBranchID(c.Param("branchID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_branch_id"})
		return
	}
	if err := h.service.LeaveBranch(c.Request.Context(), branchID, actor); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMergeRequests(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	documentID, err := docs.NewDocumentID(c.Param("docID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	requests, err := h.service.ListMergeRequests(c.Request.Context(), documentID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	response := make([]mergeRequestResponsePayload, 0, len(requests))
	for _, mergeRequest := range requests {
		response = append(response, mergeRequestResponse(mergeRequest))
	}
	c.JSON(http.StatusOK, gin.H{"merge_requests": response})
}

type mergePreviewResponsePayload struct {
	MergeRequest mergeRequestResponsePayload `json:"merge_request"`
	MainText     string                      `json:"main_text"`
	BranchText   string                      `json:"branch_text"`
}

func (h *httpHandler) handlePreviewMerge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	mergeRequestID, err := docs.NewMergeRequestID(c.Param("mrID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_merge_request_id"})
		return
	}
	preview, err := h.service.PreviewMerge(c.Request.Context(), mergeRequestID, actor)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mergePreviewResponsePayload{
		MergeRequest: mergeRequestResponse(preview.MergeRequest),
		MainText:     preview.MainText,
		BranchText:   preview.BranchText,
	})
}

type approveMergePayload struct {
	Strategy string `json:"strategy"`
}

func (h *httpHandler) handleApproveMerge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	mergeRequestID, err := docs.NewMergeRequestID(c.Param("mrID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_merge_request_id"})
		return
	}
	var request approveMergePayload
	_ = c.ShouldBindJSON(&request)
	strategy := docs.MergeStrategy("")
	if strings.TrimSpace(request.Strategy) != "" {
		strategy, err = docs.ParseMergeStrategy(request.Strategy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_strategy"})
			return
		}
	}

	outcome, err := h.service.ApproveMerge(c.Request.Context(), docs.ApproveMergeArgs{
		MergeRequestID: mergeRequestID,
		ActorID:        actor,
		Strategy:       strategy,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merge_request": mergeRequestResponse(outcome.MergeRequest),
		"document":      documentResponse(outcome.Document),
		"branch":        branchResponse(outcome.Branch),
	})
}

type rejectMergePayload struct {
	Note string `json:"note"`
}

func (h *httpHandler) handleRejectMerge(c *gin.Context) {
	actor, ok := h.requireActor(c)
	if !ok {
		return
	}
	mergeRequestID, err := docs.NewMergeRequestID(c.Param("mrID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_merge_request_id"})
		return
	}
	var request rejectMergePayload
	_ = c.ShouldBindJSON(&request)

	mergeRequest, err := h.service.RejectMerge(c.Request.Context(), docs.RejectMergeArgs{
		MergeRequestID: mergeRequestID,
		ActorID:        actor,
		Note:           request.Note,
	})
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, mergeRequestResponse(mergeRequest))
}

func (h *httpHandler) requireActor(c *gin.Context) (docs.ActorID, bool) {
	actor, err := docs.NewActorID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return actor, true
}

// authorizeRequest resolves the session token from the Authorization header,
// or from the access_token query parameter for event streams, which cannot
// carry headers from EventSource clients.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, crdt.ErrCorruptDelta), errors.Is(err, crdt.ErrTranslatedViewState):
		status = http.StatusBadRequest
	case errors.Is(err, docs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, docs.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, docs.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, docs.ErrReconciliationFailed):
		status = http.StatusBadGateway
	case errors.Is(err, translation.ErrTranslationUnavailable):
		status = http.StatusBadGateway
	}

	code := "internal_error"
	var serviceErr *docs.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}
