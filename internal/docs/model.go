package docs

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("docs: invalid document id")
	// ErrInvalidBranchID indicates that a branch identifier is empty or exceeds storage bounds.
	ErrInvalidBranchID = errors.New("docs: invalid branch id")
	// ErrInvalidMergeRequestID indicates that a merge request identifier is empty or exceeds storage bounds.
	ErrInvalidMergeRequestID = errors.New("docs: invalid merge request id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("docs: invalid actor id")
	// ErrInvalidLanguageTag indicates an empty or oversized language tag.
	ErrInvalidLanguageTag = errors.New("docs: invalid language tag")
	// ErrInvalidMergeStrategy indicates an unsupported merge strategy.
	ErrInvalidMergeStrategy = errors.New("docs: invalid merge strategy")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDocumentID)
	if err != nil {
		return "", err
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// BranchID represents a validated branch identifier.
type BranchID string

// NewBranchID validates raw input and returns a BranchID.
func NewBranchID(rawInput string) (BranchID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidBranchID)
	if err != nil {
		return "", err
	}
	return BranchID(trimmed), nil
}

// String returns the underlying string identifier.
func (id BranchID) String() string {
	return string(id)
}

// MergeRequestID represents a validated merge request identifier.
type MergeRequestID string

// NewMergeRequestID validates raw input and returns a MergeRequestID.
func NewMergeRequestID(rawInput string) (MergeRequestID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidMergeRequestID)
	if err != nil {
		return "", err
	}
	return MergeRequestID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MergeRequestID) String() string {
	return string(id)
}

// ActorID represents a validated acting-user identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidActorID)
	if err != nil {
		return "", err
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}

// LanguageTag represents a validated BCP 47 style language tag.
type LanguageTag string

const maxLanguageTagLength = 35

// NewLanguageTag validates raw input and returns a LanguageTag.
func NewLanguageTag(rawInput string) (LanguageTag, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLanguageTag)
	}
	if len(trimmed) > maxLanguageTagLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidLanguageTag, maxLanguageTagLength)
	}
	return LanguageTag(trimmed), nil
}

// String returns the underlying tag.
func (tag LanguageTag) String() string {
	return string(tag)
}

// BranchStatus enumerates the lifecycle states of a branch.
type BranchStatus string

const (
	// BranchStatusActive marks a branch the holder is free to edit.
	BranchStatusActive BranchStatus = "active"
	// BranchStatusSubmitted marks a branch frozen behind a pending merge request.
	// An approved merge rebases the branch straight back to active.
	BranchStatusSubmitted BranchStatus = "submitted"
)

// MergeRequestStatus enumerates the lifecycle states of a merge request.
type MergeRequestStatus string

const (
	// MergeRequestStatusPending marks a merge request awaiting the owner's decision.
	MergeRequestStatusPending MergeRequestStatus = "pending"
	// MergeRequestStatusMerged marks an approved and applied merge request.
	MergeRequestStatusMerged MergeRequestStatus = "merged"
	// MergeRequestStatusRejected marks a declined merge request.
	MergeRequestStatusRejected MergeRequestStatus = "rejected"
)

// MergeStrategy selects how a branch is folded into the main document.
type MergeStrategy string

const (
	// MergeStrategyTranslateUnion translates branch blocks into the document's
	// primary language and unions them with main block by block.
	MergeStrategyTranslateUnion MergeStrategy = "translate-and-union"
	// MergeStrategyReconcile hands both versions to a generative reconciler
	// that composes a single merged document.
	MergeStrategyReconcile MergeStrategy = "ai-reconcile"
)

// ParseMergeStrategy validates raw input and returns a MergeStrategy. Empty
// input selects the translate-and-union default.
func ParseMergeStrategy(rawInput string) (MergeStrategy, error) {
	switch MergeStrategy(strings.TrimSpace(rawInput)) {
	case "":
		return MergeStrategyTranslateUnion, nil
	case MergeStrategyTranslateUnion:
		return MergeStrategyTranslateUnion, nil
	case MergeStrategyReconcile:
		return MergeStrategyReconcile, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMergeStrategy, rawInput)
	}
}

func validateIdentifier(rawInput string, invalid error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", invalid)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", invalid, maxIdentifierLength)
	}
	return trimmed, nil
}
