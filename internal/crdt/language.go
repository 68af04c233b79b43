package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidLanguage indicates an empty language tag where one is required.
	ErrInvalidLanguage = errors.New("crdt: invalid language")
	// ErrTranslatedViewState indicates a language transition that would violate
	// the single-source-of-truth invariant: a block must never rest with
	// translated text and no record of its original language.
	ErrTranslatedViewState = errors.New("crdt: invalid translated-view state")
)

// NeedsForwardTranslation reports whether the block should be translated for
// display: its stored language differs from the viewer's and it is not
// already displayed as a translation.
func (record BlockRecord) NeedsForwardTranslation(viewerLang string) bool {
	if record.Deleted || record.Text == "" {
		return false
	}
	if record.SourceLang != "" {
		return false
	}
	return record.Lang != viewerLang
}

// NeedsBackTranslation reports whether the block currently holds a display
// translation whose text must be written back to the original language.
func (record BlockRecord) NeedsBackTranslation() bool {
	return !record.Deleted && record.SourceLang != ""
}

// MarkSource records the language a block's text is actually stored in.
// It refuses to run while the block is displayed translated, since that
// would overwrite the record of the original language.
func (r *Replica) MarkSource(origin WriteOrigin, blockID string, lang string) error {
	if lang == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLanguage)
	}
	return r.mutateBlock(origin, blockID, func(rec *BlockRecord) error {
		if rec.SourceLang != "" {
			return fmt.Errorf("%w: block %s is displayed translated", ErrTranslatedViewState, blockID)
		}
		rec.Lang = lang
		return nil
	})
}

// MarkTranslatedView swaps a block's text for its display translation. The
// original language is preserved in SourceLang so the edit can always be
// back-translated, and Lang is set to the viewer's language so editing tools
// behave naturally.
func (r *Replica) MarkTranslatedView(origin WriteOrigin, blockID string, translatedText string, viewerLang string) error {
	if viewerLang == "" {
		return fmt.Errorf("%w: empty viewer language", ErrInvalidLanguage)
	}
	return r.mutateBlock(origin, blockID, func(rec *BlockRecord) error {
		if rec.SourceLang != "" {
			return fmt.Errorf("%w: block %s already displayed translated", ErrTranslatedViewState, blockID)
		}
		if rec.Lang == viewerLang {
			return fmt.Errorf("%w: block %s already in viewer language", ErrTranslatedViewState, blockID)
		}
		rec.SourceLang = rec.Lang
		rec.Lang = viewerLang
		rec.Text = translatedText
		return nil
	})
}

// ClearTranslatedView restores a block to its original language, writing the
// back-translated text and clearing the display marker.
func (r *Replica) ClearTranslatedView(origin WriteOrigin, blockID string, backTranslatedText string) error {
	return r.mutateBlock(origin, blockID, func(rec *BlockRecord) error {
		if rec.SourceLang == "" {
			return fmt.Errorf("%w: block %s is not displayed translated", ErrTranslatedViewState, blockID)
		}
		rec.Lang = rec.SourceLang
		rec.SourceLang = ""
		rec.Text = backTranslatedText
		return nil
	})
}

// HasTranslatedView reports whether any live block still carries a display
// translation. Persisted snapshots must never contain one.
func (r *Replica) HasTranslatedView() bool {
	for _, rec := range r.Blocks() {
		if rec.SourceLang != "" {
			return true
		}
	}
	return false
}
