// Package syncer keeps a replica's display language in sync with its stored
// languages. While a viewer reads the document translated, a forward pass
// swaps foreign blocks for display translations; edits made to those
// translations are back-translated into the stored language before anything
// durable sees them.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openloomlab/polydoc/internal/crdt"
)

// ErrBackSyncPending reports that edited blocks could not be written back to
// their stored language and kept their display text. Retrying the exit after
// the provider recovers completes the restore.
var ErrBackSyncPending = errors.New("syncer: edited blocks await back translation")

var (
	errMissingReplica    = errors.New("syncer: replica is required")
	errMissingTranslator = errors.New("syncer: translator is required")
	errMissingLanguage   = errors.New("syncer: viewer language is required")

	noOpSyncLogger = zap.NewNop()
)

const (
	defaultForwardDebounce = 800 * time.Millisecond
	defaultBackDebounce    = 1500 * time.Millisecond
	passTimeout            = 30 * time.Second
)

// BatchTranslator translates a slice of texts between two languages in one
// call. Results keep input order; on total failure the originals come back
// alongside the error.
type BatchTranslator interface {
	TranslateBatch(ctx context.Context, texts []string, fromLang string, toLang string) ([]string, error)
}

// Config describes the inputs required to build a Synchronizer.
type Config struct {
	Replica         *crdt.Replica
	ViewerLanguage  string
	Translator      BatchTranslator
	Logger          *zap.Logger
	ForwardDebounce time.Duration
	BackDebounce    time.Duration
}

// Synchronizer watches one replica and maintains its translated display view.
// It owns two debounce timers: the forward timer re-translates foreign blocks
// for display, the back timer writes translated edits back into the stored
// language. Its own writes carry OriginTranslationSync and never re-trigger
// either pass.
type Synchronizer struct {
	replica    *crdt.Replica
	viewerLang string
	translator BatchTranslator
	logger     *zap.Logger

	forwardGap time.Duration
	backGap    time.Duration

	mu              sync.Mutex
	translatedMode  bool
	forwardTimer    *time.Timer
	backTimer       *time.Timer
	forwardInFlight bool
	backInFlight    bool
	pendingBack     map[string]struct{}
	originals       map[string]string
	unsubscribe     func()
	closed          bool
}

// New validates the configuration and subscribes to the replica's changes.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Replica == nil {
		return nil, errMissingReplica
	}
	if cfg.Translator == nil {
		return nil, errMissingTranslator
	}
	if cfg.ViewerLanguage == "" {
		return nil, errMissingLanguage
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpSyncLogger
	}
	forwardGap := cfg.ForwardDebounce
	if forwardGap <= 0 {
		forwardGap = defaultForwardDebounce
	}
	backGap := cfg.BackDebounce
	if backGap <= 0 {
		backGap = defaultBackDebounce
	}

	s := &Synchronizer{
		replica:     cfg.Replica,
		viewerLang:  cfg.ViewerLanguage,
		translator:  cfg.Translator,
		logger:      logger,
		forwardGap:  forwardGap,
		backGap:     backGap,
		pendingBack: make(map[string]struct{}),
		originals:   make(map[string]string),
	}
	s.unsubscribe = cfg.Replica.OnChange(s.handleChange)
	return s, nil
}

// ViewerLanguage returns the language the viewer reads the document in.
func (s *Synchronizer) ViewerLanguage() string {
	return s.viewerLang
}

// Translated reports whether the replica is currently displayed translated.
func (s *Synchronizer) Translated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translatedMode
}

// EnterTranslatedView switches the replica into translated display and runs
// the forward pass immediately. Provider failures degrade: untranslatable
// blocks stay in their stored language.
func (s *Synchronizer) EnterTranslatedView(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("syncer: closed")
	}
	s.translatedMode = true
	s.mu.Unlock()

	s.forwardPass(ctx)
	return nil
}

// ExitTranslatedView restores every block to its stored language. Blocks the
// viewer edited are back-translated first; untouched blocks get their saved
// original text back without another provider round trip. An edit whose back
// translation failed is never overwritten with the captured original: the
// block stays displayed translated, still queued, and ErrBackSyncPending
// reports how many are left.
func (s *Synchronizer) ExitTranslatedView(ctx context.Context) error {
	s.mu.Lock()
	s.translatedMode = false
	s.stopTimersLocked()
	s.mu.Unlock()

	s.backPass(ctx)

	s.mu.Lock()
	pendingEdits := make(map[string]struct{}, len(s.pendingBack))
	for blockID := range s.pendingBack {
		pendingEdits[blockID] = struct{}{}
	}
	originals := make(map[string]string, len(s.originals))
	for blockID, text := range s.originals {
		originals[blockID] = text
	}
	s.mu.Unlock()

	restored := make([]string, 0, len(originals))
	stillPending := 0
	for _, rec := range s.replica.Blocks() {
		if !rec.NeedsBackTranslation() {
			continue
		}
		if _, edited := pendingEdits[rec.BlockID]; edited {
			stillPending++
			continue
		}
		original, ok := originals[rec.BlockID]
		if !ok {
			original = rec.Text
		}
		if err := s.replica.ClearTranslatedView(crdt.OriginTranslationSync, rec.BlockID, original); err != nil {
			return fmt.Errorf("syncer: restore block %s: %w", rec.BlockID, err)
		}
		restored = append(restored, rec.BlockID)
	}

	s.mu.Lock()
	for _, blockID := range restored {
		delete(s.originals, blockID)
	}
	s.mu.Unlock()

	if stillPending > 0 {
		return fmt.Errorf("%w: %d block(s)", ErrBackSyncPending, stillPending)
	}
	return nil
}

// Close stops the timers and detaches from the replica. It does not restore
// the display; call ExitTranslatedView first when the state must outlive the
// session.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimersLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Synchronizer) handleChange(event crdt.ChangeEvent) {
	if event.Origin == crdt.OriginTranslationSync {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.translatedMode {
		return
	}

	if event.Origin == crdt.OriginUserEdit {
		for _, blockID := range event.BlockIDs {
			rec, err := s.replica.Block(blockID)
			if err != nil {
				continue
			}
			if rec.NeedsBackTranslation() {
				s.pendingBack[blockID] = struct{}{}
			}
		}
		if len(s.pendingBack) > 0 {
			s.scheduleBackLocked()
		}
	}
	s.scheduleForwardLocked()
}

func (s *Synchronizer) scheduleForwardLocked() {
	if s.forwardTimer != nil {
		s.forwardTimer.Stop()
	}
	s.forwardTimer = time.AfterFunc(s.forwardGap, func() {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		s.forwardPass(ctx)
	})
}

func (s *Synchronizer) scheduleBackLocked() {
	if s.backTimer != nil {
		s.backTimer.Stop()
	}
	s.backTimer = time.AfterFunc(s.backGap, func() {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		s.backPass(ctx)
	})
}

func (s *Synchronizer) stopTimersLocked() {
	if s.forwardTimer != nil {
		s.forwardTimer.Stop()
		s.forwardTimer = nil
	}
	if s.backTimer != nil {
		s.backTimer.Stop()
		s.backTimer = nil
	}
}

// forwardPass translates every foreign block into the viewer language and
// marks it as a display translation. Blocks sharing a stored language travel
// in one batch; a failed batch leaves its blocks in the stored language.
func (s *Synchronizer) forwardPass(ctx context.Context) {
	s.mu.Lock()
	if s.forwardInFlight || !s.translatedMode || s.closed {
		s.mu.Unlock()
		return
	}
	s.forwardInFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.forwardInFlight = false
		s.mu.Unlock()
	}()

	groups := make(map[string][]crdt.BlockRecord)
	for _, rec := range s.replica.Blocks() {
		if rec.Lang == "" || !rec.NeedsForwardTranslation(s.viewerLang) {
			continue
		}
		groups[rec.Lang] = append(groups[rec.Lang], rec)
	}

	for lang, records := range groups {
		texts := make([]string, len(records))
		for i, rec := range records {
			texts[i] = rec.Text
		}
		translated, err := s.translator.TranslateBatch(ctx, texts, lang, s.viewerLang)
		if err != nil {
			s.logger.Warn("forward translation degraded",
				zap.String("from", lang),
				zap.String("to", s.viewerLang),
				zap.Int("blocks", len(records)),
				zap.Error(err))
			continue
		}

		// Later blocks first, so the document never shows a half-translated
		// prefix jumping around while earlier blocks are still pending.
		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]
			s.mu.Lock()
			s.originals[rec.BlockID] = rec.Text
			s.mu.Unlock()
			if err := s.replica.MarkTranslatedView(crdt.OriginTranslationSync, rec.BlockID, translated[i], s.viewerLang); err != nil {
				s.mu.Lock()
				delete(s.originals, rec.BlockID)
				s.mu.Unlock()
				s.logger.Warn("forward mark skipped",
					zap.String("block_id", rec.BlockID),
					zap.Error(err))
			}
		}
	}
}

// backPass translates edited display blocks back into their stored language
// and clears their translated view. When the viewer is still reading
// translated, the forward pass re-runs afterwards so the blocks come back as
// fresh display translations of the stored edit.
func (s *Synchronizer) backPass(ctx context.Context) {
	s.mu.Lock()
	if s.backInFlight || s.closed {
		s.mu.Unlock()
		return
	}
	s.backInFlight = true
	pending := s.pendingBack
	s.pendingBack = make(map[string]struct{})
	s.mu.Unlock()

	groups := make(map[string][]crdt.BlockRecord)
	for blockID := range pending {
		rec, err := s.replica.Block(blockID)
		if err != nil || !rec.NeedsBackTranslation() {
			continue
		}
		groups[rec.SourceLang] = append(groups[rec.SourceLang], rec)
	}

	for sourceLang, records := range groups {
		texts := make([]string, len(records))
		for i, rec := range records {
			texts[i] = rec.Text
		}
		backTranslated, err := s.translator.TranslateBatch(ctx, texts, s.viewerLang, sourceLang)
		if err != nil {
			s.logger.Warn("back translation deferred",
				zap.String("from", s.viewerLang),
				zap.String("to", sourceLang),
				zap.Int("blocks", len(records)),
				zap.Error(err))
			s.mu.Lock()
			for _, rec := range records {
				s.pendingBack[rec.BlockID] = struct{}{}
			}
			s.mu.Unlock()
			continue
		}

		for i := len(records) - 1; i >= 0; i-- {
			rec := records[i]
			if err := s.replica.ClearTranslatedView(crdt.OriginTranslationSync, rec.BlockID, backTranslated[i]); err != nil {
				s.logger.Warn("back write skipped",
					zap.String("block_id", rec.BlockID),
					zap.Error(err))
				continue
			}
			s.mu.Lock()
			delete(s.originals, rec.BlockID)
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.backInFlight = false
	rerunForward := s.translatedMode && !s.closed
	s.mu.Unlock()

	if rerunForward {
		s.forwardPass(ctx)
	}
}
