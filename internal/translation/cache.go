package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	errMissingOrigin = errors.New("origin translator is required")
	noOpCacheLogger  = zap.NewNop()
)

const (
	opTranslateOne   = "translation.translate_one"
	opTranslateBatch = "translation.translate_batch"

	reasonStoreLookupFailed = "store_lookup_failed"
	reasonStoreWriteFailed  = "store_write_failed"
	reasonOriginFailed      = "origin_failed"
	reasonBatchSplitSkewed  = "batch_split_skewed"
)

// ContentHash returns the content address of a text: hex sha256 of its bytes.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CacheEntry is one memoized translation. Entries may be evicted or
// recomputed at any time without correctness impact.
type CacheEntry struct {
	ContentHash    string
	TargetLanguage string
	TranslatedText string
	SourceLanguage string
}

// CacheStore is the durable second cache tier.
type CacheStore interface {
	Get(ctx context.Context, contentHash string, targetLang string) (CacheEntry, bool, error)
	Put(ctx context.Context, entry CacheEntry) error
}

// originTranslator is the origin tier; the provider Chain satisfies it.
type originTranslator interface {
	Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error)
}

// ServiceConfig describes the cache tiers.
type ServiceConfig struct {
	Origin originTranslator
	Store  CacheStore
	Logger *zap.Logger
}

// Service resolves translations through three tiers: an in-process map, a
// durable store, and the origin provider chain, with write-through on every
// resolved miss.
type Service struct {
	mu     sync.Mutex
	memory map[string]string
	origin originTranslator
	store  CacheStore
	logger *zap.Logger
}

// NewService validates the configuration and returns a cache service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Origin == nil {
		return nil, errMissingOrigin
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpCacheLogger
	}
	return &Service{
		memory: make(map[string]string),
		origin: cfg.Origin,
		store:  cfg.Store,
		logger: logger,
	}, nil
}

// TranslateOne resolves a single text. On total origin failure the original
// text is returned alongside the error so callers can choose between
// degrading and aborting.
func (s *Service) TranslateOne(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	if fromLang == toLang || strings.TrimSpace(text) == "" {
		return text, nil
	}
	hash := ContentHash(text)
	if cached, ok := s.lookup(ctx, hash, toLang); ok {
		return cached, nil
	}

	translated, err := s.origin.Translate(ctx, text, fromLang, toLang)
	if err != nil {
		s.logError(opTranslateOne, reasonOriginFailed, err,
			zap.String("from", fromLang),
			zap.String("to", toLang))
		return text, err
	}
	s.remember(ctx, CacheEntry{
		ContentHash:    hash,
		TargetLanguage: toLang,
		TranslatedText: translated,
		SourceLanguage: fromLang,
	})
	return translated, nil
}

// TranslateBatch resolves many texts with one origin call for the cache
// misses, reassembling the result in input order. A skewed split from the
// origin degrades the unresolved indices to their original text; only a
// total origin failure returns an error, and even then the result slice
// holds the originals.
func (s *Service) TranslateBatch(ctx context.Context, texts []string, fromLang string, toLang string) ([]string, error) {
	results := make([]string, len(texts))
	copy(results, texts)
	if fromLang == toLang || len(texts) == 0 {
		return results, nil
	}

	missIndexes := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if cached, ok := s.lookup(ctx, ContentHash(text), toLang); ok {
			results[i] = cached
			continue
		}
		missIndexes = append(missIndexes, i)
	}
	if len(missIndexes) == 0 {
		return results, nil
	}

	missing := make([]string, len(missIndexes))
	for i, idx := range missIndexes {
		missing[i] = texts[idx]
	}
	joined := strings.Join(missing, batchDelimiter)
	translated, err := s.origin.Translate(ctx, joined, fromLang, toLang)
	if err != nil {
		s.logError(opTranslateBatch, reasonOriginFailed, err,
			zap.String("from", fromLang),
			zap.String("to", toLang),
			zap.Int("misses", len(missIndexes)))
		return results, err
	}

	parts := strings.Split(translated, batchDelimiter)
	if len(parts) != len(missIndexes) {
		s.logger.Warn("batch translation split mismatch, keeping originals",
			zap.String("operation", opTranslateBatch),
			zap.String("reason", reasonBatchSplitSkewed),
			zap.Int("expected", len(missIndexes)),
			zap.Int("got", len(parts)))
		return results, nil
	}

	for i, idx := range missIndexes {
		part := strings.TrimSpace(parts[i])
		if part == "" {
			continue
		}
		results[idx] = part
		s.remember(ctx, CacheEntry{
			ContentHash:    ContentHash(texts[idx]),
			TargetLanguage: toLang,
			TranslatedText: part,
			SourceLanguage: fromLang,
		})
	}
	return results, nil
}

func memoryKey(contentHash string, targetLang string) string {
	return contentHash + ":" + targetLang
}

// lookup walks the memory tier and then the durable tier. Store failures are
// logged and treated as misses.
func (s *Service) lookup(ctx context.Context, contentHash string, targetLang string) (string, bool) {
	key := memoryKey(contentHash, targetLang)
	s.mu.Lock()
	cached, ok := s.memory[key]
	s.mu.Unlock()
	if ok {
		return cached, true
	}
	if s.store == nil {
		return "", false
	}
	entry, found, err := s.store.Get(ctx, contentHash, targetLang)
	if err != nil {
		s.logError(opTranslateOne, reasonStoreLookupFailed, err, zap.String("content_hash", contentHash))
		return "", false
	}
	if !found {
		return "", false
	}
	s.mu.Lock()
	s.memory[key] = entry.TranslatedText
	s.mu.Unlock()
	return entry.TranslatedText, true
}

// remember writes through both cache tiers.
func (s *Service) remember(ctx context.Context, entry CacheEntry) {
	s.mu.Lock()
	s.memory[memoryKey(entry.ContentHash, entry.TargetLanguage)] = entry.TranslatedText
	s.mu.Unlock()
	if s.store == nil {
		return
	}
	if err := s.store.Put(ctx, entry); err != nil {
		s.logError(opTranslateOne, reasonStoreWriteFailed, err, zap.String("content_hash", entry.ContentHash))
	}
}

func (s *Service) logError(operation string, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("translation cache error", attrs...)
}
