package translation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeOrigin translates by bracketing each batch item with the target
// language, counting calls so tests can assert tier behavior.
type fakeOrigin struct {
	mu    sync.Mutex
	calls int
	fail  bool
	skew  bool
}

func (f *fakeOrigin) Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return "", ErrTranslationUnavailable
	}
	if f.skew {
		return "single blob without delimiters", nil
	}
	parts := strings.Split(text, batchDelimiter)
	for i, part := range parts {
		parts[i] = "[" + toLang + "]" + part
	}
	return strings.Join(parts, batchDelimiter), nil
}

func (f *fakeOrigin) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mustCacheService(t *testing.T, origin originTranslator, store CacheStore) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Origin: origin, Store: store})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service
}

func TestTranslateOneIdentityShortCircuits(t *testing.T) {
	origin := &fakeOrigin{}
	service := mustCacheService(t, origin, nil)

	translated, err := service.TranslateOne(context.Background(), "hello", "en", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated != "hello" {
		t.Fatalf("expected identity result, got %q", translated)
	}
	if origin.callCount() != 0 {
		t.Fatalf("expected no origin call for identity request")
	}
}

func TestTranslateOneMemoizesInProcess(t *testing.T) {
	origin := &fakeOrigin{}
	service := mustCacheService(t, origin, nil)

	first, err := service.TranslateOne(context.Background(), "hello", "en", "ja")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.TranslateOne(context.Background(), "hello", "en", "ja")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "[ja]hello" || second != first {
		t.Fatalf("expected memoized translation, got %q / %q", first, second)
	}
	if origin.callCount() != 1 {
		t.Fatalf("expected a single origin call, got %d", origin.callCount())
	}
}

func TestTranslateOneReturnsOriginalOnOriginFailure(t *testing.T) {
	origin := &fakeOrigin{fail: true}
	service := mustCacheService(t, origin, nil)

	translated, err := service.TranslateOne(context.Background(), "hello", "en", "ja")
	if !errors.Is(err, ErrTranslationUnavailable) {
		t.Fatalf("expected ErrTranslationUnavailable, got %v", err)
	}
	if translated != "hello" {
		t.Fatalf("expected original text on failure, got %q", translated)
	}
}

func TestTranslateBatchOnlyCallsOriginForMisses(t *testing.T) {
	origin := &fakeOrigin{}
	service := mustCacheService(t, origin, nil)

	if _, err := service.TranslateOne(context.Background(), "cached", "en", "ja"); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	results, err := service.TranslateBatch(context.Background(), []string{"cached", "fresh one", "", "fresh two"}, "en", "ja")
	if err != nil {
		t.Fatalf("unexpected batch error: %v", err)
	}
	want := []string{"[ja]cached", "[ja]fresh one", "", "[ja]fresh two"}
	for i, expected := range want {
		if results[i] != expected {
			t.Fatalf("index %d: expected %q, got %q", i, expected, results[i])
		}
	}
	if origin.callCount() != 2 {
		t.Fatalf("expected one priming call plus one batch call, got %d", origin.callCount())
	}
}

func TestTranslateBatchDegradesOnSplitMismatch(t *testing.T) {
	origin := &fakeOrigin{skew: true}
	service := mustCacheService(t, origin, nil)

	results, err := service.TranslateBatch(context.Background(), []string{"one", "two"}, "en", "ja")
	if err != nil {
		t.Fatalf("expected degraded result without error, got %v", err)
	}
	if results[0] != "one" || results[1] != "two" {
		t.Fatalf("expected originals on skewed split, got %v", results)
	}
}

func TestTranslateBatchReturnsOriginalsWithErrorOnTotalFailure(t *testing.T) {
	origin := &fakeOrigin{fail: true}
	service := mustCacheService(t, origin, nil)

	results, err := service.TranslateBatch(context.Background(), []string{"one", "two"}, "en", "ja")
	if !errors.Is(err, ErrTranslationUnavailable) {
		t.Fatalf("expected ErrTranslationUnavailable, got %v", err)
	}
	if results[0] != "one" || results[1] != "two" {
		t.Fatalf("expected originals on failure, got %v", results)
	}
}

func TestContentHashIsStable(t *testing.T) {
	if ContentHash("hello") != ContentHash("hello") {
		t.Fatalf("expected identical hashes for identical text")
	}
	if ContentHash("hello") == ContentHash("hello ") {
		t.Fatalf("expected different hashes for different text")
	}
	if len(ContentHash("hello")) != 64 {
		t.Fatalf("expected hex sha256 length 64")
	}
}
