package translation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubProvider struct {
	name   string
	result string
	err    error
	calls  int
}

func (p *stubProvider) Name() string {
	return p.name
}

func (p *stubProvider) Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.result, nil
}

func TestChainReturnsFirstSuccess(t *testing.T) {
	primary := &stubProvider{name: "primary", result: "bonjour"}
	secondary := &stubProvider{name: "secondary", result: "unused"}
	chain, err := NewChain(nil, primary, secondary)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	translated, err := chain.Translate(context.Background(), "hello", "en", "fr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated != "bonjour" {
		t.Fatalf("expected primary result, got %q", translated)
	}
	if secondary.calls != 0 {
		t.Fatalf("expected secondary to stay untouched")
	}
}

func TestChainFallsBackOnPrimaryFailure(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("quota exceeded")}
	secondary := &stubProvider{name: "secondary", result: "bonjour"}
	chain, err := NewChain(nil, primary, secondary)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	translated, err := chain.Translate(context.Background(), "hello", "en", "fr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated != "bonjour" {
		t.Fatalf("expected secondary result, got %q", translated)
	}
}

func TestChainReportsTotalFailure(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	secondary := &stubProvider{name: "secondary", err: errors.New("also down")}
	chain, err := NewChain(nil, primary, secondary)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	if _, err := chain.Translate(context.Background(), "hello", "en", "fr"); !errors.Is(err, ErrTranslationUnavailable) {
		t.Fatalf("expected ErrTranslationUnavailable, got %v", err)
	}
}

func TestChainIdentityNeverCallsProviders(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	chain, err := NewChain(nil, primary)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	translated, err := chain.Translate(context.Background(), "hello", "en", "en")
	if err != nil || translated != "hello" {
		t.Fatalf("expected identity passthrough, got %q err=%v", translated, err)
	}
	if primary.calls != 0 {
		t.Fatalf("expected no provider call for identity request")
	}
}

func TestLocalizeProviderRequestShape(t *testing.T) {
	var captured localizeRequestPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(localizeResponsePayload{Text: "hola"})
	}))
	defer server.Close()

	provider, err := NewLocalizeProvider(LocalizeProviderConfig{Endpoint: server.URL, APIKey: "key"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	translated, err := provider.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated != "hola" {
		t.Fatalf("expected translated text, got %q", translated)
	}
	if captured.Text != "hello" || captured.SourceLocale != "en" || captured.TargetLocale != "es" {
		t.Fatalf("unexpected request payload: %+v", captured)
	}
}

func TestFormProviderParsesTranslations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("target_lang") != "ES" {
			t.Errorf("expected uppercased target_lang, got %q", r.PostFormValue("target_lang"))
		}
		_, _ = w.Write([]byte(`{"translations":[{"text":"hola"}]}`))
	}))
	defer server.Close()

	provider, err := NewFormProvider(FormProviderConfig{Endpoint: server.URL, APIKey: "key"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	translated, err := provider.Translate(context.Background(), "hello", "en", "es")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated != "hola" {
		t.Fatalf("expected translated text, got %q", translated)
	}
}

func TestFormProviderRejectsEmptyTranslations(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"translations":[]}`))
	}))
	defer server.Close()

	provider, err := NewFormProvider(FormProviderConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.Translate(context.Background(), "hello", "en", "es"); err == nil {
		t.Fatalf("expected error for empty translations")
	}
}

func TestGenerativeReconcilerParsesCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"merged document"}]}}]}`))
	}))
	defer server.Close()

	reconciler, err := NewGenerativeReconciler(GenerativeReconcilerConfig{
		Endpoint: server.URL,
		Model:    "compose-1",
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	merged, err := reconciler.Reconcile(context.Background(), "main text", "branch text", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged != "merged document" {
		t.Fatalf("expected merged text, got %q", merged)
	}
}

func TestGenerativeReconcilerFailsOnEmptyOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	reconciler, err := NewGenerativeReconciler(GenerativeReconcilerConfig{
		Endpoint: server.URL,
		Model:    "compose-1",
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	if _, err := reconciler.Reconcile(context.Background(), "main", "branch", "en"); err == nil {
		t.Fatalf("expected explicit failure for empty output")
	}
}
