package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrTranslationUnavailable indicates that every configured translation
	// provider failed. Callers at the synchronization layer degrade to the
	// original text; callers at the merge boundary must fail loudly.
	ErrTranslationUnavailable = errors.New("translation: all providers unavailable")
	// ErrEmptyProviderChain indicates a chain built without providers.
	ErrEmptyProviderChain = errors.New("translation: provider chain requires at least one provider")

	noOpProviderLogger = zap.NewNop()
)

const (
	defaultProviderTimeout = 20 * time.Second

	// batchDelimiter joins batch items into one provider request; the origin
	// service echoes it back untranslated so the response can be split again.
	batchDelimiter = "\n¶¶¶\n"
)

// Provider translates a single text between two languages.
type Provider interface {
	Name() string
	Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error)
}

// Chain tries each provider in order and returns the first success.
type Chain struct {
	providers []Provider
	logger    *zap.Logger
}

// NewChain builds a provider fallback chain (primary first).
func NewChain(logger *zap.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrEmptyProviderChain
	}
	if logger == nil {
		logger = noOpProviderLogger
	}
	return &Chain{providers: providers, logger: logger}, nil
}

// Translate walks the chain. Identity requests short-circuit; when every
// provider fails the error wraps ErrTranslationUnavailable.
func (chain *Chain) Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	if fromLang == toLang || strings.TrimSpace(text) == "" {
		return text, nil
	}
	var lastErr error
	for _, provider := range chain.providers {
		translated, err := provider.Translate(ctx, text, fromLang, toLang)
		if err == nil {
			return translated, nil
		}
		lastErr = err
		chain.logger.Warn("translation provider failed",
			zap.String("provider", provider.Name()),
			zap.String("from", fromLang),
			zap.String("to", toLang),
			zap.Error(err))
	}
	return "", fmt.Errorf("%w: %v", ErrTranslationUnavailable, lastErr)
}

// LocalizeProviderConfig configures the primary JSON localize endpoint.
type LocalizeProviderConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// LocalizeProvider calls a JSON localization API: the request carries the
// text with source and target locales, the response returns the localized
// text.
type LocalizeProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewLocalizeProvider constructs the primary provider.
func NewLocalizeProvider(cfg LocalizeProviderConfig) (*LocalizeProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("translation: localize endpoint is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &LocalizeProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
	}, nil
}

// Name identifies the provider in logs.
func (p *LocalizeProvider) Name() string {
	return "localize"
}

type localizeRequestPayload struct {
	Text         string `json:"text"`
	SourceLocale string `json:"source_locale,omitempty"`
	TargetLocale string `json:"target_locale"`
}

type localizeResponsePayload struct {
	Text string `json:"text"`
}

// Translate sends one localize request.
func (p *LocalizeProvider) Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	payload, err := json.Marshal(localizeRequestPayload{
		Text:         text,
		SourceLocale: fromLang,
		TargetLocale: toLang,
	})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	response, err := p.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation: localize endpoint returned %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	var decoded localizeResponsePayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if decoded.Text == "" {
		return "", errors.New("translation: localize endpoint returned empty text")
	}
	return decoded.Text, nil
}

// FormProviderConfig configures the secondary form-encoded endpoint.
type FormProviderConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// FormProvider calls a DeepL-style form-encoded translate API.
type FormProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewFormProvider constructs the secondary provider.
func NewFormProvider(cfg FormProviderConfig) (*FormProvider, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("translation: form endpoint is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultProviderTimeout}
	}
	return &FormProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
	}, nil
}

// Name identifies the provider in logs.
func (p *FormProvider) Name() string {
	return "form"
}

type formResponsePayload struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

// Translate sends one form-encoded request.
func (p *FormProvider) Translate(ctx context.Context, text string, fromLang string, toLang string) (string, error) {
	form := url.Values{}
	form.Set("auth_key", p.apiKey)
	form.Set("text", text)
	form.Set("target_lang", strings.ToUpper(toLang))
	if fromLang != "" {
		form.Set("source_lang", strings.ToUpper(fromLang))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := p.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation: form endpoint returned %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	var decoded formResponsePayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Translations) == 0 || decoded.Translations[0].Text == "" {
		return "", errors.New("translation: form endpoint returned no translations")
	}
	return decoded.Translations[0].Text, nil
}
