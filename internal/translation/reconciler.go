package translation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultReconcilerTimeout = 60 * time.Second

// reconcilePromptFormat instructs the composition model. The rules mirror the
// merge contract: document language only, preserve main, integrate branch
// material contextually, prefer the branch on contradictions, invent nothing.
const reconcilePromptFormat = `You are a document merge assistant. Your job is to intelligently combine two versions of a document into one coherent result.

## Rules
- The output MUST be in %s language only.
- Return ONLY the merged document text. No explanations, no commentary, no markdown headers.
- Preserve the existing main document content and integrate the collaborator's additions naturally.
- If the collaborator added new paragraphs or sections, place them where they fit best contextually.
- If the collaborator edited existing paragraphs, prefer their updated version if it improves clarity, or blend both if they contain different information.
- If there are contradictions, prefer the collaborator's version but keep any unique information from the main.
- Maintain consistent tone, style, and formatting throughout.
- Do not add any content that doesn't exist in either version.

## Main Document (current version)
%s

## Collaborator's Contribution
%s

## Output
Return the merged document text below. Nothing else.`

// GenerativeReconcilerConfig configures the external composition service.
type GenerativeReconcilerConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

// GenerativeReconciler asks a generative composition API to blend the main
// document with a collaborator's translated contribution. It either returns
// usable merged text or an explicit error; there is no silent identity
// fallback, since "no merge happened" must never look like success.
type GenerativeReconciler struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewGenerativeReconciler validates the configuration and builds the client.
func NewGenerativeReconciler(cfg GenerativeReconcilerConfig) (*GenerativeReconciler, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("translation: reconciler endpoint is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("translation: reconciler model is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultReconcilerTimeout}
	}
	return &GenerativeReconciler{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   client,
	}, nil
}

type generateRequestPayload struct {
	Contents []generateContent `json:"contents"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

type generateResponsePayload struct {
	Candidates []struct {
		Content generateContent `json:"content"`
	} `json:"candidates"`
}

// Reconcile blends mainText and branchText into one document in targetLang.
func (r *GenerativeReconciler) Reconcile(ctx context.Context, mainText string, branchText string, targetLang string) (string, error) {
	if strings.TrimSpace(branchText) == "" {
		return "", errors.New("translation: reconciler requires branch content")
	}
	if mainText == "" {
		mainText = "(Empty document)"
	}

	prompt := fmt.Sprintf(reconcilePromptFormat, targetLang, mainText, branchText)
	payload, err := json.Marshal(generateRequestPayload{
		Contents: []generateContent{{Parts: []generatePart{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", r.endpoint, r.model)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		request.Header.Set("x-goog-api-key", r.apiKey)
	}

	response, err := r.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation: reconciler endpoint returned %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	var decoded generateResponsePayload
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("translation: reconciler returned no candidates")
	}
	merged := strings.TrimSpace(decoded.Candidates[0].Content.Parts[0].Text)
	if merged == "" {
		return "", errors.New("translation: reconciler returned empty text")
	}
	return merged, nil
}
