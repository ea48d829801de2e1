package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	anthropicclient "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	appcfg "github.com/lingvo-space/core/internal/config"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	openaiclient "github.com/openai/openai-go/v2"
	openaioption "github.com/openai/openai-go/v2/option"
	jetai "go.jetify.com/ai"
	jetapi "go.jetify.com/ai/api"
	jetanthropic "go.jetify.com/ai/provider/anthropic"
	jetopenai "go.jetify.com/ai/provider/openai"
	"go.uber.org/zap"
)

const (
	defaultMaxOutputTokens = 2000
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultAnthropicModel  = "claude-haiku-4-5-20251001"
)

var cefrLevels = map[string]bool{"A1": true, "A2": true, "B1": true, "B2": true, "C1": true, "C2": true}

// LLMGenerator generates reports with the first enabled provider, or the
// assigned one when set.
type LLMGenerator struct {
	providers  []appcfg.AIProvider
	assignment *appcfg.AIModelAssignment
	httpClient *http.Client
	maxTokens  int
	logger     *zap.Logger
}

type GeneratorOption func(*LLMGenerator)

func WithGeneratorLogger(logger *zap.Logger) GeneratorOption {
	return func(g *LLMGenerator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithHTTPClient(c *http.Client) GeneratorOption {
	return func(g *LLMGenerator) {
		if c != nil {
			g.httpClient = c
		}
	}
}

func NewLLMGenerator(cfg appcfg.AnalysisConfig, opts ...GeneratorOption) *LLMGenerator {
	g := &LLMGenerator{
		providers:  cfg.Providers,
		assignment: cfg.Model,
		httpClient: &http.Client{},
		maxTokens:  defaultMaxOutputTokens,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *LLMGenerator) Generate(ctx context.Context, in Input) (*Report, error) {
	provider := selectAIProvider(g.providers, g.assignment)
	if provider == nil {
		return nil, errors.New("analysis: no AI provider enabled")
	}
	systemPrompt, prompt := buildAnalysisPrompt(in)

	start := time.Now()
	raw, err := g.call(ctx, provider, systemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("analysis generated",
		zap.String("provider", provider.ID),
		zap.String("model", provider.DefaultModel),
		zap.Duration("took", time.Since(start)),
	)

	var report Report
	if err := unmarshalAIJSON(raw, &report); err != nil {
		// A malformed reply is worth another attempt.
		return nil, apperr.Transient("analysis", err)
	}
	if err := normalizeReport(&report); err != nil {
		return nil, apperr.Transient("analysis", err)
	}
	return &report, nil
}

func (g *LLMGenerator) call(ctx context.Context, provider *appcfg.AIProvider, systemPrompt, prompt string) (string, error) {
	if isOpenAICompatibleProviderType(provider.Type) {
		return g.callOpenAICompatible(ctx, provider, systemPrompt, prompt)
	}
	model, err := buildLanguageModel(provider)
	if err != nil {
		return "", err
	}
	resp, err := jetai.GenerateText(
		ctx,
		buildAIPromptMessages(systemPrompt, prompt),
		jetai.WithModel(model),
		jetai.WithMaxOutputTokens(g.maxTokens),
	)
	if err != nil {
		return "", classify(provider.Type, err)
	}
	return extractTextFromAIResponse(resp)
}

func (g *LLMGenerator) callOpenAICompatible(ctx context.Context, provider *appcfg.AIProvider, systemPrompt, prompt string) (string, error) {
	if strings.TrimSpace(provider.APIKey) == "" {
		return "", errors.New("AI provider api key is empty")
	}
	model := strings.TrimSpace(provider.DefaultModel)
	if model == "" {
		model = defaultOpenAIModel
	}

	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": prompt},
	}
	body, _ := json.Marshal(map[string]interface{}{
		"model":           model,
		"messages":        messages,
		"max_tokens":      g.maxTokens,
		"response_format": map[string]string{"type": "json_object"},
	})

	endpoint := normalizeOpenAICompatibleEndpoint(provider.Endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(provider.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", apperr.Transient("openai-compatible", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", apperr.Transient("openai-compatible", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", apperr.HTTPStatus("openai-compatible", resp.StatusCode, truncateText(strings.TrimSpace(string(respBody)), 512))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}
	if result.Error != nil && strings.TrimSpace(result.Error.Message) != "" {
		return "", fmt.Errorf("openai-compatible error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", errors.New("empty response from AI")
	}
	return result.Choices[0].Message.Content, nil
}

// classify marks SDK failures that may pass on retry.
func classify(providerType string, err error) error {
	if err == nil || apperr.IsTransient(err) {
		return err
	}
	var oe *openaiclient.Error
	if errors.As(err, &oe) {
		return apperr.HTTPStatus(providerType, oe.StatusCode, truncateText(oe.Error(), 512))
	}
	var ae *anthropicclient.Error
	if errors.As(err, &ae) {
		return apperr.HTTPStatus(providerType, ae.StatusCode, truncateText(ae.Error(), 512))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// Errors without a status are network-level from the SDK's point of view.
	return apperr.Transient(providerType, err)
}

func normalizeReport(r *Report) error {
	r.ProficiencyLevel = strings.ToUpper(strings.TrimSpace(r.ProficiencyLevel))
	if !cefrLevels[r.ProficiencyLevel] {
		return fmt.Errorf("invalid proficiency level %q in AI response", r.ProficiencyLevel)
	}
	r.Summary = strings.TrimSpace(r.Summary)
	if r.Summary == "" {
		return errors.New("summary is empty in AI response")
	}
	if r.Strengths == nil {
		r.Strengths = []string{}
	}
	if r.AreasForImprovement == nil {
		r.AreasForImprovement = []string{}
	}
	if r.GrammarErrors == nil {
		r.GrammarErrors = []GrammarError{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	if r.Fluency.Score < 0 {
		r.Fluency.Score = 0
	} else if r.Fluency.Score > 100 {
		r.Fluency.Score = 100
	}
	return nil
}

func isOpenAICompatibleProviderType(raw string) bool {
	t := normalizeProviderType(raw)
	return t == "openai-compatible" || t == "openaicompatible"
}

func isAnthropicProviderType(raw string) bool {
	return normalizeProviderType(raw) == "anthropic"
}

func isOpenRouterProviderType(raw string) bool {
	return normalizeProviderType(raw) == "openrouter"
}

func normalizeProviderType(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	t = strings.ReplaceAll(t, "_", "-")
	t = strings.ReplaceAll(t, " ", "")
	return t
}

func unmarshalAIJSON(raw string, out interface{}) error {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), out); err == nil {
			return nil
		}
	}
	return errors.New("invalid JSON response from AI")
}

func buildAIPromptMessages(systemPrompt, prompt string) []jetapi.Message {
	messages := make([]jetapi.Message, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, &jetapi.SystemMessage{Content: systemPrompt})
	}
	messages = append(messages, &jetapi.UserMessage{Content: jetapi.ContentFromText(prompt)})
	return messages
}

func extractTextFromAIResponse(resp *jetapi.Response) (string, error) {
	if resp == nil {
		return "", errors.New("empty response from AI")
	}
	var full strings.Builder
	for _, block := range resp.Content {
		textBlock, ok := block.(*jetapi.TextBlock)
		if !ok || textBlock.Text == "" {
			continue
		}
		full.WriteString(textBlock.Text)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response from AI")
	}
	return text, nil
}

func buildLanguageModel(provider *appcfg.AIProvider) (jetapi.LanguageModel, error) {
	apiKey := strings.TrimSpace(provider.APIKey)
	if apiKey == "" {
		return nil, errors.New("AI provider api key is empty")
	}
	modelID := strings.TrimSpace(provider.DefaultModel)
	endpoint := strings.TrimSpace(provider.Endpoint)

	if isAnthropicProviderType(provider.Type) {
		if modelID == "" {
			modelID = defaultAnthropicModel
		}
		opts := []anthropicoption.RequestOption{
			anthropicoption.WithAPIKey(apiKey),
			anthropicoption.WithMaxRetries(0),
		}
		if endpoint != "" {
			opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(endpoint, "/")))
		}
		client := anthropicclient.NewClient(opts...)
		return jetanthropic.NewLanguageModel(modelID, jetanthropic.WithClient(client)), nil
	}

	if modelID == "" {
		modelID = defaultOpenAIModel
	}
	if isOpenRouterProviderType(provider.Type) && endpoint == "" {
		endpoint = "https://openrouter.ai/api/v1"
	}
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if normalized := normalizeOpenAIBaseURL(endpoint); normalized != "" {
		opts = append(opts, openaioption.WithBaseURL(normalized))
	}
	client := openaiclient.NewClient(opts...)
	return jetopenai.NewLanguageModel(modelID, jetopenai.WithClient(client)), nil
}

func normalizeOpenAIBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/")
}

func normalizeOpenAICompatibleEndpoint(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "https://api.openai.com"
	}
	parsed, err := neturl.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1")
	}
	parsed.Path = strings.TrimSuffix(strings.TrimRight(parsed.Path, "/"), "/v1")
	return strings.TrimRight(parsed.String(), "/")
}

func selectAIProvider(providers []appcfg.AIProvider, assignment *appcfg.AIModelAssignment) *appcfg.AIProvider {
	var providerID, overrideModel string
	if assignment != nil {
		providerID = strings.TrimSpace(assignment.ProviderID)
		overrideModel = strings.TrimSpace(assignment.Model)
	}

	pick := func(provider appcfg.AIProvider) *appcfg.AIProvider {
		selected := provider
		if overrideModel != "" {
			selected.DefaultModel = overrideModel
		}
		return &selected
	}

	if providerID != "" {
		for _, provider := range providers {
			if provider.Enabled && strings.TrimSpace(provider.ID) == providerID {
				return pick(provider)
			}
		}
	}
	for _, provider := range providers {
		if provider.Enabled {
			return pick(provider)
		}
	}
	return nil
}
