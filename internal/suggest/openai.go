package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Backend generates candidate questions. Implementations may be slow or fail;
// Service bounds and absorbs both.
type Backend interface {
	Generate(ctx context.Context, c Context) ([]Question, error)
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIBackend asks an OpenAI-compatible chat completions endpoint for
// questions in a fixed JSON shape.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = string(openai.ChatModelGPT4oMini)
	}
	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (b *OpenAIBackend) Generate(ctx context.Context, c Context) ([]Question, error) {
	prompt, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal suggestion context: %w", err)
	}

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(string(prompt)),
		},
		Temperature: openai.Float(0.2),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}
	return parseGenerated(resp.Choices[0].Message.Content)
}

func parseGenerated(content string) ([]Question, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var out struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &out); err != nil {
		return nil, fmt.Errorf("decode generated questions: %w", err)
	}
	return out.Questions, nil
}

const systemPrompt = `You draft brand lift survey questions for marketers.
The user message is JSON with funnelStage, primaryKpi, secondaryKpis and campaignName.
Reply with JSON only, shaped as {"questions":[{"text":"...","type":"SINGLE_CHOICE","kpiAssociation":"BRAND_AWARENESS","options":["...","..."]}]}.
type is SINGLE_CHOICE or MULTIPLE_CHOICE. kpiAssociation is one of BRAND_AWARENESS, AD_RECALL, CONSIDERATION, FAVORABILITY, PURCHASE_INTENT, BRAND_PREFERENCE, MESSAGE_ASSOCIATION.
Write at most 5 questions with 2 to 6 short options each. Lead with the primary KPI.`
