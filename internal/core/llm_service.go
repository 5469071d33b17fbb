package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"
	defaultTitleModelName     = "gemini-1.5-flash-latest"

	// USD per million tokens for the chat model.
	inputTokenPrice  = 0.075
	outputTokenPrice = 0.30

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// chatSystemInstruction describes the answer format, including the widget
// protocol the assistant UI renders.
const chatSystemInstruction = `You are the corporate brain of an agency: an assistant that answers questions about the agency's clients, projects, proposals, tasks, people and past conversations.
Answer using the provided context documents and the conversation. If the context does not contain the answer, say that you don't have the information. Do not make up information.

Today is %s (time zone %s). Documents are only valid from their effective_from date; prefer the most recent version of a fact.

When structured data helps, embed it as a widget: a fenced block opened with three backticks followed by json, containing exactly one JSON object with a "type" field, and closed with three backticks.
Supported types:
- task_list {"items":[{"id","title","status","priority","due_date","assignee","client_name"}]}
- user_list {"items":[{"name","role","last_access"}]}
- access_list {"items":[{"name","total_accesses","last_access"}]}
- report {"title","value","trend","icon"}
- chart {"title","chartType":"bar|line|pie","xAxis","series":[{"key","name","color"}],"data":[{...}]}
- image_grid {"title","items":[{"url","caption"}]}
- proposal_list {"items":[{"id","company_name","responsible_name","setup_fee","monthly_fee"}]}
- project_list {"items":[{"id","name","client_name","status","created_at"}]}
- client_list {"items":[{"company_name","responsible_name","has_traffic","has_website","has_landing_page"}]}
Keep prose outside the fenced blocks short.`

// Completion is a generated answer with its token usage.
type Completion struct {
	Text         string
	PromptTokens int32
	OutputTokens int32
}

// CostUSD estimates the generation cost of the completion.
func (c Completion) CostUSD() float64 {
	return float64(c.PromptTokens)/1e6*inputTokenPrice + float64(c.OutputTokens)/1e6*outputTokenPrice
}

// LLM is the model backend the retrieval service depends on.
type LLM interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
	GetChatCompletion(ctx context.Context, prompt Prompt) (*Completion, error)
	GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error)
}

// Prompt is one generation request. History holds earlier turns in order; the
// final user turn is Question.
type Prompt struct {
	History  []*genai.Content
	Question string
	Today    string
	TimeZone string
}

type LLMService struct {
	client *genai.Client
	logger *zap.Logger
}

func NewLLMService(ctx context.Context, apiKey string, logger *zap.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &LLMService{client: client, logger: logger}, nil
}

func (s *LLMService) Close() {
	if s.client == nil {
		return
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("error closing GenAI client", zap.Error(err))
		return
	}
	s.logger.Info("GenAI client closed")
}

func (s *LLMService) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *LLMService) GetChatCompletion(ctx context.Context, prompt Prompt) (*Completion, error) {
	if strings.TrimSpace(prompt.Question) == "" {
		return nil, fmt.Errorf("prompt question is empty")
	}

	model := s.client.GenerativeModel(defaultChatModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(fmt.Sprintf(chatSystemInstruction, prompt.Today, prompt.TimeZone))},
	}

	chatSession := model.StartChat()
	chatSession.History = prompt.History

	start := time.Now()
	resp, err := chatSession.SendMessage(ctx, genai.Text(prompt.Question))
	if err != nil {
		return nil, fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	s.logger.Debug("gemini chat completion", zap.Duration("took", time.Since(start)), zap.Int("history", len(prompt.History)))

	completion := &Completion{}
	if resp != nil && resp.UsageMetadata != nil {
		completion.PromptTokens = resp.UsageMetadata.PromptTokenCount
		completion.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		s.logger.Warn("gemini response was empty or had no valid candidates")
		completion.Text = "I'm sorry, I couldn't generate a response at this time. Please try again."
		return completion, nil
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			responseText.WriteString(string(txt))
		} else {
			s.logger.Debug("skipping non-text response part", zap.String("part_type", fmt.Sprintf("%T", part)))
		}
	}
	if responseText.Len() == 0 {
		completion.Text = "I received an empty or non-text response, please try rephrasing your question."
		return completion, nil
	}
	completion.Text = responseText.String()
	return completion, nil
}

func (s *LLMService) GenerateTitleForChat(ctx context.Context, chatSummary string) (string, error) {
	model := s.client.GenerativeModel(defaultTitleModelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}
	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	userPromptForTitle := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: %q.", chatSummary)
	resp, err := model.GenerateContent(ctx, genai.Text(userPromptForTitle))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("LLM did not generate a title (empty response)")
	}

	var titleText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			titleText.WriteString(string(txt))
		}
	}
	title := CleanTitle(titleText.String())
	if title == "" {
		return "", fmt.Errorf("LLM generated an empty title string")
	}
	return title, nil
}

// CleanTitle strips quotes, trailing punctuation and surrounding whitespace
// models like to add around a title.
func CleanTitle(raw string) string {
	return strings.Trim(raw, "\"'`\n\r\t .")
}
