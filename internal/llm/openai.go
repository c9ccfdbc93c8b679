package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Config configures the OpenAI clients.
type Config struct {
	APIKey         string `yaml:"api_key" env:"API_KEY"`
	BaseURL        string `yaml:"base_url" env:"BASE_URL"`
	EmbeddingModel string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	ChatModel      string `yaml:"chat_model" env:"CHAT_MODEL"`
	SystemPrompt   string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

const defaultSystemPrompt = "You explain source code. Answer using only the code entities you are given, and name them."

func newClient(cfg Config) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder. An empty model selects
// text-embedding-3-small.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	model := openai.SmallEmbedding3
	if cfg.EmbeddingModel != "" {
		model = openai.EmbeddingModel(cfg.EmbeddingModel)
	}
	return &OpenAIEmbedder{client: newClient(cfg), model: model}, nil
}

// Model returns the embedding model name.
func (o *OpenAIEmbedder) Model() string { return string(o.model) }

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, &EmbeddingError{Err: ErrEmptyResponse}
	}
	return resp.Data[0].Embedding, nil
}

// OpenAISummarizer narrates closures with a chat completion model.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAISummarizer creates a summarizer. An empty model selects
// gpt-4o-mini.
func NewOpenAISummarizer(cfg Config) (*OpenAISummarizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	model := cfg.ChatModel
	if model == "" {
		model = openai.GPT4oMini
		slog.Debug("chat model not set, defaulting", slog.String("model", model))
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &OpenAISummarizer{client: newClient(cfg), model: model, system: system}, nil
}

func (o *OpenAISummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", &ReasoningError{Err: err}
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &ReasoningError{Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}
