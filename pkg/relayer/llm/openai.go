package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"
	DefaultModel     = "gpt-4o"
)

var ErrEmptyCompletion = errors.New("completion has no choices")

// Completer answers a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type OpenAIConfig struct {
	URL              string
	APIKey           string
	Model            string
	MaxTokens        int
	PresencePenalty  float64
	FrequencyPenalty float64
}

func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		URL:              DefaultOpenAIURL,
		APIKey:           apiKey,
		Model:            DefaultModel,
		MaxTokens:        100,
		PresencePenalty:  0.3,
		FrequencyPenalty: 0.3,
	}
}

// OpenAI is a chat completions client for any OpenAI compatible endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAI(cfg OpenAIConfig, client *http.Client) *OpenAI {
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenAI{cfg: cfg, client: client}
}

type chatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:            o.cfg.Model,
		Messages:         messages,
		MaxTokens:        o.cfg.MaxTokens,
		PresencePenalty:  o.cfg.PresencePenalty,
		FrequencyPenalty: o.cfg.FrequencyPenalty,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading chat completion: %w", err)
	}

	var out chatResponse
	if err = json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decoding chat completion (%s): %w", resp.Status, err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat completion: %s: %s", out.Error.Type, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completion: %s", resp.Status)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}
