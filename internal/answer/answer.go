// Package answer turns retrieved context into an LLM-generated answer. The
// Answerer interface isolates the model call; Service composes retrieval,
// context budgeting and answer post-processing.
package answer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Turn is one prior exchange in a conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports model token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Answerer produces an answer from a question, retrieved context and prior
// conversation turns.
type Answerer interface {
	Answer(ctx context.Context, question, contextText string, history []Turn) (string, Usage, error)
}

// Config holds LLM settings.
type Config struct {
	Model           string        `koanf:"model"`
	APIKey          string        `koanf:"api_key"`
	BaseURL         string        `koanf:"base_url"`
	Temperature     float64       `koanf:"temperature"`
	Timeout         time.Duration `koanf:"timeout"`
	InputRatePer1K  float64       `koanf:"input_rate_per_1k"`
	OutputRatePer1K float64       `koanf:"output_rate_per_1k"`
}

const contextualPrompt = `You are a helpful assistant answering questions from the provided context.
Use only the context below to answer. If the context does not contain the answer, say so.
End your answer with a line "Source: <source>" naming the context entry you relied on most.

Context:
%s`

const fallbackPrompt = `You are a helpful assistant. No reference material was found for this
question, so answer from general knowledge and say that no sources were available.`

// LLM is the langchaingo-backed Answerer.
type LLM struct {
	model       *openai.LLM
	temperature float64
	timeout     time.Duration
}

// NewLLM creates the OpenAI-backed Answerer.
func NewLLM(cfg Config) (*LLM, error) {
	if cfg.Model == "" {
		return nil, errors.New("answer model is required")
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &LLM{model: model, temperature: temperature, timeout: timeout}, nil
}

var _ Answerer = (*LLM)(nil)

// Answer sends the system prompt, conversation history and question to the
// model. An empty contextText switches to the no-sources prompt.
func (l *LLM) Answer(ctx context.Context, question, contextText string, history []Turn) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	system := fallbackPrompt
	if contextText != "" {
		system = fmt.Sprintf(contextualPrompt, contextText)
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
	}
	for _, turn := range history {
		role := llms.ChatMessageTypeHuman
		if turn.Role == RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		messages = append(messages, llms.TextParts(role, turn.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, question))

	resp, err := l.model.GenerateContent(ctx, messages, llms.WithTemperature(l.temperature))
	if err != nil {
		return "", Usage{}, fmt.Errorf("generating answer: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("model returned no choices")
	}

	choice := resp.Choices[0]
	return choice.Content, usageFrom(choice.GenerationInfo), nil
}

func usageFrom(info map[string]any) Usage {
	var u Usage
	if n, ok := info["PromptTokens"].(int); ok {
		u.InputTokens = n
	}
	if n, ok := info["CompletionTokens"].(int); ok {
		u.OutputTokens = n
	}
	return u
}

var (
	reHref    = regexp.MustCompile(`href="([^"]+)"`)
	reHTMLTag = regexp.MustCompile(`<.*?>`)
	reSource  = regexp.MustCompile(`(?i)Source: ?`)
)

// SplitAnswerAndSource separates the trailing "Source:" line the model is
// asked to emit from the answer body, and cleans markup out of the source.
func SplitAnswerAndSource(answer string) (string, string) {
	var source string
	for _, marker := range []string{"\n<p>Source:", "\nSource:"} {
		if idx := strings.Index(answer, marker); idx >= 0 {
			source = strings.TrimSpace(answer[idx+len(marker):])
			answer = strings.TrimSpace(answer[:idx])
			break
		}
	}
	if source == "" {
		return strings.TrimSpace(answer), ""
	}

	if m := reHref.FindStringSubmatch(source); m != nil {
		return answer, strings.TrimSpace(m[1])
	}
	source = reSource.ReplaceAllString(source, "")
	source = strings.TrimSpace(reHTMLTag.ReplaceAllString(source, ""))
	if strings.EqualFold(source, "none") {
		source = ""
	}
	return answer, source
}
