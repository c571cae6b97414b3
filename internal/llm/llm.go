package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examlink/internal/llm/prompts"
	"github.com/pavelanni/examlink/internal/model"
)

// ErrorKind classifies a failed call so callers can pick a retry strategy
// without inspecting error strings.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindModelNotFound
	KindRateLimited
	KindUnauthorized
	KindBadResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindModelNotFound:
		return "model_not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindBadResponse:
		return "bad_response"
	default:
		return "other"
	}
}

// Error is returned by every Client call.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of an *Error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

func classify(op string, err error) *Error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	kind := KindOther
	switch status {
	case http.StatusNotFound:
		kind = KindModelNotFound
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindUnauthorized
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// GenerateRequest describes the questions to generate.
type GenerateRequest struct {
	Subject           string
	Grade             string
	Topic             string
	Level             model.Level
	NumMultipleChoice int
	NumOpenEnded      int
	// Source is text extracted from the teacher's attachments.
	Source      string
	WithPassage bool
}

// Generated is the structured output of a generation call.
type Generated struct {
	Questions      []model.ExamQuestion `json:"questions"`
	ReadingPassage string               `json:"readingPassage,omitempty"`
}

type generatedQuestion struct {
	Type        string   `json:"type"`
	Content     string   `json:"content"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Level       string   `json:"level"`
	Image       string   `json:"image"`
}

type generatedPayload struct {
	ReadingPassage string              `json:"readingPassage"`
	Questions      []generatedQuestion `json:"questions"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if modelName == "" {
		return nil, errors.New("llm: model name is required")
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return classify("ping", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return &Error{Kind: KindModelNotFound, Op: "ping", Err: fmt.Errorf("model %q not served", c.model)}
}

// GenerateQuestions asks the model for an exam and normalizes its answer.
func (c *Client) GenerateQuestions(ctx context.Context, req GenerateRequest) (*Generated, error) {
	prompt, err := prompts.BuildGeneratePrompt(prompts.GenerateData{
		Subject:           req.Subject,
		Grade:             req.Grade,
		Topic:             req.Topic,
		Level:             string(req.Level),
		NumMultipleChoice: req.NumMultipleChoice,
		NumOpenEnded:      req.NumOpenEnded,
		Source:            req.Source,
		WithPassage:       req.WithPassage,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, classify("generate", err)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindBadResponse, Op: "generate", Err: errors.New("no choices")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	gen, err := parseGenerated(raw)
	if err != nil {
		return nil, &Error{Kind: KindBadResponse, Op: "generate", Err: err}
	}
	return gen, nil
}

// parseGenerated turns the model's JSON into exam questions. Questions
// without content are skipped.
func parseGenerated(raw string) (*Generated, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var p generatedPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	gen := &Generated{ReadingPassage: p.ReadingPassage}
	for _, gq := range p.Questions {
		if strings.TrimSpace(gq.Content) == "" {
			continue
		}
		q := model.ExamQuestion{
			ID:          uuid.NewString(),
			Kind:        model.KindOpenEnded,
			Content:     gq.Content,
			Answer:      gq.Answer,
			Explanation: gq.Explanation,
			Image:       gq.Image,
			Level:       model.Level(gq.Level),
		}
		if isMultipleChoice(gq.Type) || (gq.Type == "" && len(gq.Options) > 0) {
			q.Kind = model.KindMultipleChoice
			for _, o := range gq.Options {
				q.Options = append(q.Options, model.Option{Text: o})
			}
		}
		if q.Level == "" {
			q.Level = model.DefaultLevel
		}
		gen.Questions = append(gen.Questions, q)
	}
	if len(gen.Questions) == 0 {
		return nil, errors.New("response has no questions")
	}
	return gen, nil
}

func isMultipleChoice(t string) bool {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(t), "-", "_")) {
	case "multiple_choice", "mcq", "mc":
		return true
	}
	return false
}
