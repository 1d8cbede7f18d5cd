// Package genai provides the natural-language generator backed by the OpenAI API.
//
// The generator answers with display text and, separately, a structured
// action delivered as the arguments of the emit_action tool call.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/OutletPipe/internal/envelope"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the generator.
const (
	DefaultModel            = "gpt-4o-mini"
	DefaultTemperature      = 0.2
	DefaultMaxHistoryTokens = 2000
)

// ErrNoChoicesReturned is returned when the API answers without any choice.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Source tells where an envelope came from.
type Source string

const (
	SourceNone    Source = "none"
	SourceTool    Source = "tool"
	SourceMarkers Source = "markers" // legacy text-embedded envelope
)

// Request is everything the generator sees for one turn.
type Request struct {
	Role     models.Role
	State    models.StateType
	Cursor   models.Cursor
	History  []models.Turn
	Text     string
	MenuHint string // titles of the role's menu options
}

// Generation is the generator's answer for one turn.
type Generation struct {
	DisplayText string
	Envelope    []byte // nil when the model emitted no action
	Source      Source
}

// Opts holds configuration for the generator client.
type Opts struct {
	APIKey           string
	Model            string
	Temperature      float64
	MaxHistoryTokens int
	SystemPrompt     string
}

// Option configures the generator client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxHistoryTokens bounds the history sent per request.
func WithMaxHistoryTokens(n int) Option {
	return func(o *Opts) { o.MaxHistoryTokens = n }
}

// WithSystemPrompt replaces the built-in system prompt preamble.
func WithSystemPrompt(p string) Option {
	return func(o *Opts) { o.SystemPrompt = p }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat   chatService
	opts   Opts
	budget *HistoryBudget
}

// NewClient initializes a generator client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxHistoryTokens: DefaultMaxHistoryTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "maxHistoryTokens", cfg.MaxHistoryTokens)
	return &Client{
		chat:   &cli.Chat.Completions,
		opts:   cfg,
		budget: NewHistoryBudget(cfg.Model, cfg.MaxHistoryTokens),
	}, nil
}

// Generate asks the model for the next reply and structured action.
func (c *Client) Generate(ctx context.Context, req Request) (Generation, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.opts.Model),
		Messages:    c.buildMessages(req),
		Tools:       []openai.ChatCompletionToolParam{emitActionTool()},
		Temperature: openai.Float(c.opts.Temperature),
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Warn("Client.Generate: completion failed", "error", err, "state", req.State)
		return Generation{}, fmt.Errorf("%w: generator: %w", models.ErrTransientInfra, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Generation{}, fmt.Errorf("%w: %w", models.ErrTransientInfra, ErrNoChoicesReturned)
	}

	msg := resp.Choices[0].Message
	gen := Generation{DisplayText: msg.Content, Source: SourceNone}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name != emitActionName {
			slog.Warn("Client.Generate: ignoring unexpected tool call", "name", tc.Function.Name)
			continue
		}
		gen.Envelope = []byte(tc.Function.Arguments)
		gen.Source = SourceTool
		break
	}

	if gen.Envelope == nil {
		clean, raw, found := envelope.ExtractMarkers(gen.DisplayText)
		gen.DisplayText = clean
		if found {
			gen.Envelope = raw
			gen.Source = SourceMarkers
			slog.Info("Client.Generate: envelope recovered from legacy text markers", "state", req.State)
		}
	} else {
		gen.DisplayText = envelope.StripMarkers(gen.DisplayText)
	}

	slog.Debug("Client.Generate: completion parsed", "source", gen.Source, "textLength", len(gen.DisplayText))
	return gen, nil
}

func (c *Client) buildMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(c.systemPrompt(req)),
	}
	for _, turn := range c.budget.Trim(req.History) {
		switch turn.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Text))
		default:
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	messages = append(messages, openai.UserMessage(req.Text))
	return messages
}

func (c *Client) systemPrompt(req Request) string {
	var b strings.Builder
	if c.opts.SystemPrompt != "" {
		b.WriteString(c.opts.SystemPrompt)
	} else {
		b.WriteString(defaultSystemPrompt)
	}
	fmt.Fprintf(&b, "\n\nUser role: %s.\nCurrent state: %s.", req.Role, req.State)
	if !req.Cursor.IsZero() {
		if cur, err := json.Marshal(req.Cursor); err == nil {
			fmt.Fprintf(&b, "\nPending form: %s.", cur)
		}
	}
	if req.MenuHint != "" {
		fmt.Fprintf(&b, "\nMenu options: %s.", req.MenuHint)
	}
	return b.String()
}

const defaultSystemPrompt = `You are the WhatsApp assistant for outlet staff.
Reply briefly and in plain language. Never claim an action was saved; the system confirms saves itself.
Whenever the user asks for something, call emit_action exactly once with the matching intent.
Never write the action into your reply text.`
