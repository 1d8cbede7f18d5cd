// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in OutletPipe.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the subset of the Twilio API the messaging layer uses.
type Sender interface {
	// SendMessage sends free-form text.
	SendMessage(ctx context.Context, to string, body string) (*Message, error)
	// SendContent sends a pre-approved Content API template.
	SendContent(ctx context.Context, to string, contentSID string, params []string) (*Message, error)
}

// Message is Twilio's answer for an accepted message.
type Message struct {
	SID    string
	Status string
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string // sender in "whatsapp:+1234567890" format
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	fromWhats string
}

var _ Sender = (*Client)(nil)

// NewClient builds a Twilio client. Unset options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Client{client: client, fromWhats: cfg.FromWhats}, nil
}

// SendMessage sends a WhatsApp text message using the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (*Message, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	return c.create(to, params)
}

// SendContent sends a Content API template with positional variables.
func (c *Client) SendContent(ctx context.Context, to string, contentSID string, params []string) (*Message, error) {
	vars, err := ContentVariables(params)
	if err != nil {
		return nil, err
	}
	p := &twilioApi.CreateMessageParams{}
	p.SetTo("whatsapp:+" + to)
	p.SetFrom(c.fromWhats)
	p.SetContentSid(contentSID)
	if vars != "" {
		p.SetContentVariables(vars)
	}
	return c.create(to, p)
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (*Message, error) {
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.create: Twilio CreateMessage failed", "to", to, "error", err)
		return nil, fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	msg := &Message{}
	if resp.Sid != nil {
		msg.SID = *resp.Sid
	}
	if resp.Status != nil {
		msg.Status = *resp.Status
	}
	slog.Debug("Client.create: Twilio message accepted", "to", to, "sid", msg.SID, "status", msg.Status)
	return msg, nil
}

// ContentVariables encodes positional params as the {"1":..,"2":..} JSON
// object the Content API expects. No params yields an empty string.
func ContentVariables(params []string) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	vars := make(map[string]string, len(params))
	for i, p := range params {
		vars[strconv.Itoa(i+1)] = p
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode content variables: %w", err)
	}
	return string(data), nil
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu       sync.Mutex
	Sent     []SentMessage
	Err      error // returned by every call when set
	sequence int
}

// SentMessage is one recorded mock send.
type SentMessage struct {
	To         string
	Body       string
	ContentSID string
	Params     []string
}

var _ Sender = (*MockClient)(nil)

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (*Message, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendContent(ctx context.Context, to string, contentSID string, params []string) (*Message, error) {
	return m.record(SentMessage{To: to, ContentSID: contentSID, Params: append([]string(nil), params...)})
}

func (m *MockClient) record(s SentMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.Sent = append(m.Sent, s)
	m.sequence++
	return &Message{SID: fmt.Sprintf("SM%032d", m.sequence), Status: "queued"}, nil
}

// Messages returns a copy of what was sent.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
