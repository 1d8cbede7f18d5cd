package models

import (
	"fmt"
	"time"
)

// MessageKind is how an outbound message is delivered.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindInteractive MessageKind = "interactive"
	KindTemplate    MessageKind = "template"
)

// Button is a quick-reply option on an interactive message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TemplateRef names a pre-approved template and its positional parameters.
type TemplateRef struct {
	Name   string   `json:"name"`
	Params []string `json:"params,omitempty"`
}

// OutboundMessage is a message handed to the dispatcher.
type OutboundMessage struct {
	Kind       MessageKind  `json:"kind"`
	To         string       `json:"to"`
	Body       string       `json:"body,omitempty"`
	Buttons    []Button     `json:"buttons,omitempty"`
	Template   *TemplateRef `json:"template,omitempty"`
	ContextTag string       `json:"context_tag,omitempty"`
	// Fallback is used in place of the default re-open template when the
	// session window has closed.
	Fallback *TemplateRef `json:"fallback,omitempty"`
}

// Validate checks that the fields required by Kind are present.
func (m *OutboundMessage) Validate() error {
	if m.To == "" {
		return ErrEmptyRecipient
	}
	switch m.Kind {
	case KindText:
		if m.Body == "" {
			return fmt.Errorf("%w: text message without body", ErrInvalidMessageKind)
		}
	case KindInteractive:
		if m.Body == "" || len(m.Buttons) == 0 {
			return fmt.Errorf("%w: interactive message needs body and buttons", ErrInvalidMessageKind)
		}
	case KindTemplate:
		if m.Template == nil || m.Template.Name == "" {
			return fmt.Errorf("%w: template message without template name", ErrInvalidMessageKind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMessageKind, m.Kind)
	}
	return nil
}

// DeliveryStatus is the outcome recorded for one provider call.
type DeliveryStatus string

const (
	DeliveryAttempted DeliveryStatus = "attempted"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryLogEntry is an append-only audit record of one send attempt.
type DeliveryLogEntry struct {
	ID                string         `json:"id"`
	To                string         `json:"to"`
	Kind              MessageKind    `json:"kind"`
	ContextTag        string         `json:"context_tag,omitempty"`
	PayloadDigest     string         `json:"payload_digest"`
	Attempt           int            `json:"attempt"`
	Status            DeliveryStatus `json:"status"`
	ProviderStatus    string         `json:"provider_status,omitempty"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// DeliveryResult is what the dispatcher reports for a logical send.
type DeliveryResult struct {
	To                string      `json:"to"`
	Kind              MessageKind `json:"kind"` // kind actually sent, may differ after a window downgrade
	Downgraded        bool        `json:"downgraded,omitempty"`
	Attempts          int         `json:"attempts"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	Skipped           bool        `json:"skipped,omitempty"` // fan-out key already claimed
}
