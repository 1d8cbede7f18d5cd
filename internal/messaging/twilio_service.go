package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/twiliowhatsapp"
	twclient "github.com/twilio/twilio-go/client"
)

// Twilio error codes that are permanent regardless of HTTP status.
const (
	twilioInvalidTo        = 21211
	twilioOutsideWindow    = 63016
	twilioTemplateRejected = 63005
)

// TwilioService implements Provider using the Twilio API.
type TwilioService struct {
	client twiliowhatsapp.Sender // real Twilio client or MockClient
}

var _ Provider = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// SendText sends free-form text.
func (s *TwilioService) SendText(ctx context.Context, to, body string) (SendReceipt, error) {
	msg, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		return SendReceipt{}, classifyTwilioError(err)
	}
	return SendReceipt{ProviderMessageID: msg.SID, ProviderStatus: msg.Status}, nil
}

// SendInteractive sends the buttons as numbered text since the REST message
// API has no quick-reply payloads outside Content templates.
func (s *TwilioService) SendInteractive(ctx context.Context, to, body string, buttons []models.Button) (SendReceipt, error) {
	return s.SendText(ctx, to, RenderInteractive(body, buttons))
}

// SendTemplate sends a Content API template. A template without a content
// SID has not been approved and cannot be sent.
func (s *TwilioService) SendTemplate(ctx context.Context, to string, tpl catalog.Template, params []string) (SendReceipt, error) {
	if tpl.ContentSID == "" {
		return SendReceipt{}, Terminal(fmt.Errorf("template %q has no content sid", tpl.Name))
	}
	msg, err := s.client.SendContent(ctx, to, tpl.ContentSID, params)
	if err != nil {
		return SendReceipt{}, classifyTwilioError(err)
	}
	return SendReceipt{ProviderMessageID: msg.SID, ProviderStatus: msg.Status}, nil
}

// classifyTwilioError maps a Twilio REST error onto transient or terminal.
// Errors without a REST status are network failures and are retried.
func classifyTwilioError(err error) *ProviderError {
	var rest *twclient.TwilioRestError
	if !errors.As(err, &rest) {
		slog.Debug("classifyTwilioError: no REST status, treating as transient", "error", err)
		return Transient(err)
	}
	pe := &ProviderError{Status: rest.Status, Code: rest.Code, Err: err}
	switch {
	case rest.Code == twilioInvalidTo, rest.Code == twilioOutsideWindow, rest.Code == twilioTemplateRejected:
		pe.Transient = false
	case rest.Status == http.StatusTooManyRequests, rest.Status >= http.StatusInternalServerError:
		pe.Transient = true
	}
	return pe
}
