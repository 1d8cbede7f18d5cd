// Package messaging implements outbound delivery for OutletPipe.
//
// A Provider talks to one transport. The Dispatcher sits in front of it and
// enforces the session window, retries transient failures, writes the
// delivery log and deduplicates fan-out notifications.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
)

// MinPhoneDigits is the shortest canonical identity accepted.
const MinPhoneDigits = 6

var phoneNumberRegex = regexp.MustCompile(`\D`)

// ErrServiceStopped is returned by providers after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Provider defines a pluggable transport.
type Provider interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	// SendText sends free-form text. Only valid inside the session window.
	SendText(ctx context.Context, to, body string) (SendReceipt, error)
	// SendInteractive sends text with quick-reply buttons.
	SendInteractive(ctx context.Context, to, body string, buttons []models.Button) (SendReceipt, error)
	// SendTemplate sends a pre-approved template with positional params.
	SendTemplate(ctx context.Context, to string, tpl catalog.Template, params []string) (SendReceipt, error)
}

// SendReceipt is what a provider reports for an accepted message.
type SendReceipt struct {
	ProviderMessageID string
	ProviderStatus    string
}

// ProviderError is a classified transport failure.
type ProviderError struct {
	Transient bool
	Status    int // HTTP status when the transport has one
	Code      int // provider error code
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 || e.Code != 0 {
		return fmt.Sprintf("%s provider error (status %d, code %d): %v", kind, e.Status, e.Code, e.Err)
	}
	return fmt.Sprintf("%s provider error: %v", kind, e.Err)
}

// Unwrap exposes both the cause and the taxonomy kind to errors.Is.
func (e *ProviderError) Unwrap() []error {
	kind := models.ErrTerminal
	if e.Transient {
		kind = models.ErrTransientInfra
	}
	return []error{e.Err, kind}
}

// Transient wraps err as a retryable provider failure.
func Transient(err error) *ProviderError {
	return &ProviderError{Transient: true, Err: err}
}

// Terminal wraps err as a permanent provider failure.
func Terminal(err error) *ProviderError {
	return &ProviderError{Err: err}
}

// CanonicalizePhone strips every non-digit and requires at least MinPhoneDigits.
func CanonicalizePhone(recipient string) (string, error) {
	if strings.TrimSpace(recipient) == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: recipient canonicalized", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// RenderInteractive flattens buttons into numbered lines for transports
// without native quick replies. The button id is what a user may type back.
func RenderInteractive(body string, buttons []models.Button) string {
	if len(buttons) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Title)
	}
	return b.String()
}
