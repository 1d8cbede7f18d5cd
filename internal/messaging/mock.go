package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
)

// SentMessage is one message recorded by MockProvider.
type SentMessage struct {
	To       string
	Kind     models.MessageKind
	Body     string
	Buttons  []models.Button
	Template string
	Params   []string
}

// MockProvider records sends in memory. Errors queued with FailNext are
// returned by the next calls in order.
type MockProvider struct {
	mu       sync.Mutex
	sent     []SentMessage
	failures []error
	calls    int
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates an empty MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// FailNext queues errors for the following send calls.
func (m *MockProvider) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Sent returns a copy of the delivered messages.
func (m *MockProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the delivered messages for one identity.
func (m *MockProvider) SentTo(to string) []SentMessage {
	var out []SentMessage
	for _, s := range m.Sent() {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}

// Calls returns how many send calls were made, failed ones included.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockProvider) SendText(ctx context.Context, to, body string) (SendReceipt, error) {
	return m.record(SentMessage{To: to, Kind: models.KindText, Body: body})
}

func (m *MockProvider) SendInteractive(ctx context.Context, to, body string, buttons []models.Button) (SendReceipt, error) {
	return m.record(SentMessage{To: to, Kind: models.KindInteractive, Body: body, Buttons: append([]models.Button(nil), buttons...)})
}

func (m *MockProvider) SendTemplate(ctx context.Context, to string, tpl catalog.Template, params []string) (SendReceipt, error) {
	return m.record(SentMessage{To: to, Kind: models.KindTemplate, Body: tpl.Render(params), Template: tpl.Name, Params: append([]string(nil), params...)})
}

func (m *MockProvider) record(s SentMessage) (SendReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return SendReceipt{}, err
		}
	}
	m.sent = append(m.sent, s)
	return SendReceipt{ProviderMessageID: fmt.Sprintf("mock-%d", m.calls), ProviderStatus: "sent"}, nil
}
