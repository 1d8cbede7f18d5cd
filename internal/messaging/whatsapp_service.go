package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/whatsapp"
)

// DefaultChannelBufferSize defines the buffer size of the inbound channel
const DefaultChannelBufferSize = 100

// WhatsAppService implements Provider on top of whatsmeow. Templates are
// rendered locally from the catalog body since a linked device has no
// template API.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when the sender is a live client

	inbound  chan models.InboundEvent
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
}

var _ Provider = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundEvent, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// SendText sends free-form text.
func (s *WhatsAppService) SendText(ctx context.Context, to, body string) (SendReceipt, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return SendReceipt{}, Terminal(ErrServiceStopped)
	}
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService.SendText: send failed", "error", err, "to", to)
		if errors.Is(err, models.ErrEmptyRecipient) {
			return SendReceipt{}, Terminal(err)
		}
		return SendReceipt{}, Transient(err)
	}
	return SendReceipt{ProviderMessageID: id, ProviderStatus: "sent"}, nil
}

// SendInteractive sends the buttons as numbered text.
func (s *WhatsAppService) SendInteractive(ctx context.Context, to, body string, buttons []models.Button) (SendReceipt, error) {
	return s.SendText(ctx, to, RenderInteractive(body, buttons))
}

// SendTemplate renders the template body locally and sends it as text.
func (s *WhatsAppService) SendTemplate(ctx context.Context, to string, tpl catalog.Template, params []string) (SendReceipt, error) {
	return s.SendText(ctx, to, tpl.Render(params))
}

// Start forwards inbound whatsmeow messages to Inbound. It is a no-op for mock senders.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.OnInbound(s.Emit)
	slog.Debug("WhatsAppService.Start: inbound handler registered")
	return nil
}

// Emit queues an inbound event, blocking while the consumer is behind.
// whatsmeow has already sent its receipt, so the event is only given up once
// the service stops.
func (s *WhatsAppService) Emit(evt models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService.Emit: dropping inbound event (service stopped)", "from", evt.From)
		return
	}
	select {
	case s.inbound <- evt:
	case <-s.done:
		slog.Warn("WhatsAppService.Emit: dropping inbound event (service stopping)", "from", evt.From, "messageID", evt.MessageID)
	}
}

// Inbound returns the channel of inbound events.
func (s *WhatsAppService) Inbound() <-chan models.InboundEvent {
	return s.inbound
}

// Stop closes the inbound channel and disconnects the live client.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService.Stop: stopped")
	return nil
}
