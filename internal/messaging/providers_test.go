package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/catalog"
	"github.com/BTreeMap/OutletPipe/internal/models"
	"github.com/BTreeMap/OutletPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/OutletPipe/internal/whatsapp"
	twclient "github.com/twilio/twilio-go/client"
)

func TestClassifyTwilioError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network", errors.New("dial tcp: connection refused"), true},
		{"rate limited", &twclient.TwilioRestError{Status: 429, Code: 20429}, true},
		{"server error", &twclient.TwilioRestError{Status: 503}, true},
		{"bad request", &twclient.TwilioRestError{Status: 400, Code: 21604}, false},
		{"invalid to", &twclient.TwilioRestError{Status: 400, Code: twilioInvalidTo}, false},
		{"outside window", fmt.Errorf("send: %w", &twclient.TwilioRestError{Status: 400, Code: twilioOutsideWindow}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := classifyTwilioError(tt.err)
			if pe.Transient != tt.transient {
				t.Errorf("transient = %v, want %v", pe.Transient, tt.transient)
			}
			if got := models.IsTransient(pe); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestTwilioServiceSends(t *testing.T) {
	ctx := context.Background()
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	r, err := svc.SendInteractive(ctx, testIdentity, "Menu", []models.Button{{ID: "menu", Title: "Menu"}})
	if err != nil || r.ProviderMessageID == "" {
		t.Fatalf("SendInteractive = %+v, %v", r, err)
	}
	if _, err := svc.SendTemplate(ctx, testIdentity, catalog.Template{Name: "x", Body: "b"}, nil); !errors.Is(err, models.ErrTerminal) {
		t.Errorf("template without content sid should be terminal, got %v", err)
	}
	if _, err := svc.SendTemplate(ctx, testIdentity, catalog.Template{Name: "x", ContentSID: "HX1", Params: 1}, []string{"p"}); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 2 || sent[0].Body != "Menu\n\n1. Menu" || sent[1].ContentSID != "HX1" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestWhatsAppServiceRendersLocally(t *testing.T) {
	ctx := context.Background()
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	tpl := catalog.Template{Name: "reopen", Body: "Update: {{1}}", Params: 1}
	if _, err := svc.SendTemplate(ctx, testIdentity, tpl, []string{"stock low"}); err != nil {
		t.Fatalf("SendTemplate: %v", err)
	}
	if got := mock.Messages(); len(got) != 1 || got[0].Body != "Update: stock low" {
		t.Errorf("sent = %+v", got)
	}

	mock.Err = errors.New("socket closed")
	if _, err := svc.SendText(ctx, testIdentity, "hi"); !models.IsTransient(err) {
		t.Errorf("send failure should be transient, got %v", err)
	}
}

func TestWhatsAppServiceEmitWaitsForSlowConsumer(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	for i := 0; i < DefaultChannelBufferSize; i++ {
		svc.Emit(models.InboundEvent{MessageID: fmt.Sprintf("m%03d", i), From: testIdentity})
	}

	emitted := make(chan struct{})
	go func() {
		svc.Emit(models.InboundEvent{MessageID: "late", From: testIdentity})
		close(emitted)
	}()
	select {
	case <-emitted:
		t.Fatal("Emit returned while the channel was full")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < DefaultChannelBufferSize; i++ {
		<-svc.Inbound()
	}
	if got := <-svc.Inbound(); got.MessageID != "late" {
		t.Errorf("late event = %+v", got)
	}
	<-emitted
}

func TestWhatsAppServiceStopReleasesBlockedEmit(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	for i := 0; i < DefaultChannelBufferSize; i++ {
		svc.Emit(models.InboundEvent{MessageID: fmt.Sprintf("m%03d", i), From: testIdentity})
	}
	emitted := make(chan struct{})
	go func() {
		svc.Emit(models.InboundEvent{MessageID: "late", From: testIdentity})
		close(emitted)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after Stop")
	}
}

func TestWhatsAppServiceInbound(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc.Emit(models.InboundEvent{MessageID: "m1", From: testIdentity, Type: models.InboundText, Text: "hi"})
	got := <-svc.Inbound()
	if got.MessageID != "m1" {
		t.Errorf("inbound = %+v", got)
	}
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("inbound channel should be closed after Stop")
	}
	svc.Emit(models.InboundEvent{MessageID: "m2", From: testIdentity})
	if _, err := svc.SendText(context.Background(), testIdentity, "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("send after stop = %v", err)
	}
}
