package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/OutletPipe/internal/flow"
	"github.com/BTreeMap/OutletPipe/internal/models"
	twclient "github.com/twilio/twilio-go/client"
)

// BatchRequest is the JSON webhook body.
type BatchRequest struct {
	Events []BatchEvent `json:"events"`
}

// BatchEvent is one inbound message in a batch. Payload is the text for
// text events and the quick-reply id for button events.
type BatchEvent struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
}

// EventResult is the per-event outcome returned by the batch webhook.
type EventResult struct {
	MessageID string        `json:"messageId"`
	Outcome   *flow.Outcome `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	Kind      string        `json:"kind,omitempty"`
}

func (e BatchEvent) inbound(now time.Time) models.InboundEvent {
	evt := models.InboundEvent{MessageID: e.MessageID, From: e.From, ReceivedAt: now}
	switch models.InboundType(e.Type) {
	case models.InboundText:
		evt.Type, evt.Text = models.InboundText, e.Payload
	case models.InboundButton:
		evt.Type, evt.ButtonID = models.InboundButton, e.Payload
	default:
		evt.Type = models.InboundUnsupported
	}
	return evt
}

// batchWebhookHandler handles POST /webhook. Any transient failure answers
// 503 so the sender redelivers; completed events are deduplicated then.
func (s *Server) batchWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req BatchRequest
	if !decodeJSONBody(w, r, &req) {
		slog.Warn("Server.batchWebhookHandler: rejected request body")
		return
	}
	if len(req.Events) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("No events"))
		return
	}

	now := time.Now()
	events := make([]models.InboundEvent, len(req.Events))
	for i, e := range req.Events {
		events[i] = e.inbound(now)
	}

	results := s.pool.Process(r.Context(), events)
	out := make([]EventResult, len(results))
	retry := false
	for i, res := range results {
		out[i] = EventResult{MessageID: events[i].MessageID, Outcome: res.Outcome}
		if res.Err != nil {
			kind := models.ClassifyError(res.Err)
			out[i].Error = res.Err.Error()
			out[i].Kind = string(kind)
			if kind == models.KindTransientInfra {
				retry = true
			}
		}
	}
	if retry {
		slog.Warn("Server.batchWebhookHandler: transient failure, asking for redelivery", "events", len(events))
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Retry("Temporary failure, redeliver", out))
		return
	}
	slog.Debug("Server.batchWebhookHandler: batch processed", "events", len(events))
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

// twilioWebhookHandler handles POST /webhook/twilio form posts.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if !s.validTwilioSignature(r) {
		slog.Warn("Server.twilioWebhookHandler: signature mismatch", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
		return
	}

	evt := twilioEvent(r, time.Now())
	out, err := s.handler.HandleInbound(r.Context(), evt)
	if err != nil {
		kind := models.ClassifyError(err)
		if kind == models.KindTransientInfra {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Retry("Temporary failure, redeliver", nil))
			return
		}
		slog.Warn("Server.twilioWebhookHandler: event rejected", "messageID", evt.MessageID, "kind", kind, "error", err)
		// redelivering a terminal failure cannot help
		writeJSONResponse(w, http.StatusOK, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func twilioEvent(r *http.Request, now time.Time) models.InboundEvent {
	evt := models.InboundEvent{
		MessageID:  r.PostForm.Get("MessageSid"),
		From:       r.PostForm.Get("From"),
		ReceivedAt: now,
	}
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	switch payload := r.PostForm.Get("ButtonPayload"); {
	case payload != "":
		evt.Type, evt.ButtonID, evt.Text = models.InboundButton, payload, body
	case body != "":
		evt.Type, evt.Text = models.InboundText, body
	default:
		// media, location and contact messages carry no body
		evt.Type = models.InboundUnsupported
	}
	return evt
}

func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.opts.TwilioAuthToken == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := strings.TrimRight(s.opts.PublicURL, "/") + r.URL.RequestURI()
	validator := twclient.NewRequestValidator(s.opts.TwilioAuthToken)
	return validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}
