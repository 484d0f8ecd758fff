package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/xraph/recur"
	"github.com/xraph/recur/api/request"
	"github.com/xraph/recur/api/response"
	"github.com/xraph/recur/webhook"
)

// SignatureHeader is the header carrying the processor's signature.
const SignatureHeader = "Stripe-Signature"

// WebhookResponse is the body returned for an accepted delivery.
type WebhookResponse struct {
	EventID string          `json:"event_id"`
	Outcome webhook.Outcome `json:"outcome"`
}

// handleWebhook accepts either a Stripe envelope or a plain Event. Any
// 2xx tells the processor to stop redelivering, so only failures it
// should retry map to 409 and 503.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxWebhookBytes))
	if err != nil {
		response.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	ev, err := s.decodeWebhook(payload, r.Header.Get(SignatureHeader))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, recur.ErrSignature) {
			status = http.StatusUnauthorized
		}
		response.WriteError(w, status, err.Error())
		return
	}

	outcome, err := s.engine.HandleWebhook(r.Context(), ev)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, WebhookResponse{EventID: ev.ID, Outcome: outcome})
}

func (s *Server) decodeWebhook(payload []byte, signature string) (webhook.Event, error) {
	if s.webhookSecret != "" {
		if signature == "" {
			return webhook.Event{}, fmt.Errorf("%w: missing %s header", recur.ErrSignature, SignatureHeader)
		}
		return webhook.VerifyStripe(payload, signature, s.webhookSecret)
	}

	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return webhook.Event{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(probe.Data) > 0 {
		return webhook.ParseStripe(payload)
	}

	var ev webhook.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return webhook.Event{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := request.Validate(&ev); err != nil {
		return webhook.Event{}, err
	}
	return ev, nil
}
