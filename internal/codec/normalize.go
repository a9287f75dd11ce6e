// Package codec maps wire envelopes from the agent stream onto domain events
// and loads submission images into the form the agent accepts.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// WireEvent is the discriminated envelope delivered by the transport.
type WireEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewWireEvent builds an envelope, marshaling payload when it is not already JSON.
func NewWireEvent(kind domain.EventKind, payload any) (WireEvent, error) {
	ev := WireEvent{Kind: string(kind)}
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		ev.Payload = p
	case []byte:
		ev.Payload = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return WireEvent{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		ev.Payload = b
	}
	return ev, nil
}

type textPayload struct {
	Text json.RawMessage `json:"text"`
}

type productsPayload struct {
	Products []domain.Product `json:"products"`
}

type cartPayload struct {
	Items      []domain.CartItem `json:"items"`
	TotalItems int               `json:"total_items"`
	Subtotal   float64           `json:"subtotal"`
}

type orderSummaryPayload struct {
	Items           []domain.OrderItem `json:"items"`
	TotalAmount     float64            `json:"total_amount"`
	ShippingAddress string             `json:"shipping_address"`
	ItemCount       int                `json:"item_count"`
}

type paymentMethodsPayload struct {
	PaymentMethods []domain.PaymentMethod `json:"payment_methods"`
}

type selectionPayload struct {
	PaymentMethods          []domain.PaymentMethod `json:"payment_methods"`
	SelectedPaymentMethod   *domain.PaymentMethod  `json:"selected_payment_method"`
	SelectedPaymentMethodID string                 `json:"selected_payment_method_id"`
}

// Normalize maps one wire envelope to at most one domain event. Unknown kinds
// and payloads that fail structural validation return (nil, false).
func Normalize(w WireEvent) (domain.Event, bool) {
	switch domain.EventKind(w.Kind) {
	case domain.KindText:
		return normalizeText(w.Payload)

	case domain.KindProducts:
		var p productsPayload
		if !decode(w.Payload, &p) || p.Products == nil {
			return nil, false
		}
		return domain.Products{List: p.Products}, true

	case domain.KindCart:
		var p cartPayload
		if !decode(w.Payload, &p) || p.Items == nil {
			return nil, false
		}
		return domain.CartSnapshot{Cart: domain.Cart{
			Items:      p.Items,
			TotalItems: p.TotalItems,
			Subtotal:   p.Subtotal,
		}}, true

	case domain.KindOrder:
		var o domain.Order
		if !decode(w.Payload, &o) || o.OrderID == "" {
			return nil, false
		}
		return domain.OrderPlaced{Order: o}, true

	case domain.KindOrderSummary:
		var p orderSummaryPayload
		if !decode(w.Payload, &p) || p.Items == nil {
			return nil, false
		}
		return domain.OrderSummaryReady{Summary: domain.OrderSummary(p)}, true

	case domain.KindPaymentMethods:
		var p paymentMethodsPayload
		if !decode(w.Payload, &p) || p.PaymentMethods == nil {
			return nil, false
		}
		return domain.PaymentMethods{List: p.PaymentMethods}, true

	case domain.KindPaymentMethodSelection:
		return normalizeSelection(w.Payload)

	case domain.KindStatus:
		var raw any
		if len(bytes.TrimSpace(w.Payload)) > 0 {
			if err := json.Unmarshal(w.Payload, &raw); err != nil {
				return nil, false
			}
		}
		return domain.Status{Raw: raw}, true

	case domain.KindComplete:
		return domain.Complete{}, true
	}
	return nil, false
}

// decode requires a JSON object payload.
func decode(payload json.RawMessage, v any) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Unmarshal(trimmed, v) == nil
}

// normalizeText coerces the text field to a string. Non-string values are
// carried as their JSON text.
func normalizeText(payload json.RawMessage) (domain.Event, bool) {
	var p textPayload
	if !decode(payload, &p) {
		return nil, false
	}
	raw := bytes.TrimSpace(p.Text)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		return domain.TextDelta{Text: s}, true
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, false
	}
	return domain.TextDelta{Text: compact.String()}, true
}

func normalizeSelection(payload json.RawMessage) (domain.Event, bool) {
	var p selectionPayload
	if !decode(payload, &p) || p.PaymentMethods == nil {
		return nil, false
	}

	var selected domain.PaymentMethod
	switch {
	case p.SelectedPaymentMethod != nil && p.SelectedPaymentMethod.ID != "":
		selected = *p.SelectedPaymentMethod
	case p.SelectedPaymentMethodID != "":
		selected = domain.PaymentMethod{ID: p.SelectedPaymentMethodID}
		for _, pm := range p.PaymentMethods {
			if pm.ID == p.SelectedPaymentMethodID {
				selected = pm
				break
			}
		}
	default:
		return nil, false
	}

	return domain.PaymentMethodSelection{List: p.PaymentMethods, Selected: selected}, true
}
