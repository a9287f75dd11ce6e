// Package stream folds normalized events into the running state of a turn.
package stream

import (
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
	"github.com/tjfontaine/cartpilot-concierge/internal/status"
)

// Signal tells the caller what to do besides committing the new state.
type Signal struct {
	// Status is the progress text extracted from a status event, if any.
	Status string
	// Complete is set when the turn should be finalized now.
	Complete bool
}

// Apply returns the state after ev. Text is only ever appended and artifact
// fields are replaced wholesale. An event without a list leaves the
// previous one in place, so no event clears an artifact.
func Apply(state domain.StreamingState, ev domain.Event) (domain.StreamingState, Signal) {
	switch e := ev.(type) {
	case domain.TextDelta:
		state.Text += e.Text
	case domain.Products:
		if e.List != nil {
			state.Products = e.List
		}
	case domain.CartSnapshot:
		cart := e.Cart
		state.Cart = &cart
	case domain.OrderPlaced:
		order := e.Order
		state.Order = &order
	case domain.OrderSummaryReady:
		summary := e.Summary
		state.OrderSummary = &summary
	case domain.PaymentMethods:
		if e.List != nil {
			state.PaymentMethods = e.List
		}
	case domain.PaymentMethodSelection:
		selected := e.Selected
		if e.List != nil {
			state.PaymentMethods = e.List
		}
		state.SelectedPaymentMethod = &selected
	case domain.Status:
		return state, Signal{Status: status.Extract(e.Raw)}
	case domain.Complete:
		return state, Signal{Complete: true}
	}
	return state, Signal{}
}

// Mutates reports whether ev can change the committed transcript.
func Mutates(ev domain.Event) bool {
	switch ev.(type) {
	case domain.Status, domain.Complete, nil:
		return false
	}
	return true
}
