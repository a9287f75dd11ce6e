package stream

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

func fold(events ...domain.Event) (domain.StreamingState, []Signal) {
	var state domain.StreamingState
	var signals []Signal
	for _, ev := range events {
		var sig Signal
		state, sig = Apply(state, ev)
		signals = append(signals, sig)
	}
	return state, signals
}

func TestApply_TextMonotonic(t *testing.T) {
	state, _ := fold(
		domain.TextDelta{Text: "Hi"},
		domain.CartSnapshot{Cart: domain.Cart{Items: []domain.CartItem{}}},
		domain.TextDelta{Text: " there"},
	)
	if state.Text != "Hi there" {
		t.Errorf("Text = %q, want %q", state.Text, "Hi there")
	}
}

func TestApply_ArtifactsReplacedWholesale(t *testing.T) {
	first := []domain.Product{{ID: "p1"}, {ID: "p2"}}
	second := []domain.Product{{ID: "p3"}}

	state, _ := fold(
		domain.Products{List: first},
		domain.Products{List: second},
	)
	if diff := cmp.Diff(second, state.Products); diff != "" {
		t.Errorf("Products mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_ArtifactsPersistAcrossText(t *testing.T) {
	cart := domain.Cart{Items: []domain.CartItem{{ProductID: "p1", Quantity: 1}}, TotalItems: 1, Subtotal: 50}
	order := domain.Order{OrderID: "ord-1"}

	state, _ := fold(
		domain.CartSnapshot{Cart: cart},
		domain.TextDelta{Text: "Added."},
		domain.OrderPlaced{Order: order},
		domain.TextDelta{Text: " Done."},
		domain.Status{Raw: "working"},
	)

	if state.Cart == nil {
		t.Fatal("Cart = nil, want cart kept after text")
	}
	if diff := cmp.Diff(cart, *state.Cart); diff != "" {
		t.Errorf("Cart mismatch (-want +got):\n%s", diff)
	}
	if state.Order == nil || state.Order.OrderID != "ord-1" {
		t.Errorf("Order = %v, want ord-1", state.Order)
	}
}

func TestApply_PaymentMethodSelection(t *testing.T) {
	list := []domain.PaymentMethod{{ID: "pm_1"}, {ID: "pm_2"}}

	state, _ := fold(
		domain.PaymentMethods{List: []domain.PaymentMethod{{ID: "pm_old"}}},
		domain.PaymentMethodSelection{List: list, Selected: list[1]},
	)

	if diff := cmp.Diff(list, state.PaymentMethods); diff != "" {
		t.Errorf("PaymentMethods mismatch (-want +got):\n%s", diff)
	}
	if state.SelectedPaymentMethod == nil || state.SelectedPaymentMethod.ID != "pm_2" {
		t.Errorf("SelectedPaymentMethod = %v, want pm_2", state.SelectedPaymentMethod)
	}
}

func TestApply_EventWithoutListKeepsArtifact(t *testing.T) {
	products := []domain.Product{{ID: "p1"}}
	methods := []domain.PaymentMethod{{ID: "pm_1"}}

	state, _ := fold(
		domain.Products{List: products},
		domain.PaymentMethods{List: methods},
		domain.Products{},
		domain.PaymentMethods{},
		domain.PaymentMethodSelection{Selected: methods[0]},
	)

	if diff := cmp.Diff(products, state.Products); diff != "" {
		t.Errorf("Products mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(methods, state.PaymentMethods); diff != "" {
		t.Errorf("PaymentMethods mismatch (-want +got):\n%s", diff)
	}
	if state.SelectedPaymentMethod == nil || state.SelectedPaymentMethod.ID != "pm_1" {
		t.Errorf("SelectedPaymentMethod = %v, want pm_1", state.SelectedPaymentMethod)
	}
}

func TestApply_EmptyListReplaces(t *testing.T) {
	state, _ := fold(
		domain.Products{List: []domain.Product{{ID: "p1"}}},
		domain.Products{List: []domain.Product{}},
	)
	if state.Products == nil || len(state.Products) != 0 {
		t.Errorf("Products = %v, want empty non-nil list", state.Products)
	}
}

func TestApply_OrderSummary(t *testing.T) {
	state, _ := fold(domain.OrderSummaryReady{Summary: domain.OrderSummary{ItemCount: 2, TotalAmount: 120}})
	if state.OrderSummary == nil || state.OrderSummary.ItemCount != 2 {
		t.Errorf("OrderSummary = %v, want item_count 2", state.OrderSummary)
	}
}

func TestApply_StatusDoesNotMutate(t *testing.T) {
	before := domain.StreamingState{Text: "Looking"}
	after, sig := Apply(before, domain.Status{Raw: map[string]any{"message": "Searching for products..."}})

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("state changed on status (-before +after):\n%s", diff)
	}
	if sig.Status != "Searching for products..." {
		t.Errorf("Signal.Status = %q, want %q", sig.Status, "Searching for products...")
	}
	if sig.Complete {
		t.Error("Signal.Complete = true, want false")
	}
}

func TestApply_Complete(t *testing.T) {
	before := domain.StreamingState{Text: "Done"}
	after, sig := Apply(before, domain.Complete{})
	if !sig.Complete {
		t.Error("Signal.Complete = false, want true")
	}
	if after.Text != "Done" {
		t.Errorf("Text = %q, want %q", after.Text, "Done")
	}
}

func TestApply_DoesNotAliasPreviousState(t *testing.T) {
	s0 := domain.StreamingState{}
	s1, _ := Apply(s0, domain.CartSnapshot{Cart: domain.Cart{TotalItems: 1}})
	s2, _ := Apply(s1, domain.CartSnapshot{Cart: domain.Cart{TotalItems: 2}})

	if s0.Cart != nil {
		t.Error("original state mutated")
	}
	if s1.Cart.TotalItems != 1 {
		t.Errorf("s1.Cart.TotalItems = %d, want 1", s1.Cart.TotalItems)
	}
	if s2.Cart.TotalItems != 2 {
		t.Errorf("s2.Cart.TotalItems = %d, want 2", s2.Cart.TotalItems)
	}
}

func TestMutates(t *testing.T) {
	tests := []struct {
		ev   domain.Event
		want bool
	}{
		{domain.TextDelta{Text: "x"}, true},
		{domain.Products{}, true},
		{domain.PaymentMethodSelection{}, true},
		{domain.Status{}, false},
		{domain.Complete{}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := Mutates(tt.ev); got != tt.want {
			t.Errorf("Mutates(%T) = %v, want %v", tt.ev, got, tt.want)
		}
	}
}
