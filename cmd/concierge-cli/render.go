package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// printNew renders assistant messages from index from onwards and returns the
// new printed count. User messages are echoed by the terminal already.
func printNew(w io.Writer, msgs []domain.Message, from int) int {
	for i := from; i < len(msgs); i++ {
		if msgs[i].Role == domain.RoleAssistant {
			renderMessage(w, msgs[i])
		}
	}
	if len(msgs) > from {
		return len(msgs)
	}
	return from
}

func renderMessage(w io.Writer, m domain.Message) {
	if m.Content != "" {
		fmt.Fprintf(w, "concierge: %s\n", m.Content)
	}
	for _, p := range m.Products {
		fmt.Fprintf(w, "  * %s  %s\n", p.Name, money(p.Price))
	}
	if m.Cart != nil {
		fmt.Fprintf(w, "  cart: %d item(s), subtotal %s\n", m.Cart.TotalItems, money(m.Cart.Subtotal))
		for _, item := range m.Cart.Items {
			fmt.Fprintf(w, "    %dx %s\n", item.Quantity, itemName(item.Name, item.ProductID))
		}
	}
	if s := m.OrderSummary; s != nil {
		fmt.Fprintf(w, "  order summary: %d item(s), total %s\n", s.ItemCount, money(s.TotalAmount))
		if s.ShippingAddress != "" {
			fmt.Fprintf(w, "    ship to %s\n", s.ShippingAddress)
		}
	}
	if len(m.PaymentMethods) > 0 {
		names := make([]string, 0, len(m.PaymentMethods))
		for _, pm := range m.PaymentMethods {
			names = append(names, paymentName(pm))
		}
		fmt.Fprintf(w, "  payment options: %s\n", strings.Join(names, ", "))
	}
	if pm := m.SelectedPaymentMethod; pm != nil {
		fmt.Fprintf(w, "  paying with %s\n", paymentName(*pm))
	}
	if o := m.Order; o != nil {
		fmt.Fprintf(w, "  order %s %s, total %s\n", o.OrderID, o.Status, money(o.TotalAmount))
	}
}

func money(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

func itemName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func paymentName(pm domain.PaymentMethod) string {
	if pm.DisplayName != "" {
		return pm.DisplayName
	}
	return pm.ID
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "never"
	}
	return time.Unix(sec, 0).Format(time.RFC3339)
}
