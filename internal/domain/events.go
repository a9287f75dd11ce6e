package domain

// EventKind is the wire tag that identifies a stream event.
type EventKind string

const (
	KindText                   EventKind = "text"
	KindProducts               EventKind = "products"
	KindCart                   EventKind = "cart"
	KindOrder                  EventKind = "order"
	KindOrderSummary           EventKind = "order_summary"
	KindPaymentMethods         EventKind = "payment_methods"
	KindPaymentMethodSelection EventKind = "payment_method_selection"
	KindStatus                 EventKind = "status"
	KindComplete               EventKind = "complete"
)

// Event is one normalized stream event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// TextDelta carries a fragment of assistant text.
type TextDelta struct {
	Text string
}

// Products carries a full product list snapshot.
type Products struct {
	List []Product
}

// CartSnapshot carries a full cart snapshot.
type CartSnapshot struct {
	Cart Cart
}

// OrderPlaced carries a placed order.
type OrderPlaced struct {
	Order Order
}

// OrderSummaryReady carries an order summary awaiting confirmation.
type OrderSummaryReady struct {
	Summary OrderSummary
}

// PaymentMethods carries the payment options.
type PaymentMethods struct {
	List []PaymentMethod
}

// PaymentMethodSelection carries the payment options and the chosen one.
type PaymentMethodSelection struct {
	List     []PaymentMethod
	Selected PaymentMethod
}

// Status carries a progress ping. Raw is the decoded status payload as received.
type Status struct {
	Raw any
}

// Complete marks the end of the assistant's turn.
type Complete struct{}

func (TextDelta) Kind() EventKind              { return KindText }
func (Products) Kind() EventKind               { return KindProducts }
func (CartSnapshot) Kind() EventKind           { return KindCart }
func (OrderPlaced) Kind() EventKind            { return KindOrder }
func (OrderSummaryReady) Kind() EventKind      { return KindOrderSummary }
func (PaymentMethods) Kind() EventKind         { return KindPaymentMethods }
func (PaymentMethodSelection) Kind() EventKind { return KindPaymentMethodSelection }
func (Status) Kind() EventKind                 { return KindStatus }
func (Complete) Kind() EventKind               { return KindComplete }

func (TextDelta) isEvent()              {}
func (Products) isEvent()               {}
func (CartSnapshot) isEvent()           {}
func (OrderPlaced) isEvent()            {}
func (OrderSummaryReady) isEvent()      {}
func (PaymentMethods) isEvent()         {}
func (PaymentMethodSelection) isEvent() {}
func (Status) isEvent()                 {}
func (Complete) isEvent()               {}
