package domain

// Product is one entry of a product list artifact.
type Product struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	ImageURL      string   `json:"image_url,omitempty"`
	Price         float64  `json:"price"`
	PriceUSDUnits *float64 `json:"price_usd_units,omitempty"`
	Distance      float64  `json:"distance,omitempty"`
}

// CartItem is a line of the shopping cart.
type CartItem struct {
	CartItemID string  `json:"cart_item_id,omitempty"`
	ProductID  string  `json:"product_id"`
	Name       string  `json:"name,omitempty"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	Subtotal   float64 `json:"subtotal,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
}

// Cart is a snapshot of the shopping cart.
type Cart struct {
	Items      []CartItem `json:"items"`
	TotalItems int        `json:"total_items"`
	Subtotal   float64    `json:"subtotal"`
}

// OrderItem is a line of an order or an order summary.
type OrderItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Subtotal  float64 `json:"subtotal,omitempty"`
}

// Order is a placed order.
type Order struct {
	OrderID         string      `json:"order_id"`
	Status          string      `json:"status"`
	Items           []OrderItem `json:"items"`
	TotalAmount     float64     `json:"total_amount"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	CreatedAt       string      `json:"created_at,omitempty"`
}

// OrderSummary is the pre-checkout summary the agent asks the user to confirm.
type OrderSummary struct {
	Items           []OrderItem `json:"items"`
	TotalAmount     float64     `json:"total_amount"`
	ShippingAddress string      `json:"shipping_address,omitempty"`
	ItemCount       int         `json:"item_count"`
}

// PaymentMethod is a payment option offered to the user.
type PaymentMethod struct {
	ID          string `json:"id"`
	Type        string `json:"type,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Brand       string `json:"brand,omitempty"`
	Last4       string `json:"last4,omitempty"`
	IsDefault   bool   `json:"is_default,omitempty"`
}
