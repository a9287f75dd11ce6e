package domain

import (
	"encoding/base64"
	"strings"
	"time"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the transcript. Only the assistant message of the
// in-flight turn is ever modified after it is appended.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ImageURL  string    `json:"image_url,omitempty"`

	Products              []Product       `json:"products,omitempty"`
	Cart                  *Cart           `json:"cart,omitempty"`
	Order                 *Order          `json:"order,omitempty"`
	OrderSummary          *OrderSummary   `json:"order_summary,omitempty"`
	PaymentMethods        []PaymentMethod `json:"payment_methods,omitempty"`
	SelectedPaymentMethod *PaymentMethod  `json:"selected_payment_method,omitempty"`
}

// StreamingState is the running snapshot of one in-flight turn. A nil artifact
// field means the turn has not received that artifact.
type StreamingState struct {
	Text string

	Products              []Product
	Cart                  *Cart
	Order                 *Order
	OrderSummary          *OrderSummary
	PaymentMethods        []PaymentMethod
	SelectedPaymentMethod *PaymentMethod
}

// HasArtifacts reports whether any artifact has been received in this turn.
func (s StreamingState) HasArtifacts() bool {
	return s.Products != nil ||
		s.Cart != nil ||
		s.Order != nil ||
		s.OrderSummary != nil ||
		s.PaymentMethods != nil ||
		s.SelectedPaymentMethod != nil
}

// HasContent reports whether the turn produced anything worth keeping.
func (s StreamingState) HasContent() bool {
	return s.Text != "" || s.HasArtifacts()
}

// ApplyArtifacts copies the state's set artifact fields onto m. Unset fields
// leave m untouched.
func (s StreamingState) ApplyArtifacts(m *Message) {
	if s.Products != nil {
		m.Products = s.Products
	}
	if s.Cart != nil {
		m.Cart = s.Cart
	}
	if s.Order != nil {
		m.Order = s.Order
	}
	if s.OrderSummary != nil {
		m.OrderSummary = s.OrderSummary
	}
	if s.PaymentMethods != nil {
		m.PaymentMethods = s.PaymentMethods
	}
	if s.SelectedPaymentMethod != nil {
		m.SelectedPaymentMethod = s.SelectedPaymentMethod
	}
}

// Image is an image attached to a submission.
type Image struct {
	Name     string
	MimeType string
	Data     []byte
	// URL is set when the image is already hosted; Data may then be empty.
	URL string
}

// DisplayURL returns a URL the browser can render: the hosted URL when present,
// otherwise a data URL of the inline bytes.
func (img *Image) DisplayURL() string {
	if img == nil {
		return ""
	}
	if img.URL != "" {
		return img.URL
	}
	if len(img.Data) == 0 {
		return ""
	}
	return "data:" + img.MimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Submission is one user turn: text, one image, or both.
type Submission struct {
	Text  string
	Image *Image
}

// IsEmpty reports whether the submission carries neither text nor an image.
func (s Submission) IsEmpty() bool {
	return strings.TrimSpace(s.Text) == "" && s.Image == nil
}
