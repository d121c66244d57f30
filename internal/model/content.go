package model

import "time"

const (
	MethodManual   = "manual"
	MethodAI       = "ai"
	MethodFallback = "fallback"
)

// AnalyzedContent is the structured product data derived from a caption.
type AnalyzedContent struct {
	ProductName  string  `json:"product_name,omitempty"`
	ProductCode  string  `json:"product_code,omitempty"`
	VendorUID    string  `json:"vendor_uid,omitempty"`
	Quantity     *int    `json:"quantity,omitempty" validate:"omitempty,gte=0"`
	PurchaseDate *string `json:"purchase_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes        string  `json:"notes,omitempty"`
	Caption      string  `json:"caption,omitempty"`

	Parsing ParsingMetadata `json:"parsing_metadata"`
}

type ParsingMetadata struct {
	Method     string    `json:"method" validate:"required,oneof=manual ai fallback"`
	Confidence float64   `json:"confidence" validate:"gte=0,lte=1"`
	ParsedAt   time.Time `json:"timestamp"`
}

// Clone returns a deep copy; the result shares no pointers with c.
func (c *AnalyzedContent) Clone() *AnalyzedContent {
	if c == nil {
		return nil
	}
	out := *c
	if c.Quantity != nil {
		q := *c.Quantity
		out.Quantity = &q
	}
	if c.PurchaseDate != nil {
		d := *c.PurchaseDate
		out.PurchaseDate = &d
	}
	return &out
}

func (c *AnalyzedContent) Equal(other *AnalyzedContent) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ProductName == other.ProductName &&
		c.ProductCode == other.ProductCode &&
		c.VendorUID == other.VendorUID &&
		equalIntPtr(c.Quantity, other.Quantity) &&
		equalStringPtr(c.PurchaseDate, other.PurchaseDate) &&
		c.Notes == other.Notes &&
		c.Caption == other.Caption &&
		c.Parsing.Method == other.Parsing.Method &&
		c.Parsing.Confidence == other.Parsing.Confidence &&
		c.Parsing.ParsedAt.Equal(other.Parsing.ParsedAt)
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
