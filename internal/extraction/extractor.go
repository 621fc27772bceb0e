package extraction

import (
	"context"
	"fmt"
)

// File is one staged invoice handed to an extractor.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Item is one extracted line item. Absent fields stay nil.
type Item struct {
	Name      *string  `json:"name"`
	UnitPrice *float64 `json:"unit_price"`
	Quantity  *float64 `json:"quantity"`
}

// Record is the structured invoice an extraction produced. Every field is
// optional; callers fill defaults.
type Record struct {
	InvoiceID   *string  `json:"invoice_id"`
	StoreName   *string  `json:"store_name"`
	Address     *string  `json:"address"`
	CreatedDate *string  `json:"created_date"`
	TotalAmount *float64 `json:"total_amount"`
	Items       []Item   `json:"items"`
}

// Result holds zero or one record.
type Result struct {
	Record *Record
}

// Found reports whether the extraction produced a record.
func (r Result) Found() bool {
	return r.Record != nil
}

// Extractor turns an invoice image into structured data.
type Extractor interface {
	// Extract runs the model against the file. The context bounds the call.
	Extract(ctx context.Context, file File, model string) (Result, error)
	// Close releases any client resources
	Close() error
}

// Error is a failed extraction call. StatusCode is zero for transport
// failures.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("extraction failed (status %d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("extraction failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("extraction failed: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func str(s string) *string { return &s }

func num(f float64) *float64 { return &f }
