package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Invoice statuses as reported by the ledger
const (
	InvoicePending  = "pending"
	InvoiceApproved = "approved"
	InvoiceRejected = "rejected"
)

// InvoiceItem is one line of a ledger invoice
type InvoiceItem struct {
	Name      string  `json:"name"`
	UnitPrice int64   `json:"unit_price"`
	Quantity  float64 `json:"quantity"`
}

// InvoiceInput is the payload for creating an invoice
type InvoiceInput struct {
	InvoiceID   string        `json:"invoice_id"`
	StoreName   string        `json:"store_name"`
	Address     string        `json:"address"`
	CreatedDate string        `json:"created_date"`
	Model       string        `json:"model"`
	TotalAmount int64         `json:"total_amount"`
	Items       []InvoiceItem `json:"items"`
}

// Invoice is a ledger record
type Invoice struct {
	ID          string        `json:"id"`
	InvoiceID   string        `json:"invoice_id"`
	StoreName   string        `json:"store_name"`
	Address     string        `json:"address"`
	CreatedDate string        `json:"created_date"`
	Model       string        `json:"model"`
	TotalAmount int64         `json:"total_amount"`
	Items       []InvoiceItem `json:"items"`
	Status      string        `json:"status"`
	ImageURL    string        `json:"image_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Image is the invoice photo uploaded alongside a new record
type Image struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Page selects a page of a list endpoint. Numbers start at 1.
type Page struct {
	Number int
	Size   int
}

// InvoicePage is one page of invoices
type InvoicePage struct {
	Items      []Invoice `json:"items"`
	PageNumber int       `json:"page_number"`
	PageSize   int       `json:"page_size"`
	Total      int       `json:"total"`
}

func invoicesPath(groupID string) string {
	return fmt.Sprintf("/api/group/%s/invoice", url.PathEscape(groupID))
}

func invoicePath(groupID, id string) string {
	return fmt.Sprintf("%s/%s", invoicesPath(groupID), url.PathEscape(id))
}

// ListInvoices returns one page of the group's invoices
func (c *Client) ListInvoices(ctx context.Context, groupID string, page Page) (*InvoicePage, error) {
	if page.Number <= 0 {
		page.Number = 1
	}
	if page.Size <= 0 {
		page.Size = 20
	}
	var out InvoicePage
	err := c.do(ctx, request{
		method: "GET",
		path:   invoicesPath(groupID),
		query: map[string]string{
			"pageNumber": strconv.Itoa(page.Number),
			"pageSize":   strconv.Itoa(page.Size),
		},
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	return &out, nil
}

// GetInvoice returns one invoice
func (c *Client) GetInvoice(ctx context.Context, groupID, id string) (*Invoice, error) {
	var out Invoice
	if err := c.do(ctx, request{method: "GET", path: invoicePath(groupID, id)}, &out); err != nil {
		return nil, fmt.Errorf("getting invoice: %w", err)
	}
	return &out, nil
}

// CreateInvoice uploads a new invoice with its image. The idempotency key
// lets the ledger recognize a retried create.
func (c *Client) CreateInvoice(ctx context.Context, groupID string, input InvoiceInput, image Image, idempotencyKey string) (*Invoice, error) {
	var out Invoice
	err := c.do(ctx, request{
		method:         "POST",
		path:           invoicesPath(groupID),
		body:           invoiceForm(input, image),
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("creating invoice: %w", err)
	}
	return &out, nil
}

// DeleteInvoice removes an invoice
func (c *Client) DeleteInvoice(ctx context.Context, groupID, id string) error {
	if err := c.do(ctx, request{method: "DELETE", path: invoicePath(groupID, id)}, nil); err != nil {
		return fmt.Errorf("deleting invoice: %w", err)
	}
	return nil
}

// ApproveInvoice moves an invoice to approved
func (c *Client) ApproveInvoice(ctx context.Context, groupID, id string) (*Invoice, error) {
	var out Invoice
	if err := c.do(ctx, request{method: "POST", path: invoicePath(groupID, id) + "/approve"}, &out); err != nil {
		return nil, fmt.Errorf("approving invoice: %w", err)
	}
	return &out, nil
}

// RejectInvoice moves an invoice to rejected
func (c *Client) RejectInvoice(ctx context.Context, groupID, id string) (*Invoice, error) {
	var out Invoice
	if err := c.do(ctx, request{method: "POST", path: invoicePath(groupID, id) + "/reject"}, &out); err != nil {
		return nil, fmt.Errorf("rejecting invoice: %w", err)
	}
	return &out, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// invoiceForm builds the multipart body: a "data" JSON part and an "image"
// file part.
func invoiceForm(input InvoiceInput, image Image) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, "", fmt.Errorf("marshaling invoice: %w", err)
		}

		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("data", string(data)); err != nil {
			return nil, "", err
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(image.Name)))
		mimeType := image.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(image.Data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}
}
