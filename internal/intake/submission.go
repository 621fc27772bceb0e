package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/invoice-intake/internal/ledger"
)

// Ledger is the part of the ledger API the gateway writes to
type Ledger interface {
	CreateInvoice(ctx context.Context, groupID string, input ledger.InvoiceInput, image ledger.Image, idempotencyKey string) (*ledger.Invoice, error)
	ApproveInvoice(ctx context.Context, groupID, id string) (*ledger.Invoice, error)
	RejectInvoice(ctx context.Context, groupID, id string) (*ledger.Invoice, error)
}

// ImageSource returns the original image of a staged file
type ImageSource interface {
	Image(fileID string) (ledger.Image, error)
}

// Gateway pushes drafts to the ledger
type Gateway struct {
	ledger Ledger
	drafts *DraftStore
	images ImageSource
	logger *slog.Logger
}

func NewGateway(l Ledger, drafts *DraftStore, images ImageSource) *Gateway {
	return &Gateway{
		ledger: l,
		drafts: drafts,
		images: images,
		logger: slog.Default(),
	}
}

// Submit creates the invoice in groupID. Retries reuse the draft's
// idempotency key, so a retried request cannot create a second invoice.
func (g *Gateway) Submit(ctx context.Context, fileID, groupID string) (*ledger.Invoice, error) {
	if groupID == "" {
		return nil, ErrGroupRequired
	}
	release, err := g.drafts.Hold(fileID)
	if err != nil {
		return nil, err
	}
	defer release()

	d, ok := g.drafts.Get(fileID)
	if !ok {
		return nil, ErrDraftNotFound
	}
	if d.State != StateDraft {
		return nil, ErrAlreadySubmitted
	}
	if err := Validate(d); err != nil {
		return nil, classify("submit", err)
	}

	img, err := g.images.Image(fileID)
	if err != nil {
		return nil, err
	}
	key, err := g.drafts.EnsureIdempotencyKey(fileID)
	if err != nil {
		return nil, err
	}

	logger := g.logger.With("file_id", fileID, "group_id", groupID, "idempotency_key", key)
	start := time.Now()
	inv, err := g.ledger.CreateInvoice(ctx, groupID, toInput(d), img, key)
	if err != nil {
		logger.Error("Submit failed", "error", err)
		return nil, classify("submit", err)
	}
	logger.Info("Invoice submitted", "remote_id", inv.ID, "elapsed_ms", time.Since(start).Milliseconds())

	if err := g.drafts.MarkSubmitted(fileID, *inv); err != nil {
		if errors.Is(err, ErrDraftNotFound) {
			logger.Warn("Draft removed while submitting", "remote_id", inv.ID)
			return inv, nil
		}
		return nil, err
	}
	return inv, nil
}

// Approve approves a submitted invoice
func (g *Gateway) Approve(ctx context.Context, fileID, groupID string) (*ledger.Invoice, error) {
	if groupID == "" {
		return nil, ErrGroupRequired
	}
	release, err := g.drafts.Hold(fileID)
	if err != nil {
		return nil, err
	}
	defer release()

	d, ok := g.drafts.Get(fileID)
	if !ok {
		return nil, ErrDraftNotFound
	}
	if d.State != StateSubmitted || d.RemoteID == "" {
		return nil, ErrNotSubmitted
	}

	inv, err := g.ledger.ApproveInvoice(ctx, groupID, d.RemoteID)
	if err != nil {
		g.logger.Error("Approve failed", "file_id", fileID, "remote_id", d.RemoteID, "error", err)
		return nil, classify("approve", err)
	}

	if err := g.drafts.MarkApproved(fileID); err != nil && !errors.Is(err, ErrDraftNotFound) {
		return nil, err
	}
	g.logger.Info("Invoice approved", "file_id", fileID, "remote_id", d.RemoteID)
	return inv, nil
}

// Reject rejects a submitted invoice in the ledger. The local draft keeps its
// state.
func (g *Gateway) Reject(ctx context.Context, fileID, groupID string) (*ledger.Invoice, error) {
	if groupID == "" {
		return nil, ErrGroupRequired
	}
	release, err := g.drafts.Hold(fileID)
	if err != nil {
		return nil, err
	}
	defer release()

	d, ok := g.drafts.Get(fileID)
	if !ok {
		return nil, ErrDraftNotFound
	}
	if d.State != StateSubmitted || d.RemoteID == "" {
		return nil, ErrNotSubmitted
	}

	inv, err := g.ledger.RejectInvoice(ctx, groupID, d.RemoteID)
	if err != nil {
		return nil, classify("reject", err)
	}
	g.logger.Info("Invoice rejected", "file_id", fileID, "remote_id", d.RemoteID)
	return inv, nil
}

// Validate checks a draft before it is sent
func Validate(d Draft) error {
	v := &ValidationError{}

	if strings.TrimSpace(d.StoreName) == "" {
		v.add("store_name", "is required")
	}
	if strings.TrimSpace(d.CreatedDate) == "" {
		v.add("created_date", "is required")
	} else if _, err := time.Parse("2006-01-02", d.CreatedDate); err != nil {
		v.add("created_date", "must be YYYY-MM-DD")
	}
	if d.TotalAmount < 0 {
		v.add("total_amount", "must not be negative")
	}
	for i, it := range d.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.Name) == "" {
			v.add(field+".name", "is required")
		}
		if it.UnitPrice < 0 {
			v.add(field+".unit_price", "must not be negative")
		}
		if it.Quantity <= 0 {
			v.add(field+".quantity", "must be greater than zero")
		}
	}
	return v.orNil()
}

func toInput(d Draft) ledger.InvoiceInput {
	in := ledger.InvoiceInput{
		InvoiceID:   d.InvoiceID,
		StoreName:   strings.TrimSpace(d.StoreName),
		Address:     strings.TrimSpace(d.Address),
		CreatedDate: d.CreatedDate,
		Model:       d.Model,
		TotalAmount: d.TotalAmount,
		Items:       make([]ledger.InvoiceItem, 0, len(d.Items)),
	}
	for _, it := range d.Items {
		in.Items = append(in.Items, ledger.InvoiceItem{
			Name:      strings.TrimSpace(it.Name),
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return in
}
