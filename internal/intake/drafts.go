package intake

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/zombor/invoice-intake/internal/ledger"
)

// SubmissionState only moves forward: draft, submitted, approved.
type SubmissionState string

const (
	StateDraft     SubmissionState = "draft"
	StateSubmitted SubmissionState = "submitted"
	StateApproved  SubmissionState = "approved"
)

func (s SubmissionState) rank() int {
	switch s {
	case StateSubmitted:
		return 1
	case StateApproved:
		return 2
	default:
		return 0
	}
}

// Item is one invoice line. Prices are in minor currency units.
type Item struct {
	Name      string  `json:"name"`
	UnitPrice int64   `json:"unit_price"`
	Quantity  float64 `json:"quantity"`
}

// ItemField names an editable field of an Item
type ItemField string

const (
	FieldName      ItemField = "name"
	FieldUnitPrice ItemField = "unit_price"
	FieldQuantity  ItemField = "quantity"
)

// Draft is the editable invoice for one staged file
type Draft struct {
	FileID         string          `json:"file_id"`
	FileName       string          `json:"file_name"`
	InvoiceID      string          `json:"invoice_id"`
	StoreName      string          `json:"store_name"`
	Address        string          `json:"address"`
	CreatedDate    string          `json:"created_date"`
	Model          string          `json:"model"`
	TotalAmount    int64           `json:"total_amount"`
	Items          []Item          `json:"items"`
	State          SubmissionState `json:"state"`
	RemoteID       string          `json:"remote_id,omitempty"`
	IdempotencyKey string          `json:"-"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (d Draft) clone() Draft {
	d.Items = append([]Item(nil), d.Items...)
	if d.Items == nil {
		d.Items = []Item{}
	}
	return d
}

// HeaderPatch holds the header fields to change; nil fields are left alone.
type HeaderPatch struct {
	InvoiceID   *string `json:"invoice_id,omitempty"`
	StoreName   *string `json:"store_name,omitempty"`
	Address     *string `json:"address,omitempty"`
	CreatedDate *string `json:"created_date,omitempty"`
	Model       *string `json:"model,omitempty"`
	TotalAmount *int64  `json:"total_amount,omitempty"`
}

// Empty reports whether the patch sets nothing
func (p HeaderPatch) Empty() bool {
	return p.InvoiceID == nil && p.StoreName == nil && p.Address == nil &&
		p.CreatedDate == nil && p.Model == nil && p.TotalAmount == nil
}

// DraftStore holds one draft per staged file
type DraftStore struct {
	mu     sync.RWMutex
	drafts map[string]*Draft
	// held marks files with a ledger call in flight
	held   map[string]struct{}
	ids    IDGenerator
	clock  TimeSource
}

func NewDraftStore() *DraftStore {
	return NewDraftStoreWithDeps(&uuidGenerator{}, &defaultTimeSource{})
}

// NewDraftStoreWithDeps creates a store with injectable ID and time sources
func NewDraftStoreWithDeps(ids IDGenerator, clock TimeSource) *DraftStore {
	return &DraftStore{
		drafts: make(map[string]*Draft),
		held:   make(map[string]struct{}),
		ids:    ids,
		clock:  clock,
	}
}

// Upsert replaces the draft for fileID wholesale
func (s *DraftStore) Upsert(fileID string, d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putLocked(fileID, d)
}

// Replace swaps in a freshly extracted draft. It refuses while a ledger call
// holds the file and once the current draft has left the draft state.
func (s *DraftStore) Replace(fileID string, d Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.held[fileID]; busy {
		return ErrSubmissionInFlight
	}
	if cur, ok := s.drafts[fileID]; ok && cur.State != StateDraft {
		return ErrAlreadySubmitted
	}
	s.putLocked(fileID, d)
	return nil
}

func (s *DraftStore) putLocked(fileID string, d Draft) {
	d = d.clone()
	d.FileID = fileID
	if d.State == "" {
		d.State = StateDraft
	}
	d.UpdatedAt = s.clock.Now()
	s.drafts[fileID] = &d
}

// Hold reserves fileID for one ledger call. The returned func releases it.
func (s *DraftStore) Hold(fileID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.held[fileID]; busy {
		return nil, ErrSubmissionInFlight
	}
	s.held[fileID] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.held, fileID)
		s.mu.Unlock()
	}, nil
}

// Held reports whether a ledger call holds fileID
func (s *DraftStore) Held(fileID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.held[fileID]
	return ok
}

// PatchHeader merges the set fields of p into the draft
func (s *DraftStore) PatchHeader(fileID string, p HeaderPatch) error {
	return s.mutate(fileID, func(d *Draft) (bool, error) {
		if p.Empty() {
			return false, nil
		}
		if p.InvoiceID != nil {
			d.InvoiceID = *p.InvoiceID
		}
		if p.StoreName != nil {
			d.StoreName = *p.StoreName
		}
		if p.Address != nil {
			d.Address = *p.Address
		}
		if p.CreatedDate != nil {
			d.CreatedDate = *p.CreatedDate
		}
		if p.Model != nil {
			d.Model = *p.Model
		}
		if p.TotalAmount != nil {
			d.TotalAmount = *p.TotalAmount
		}
		return true, nil
	})
}

// AddItem appends a blank item and returns its index
func (s *DraftStore) AddItem(fileID string) (int, error) {
	var index int
	err := s.mutate(fileID, func(d *Draft) (bool, error) {
		d.Items = append(d.Items, Item{})
		index = len(d.Items) - 1
		return true, nil
	})
	return index, err
}

// UpdateItem sets one field of the item at index. Other fields of the item
// are untouched.
func (s *DraftStore) UpdateItem(fileID string, index int, field ItemField, value any) error {
	return s.UpdateItemFields(fileID, index, map[ItemField]any{field: value})
}

// UpdateItemFields sets several fields of one item. Either every field is
// applied or, on the first bad value, none is.
func (s *DraftStore) UpdateItemFields(fileID string, index int, fields map[ItemField]any) error {
	return s.mutate(fileID, func(d *Draft) (bool, error) {
		if index < 0 || index >= len(d.Items) {
			return false, ErrItemIndex
		}
		if len(fields) == 0 {
			return false, nil
		}
		item := d.Items[index]
		for field := range fields {
			switch field {
			case FieldName, FieldUnitPrice, FieldQuantity:
			default:
				return false, fmt.Errorf("%w: unknown field %q", ErrInvalidValue, field)
			}
		}
		for _, field := range []ItemField{FieldName, FieldUnitPrice, FieldQuantity} {
			value, ok := fields[field]
			if !ok {
				continue
			}
			if err := setItemField(&item, field, value); err != nil {
				return false, err
			}
		}
		d.Items[index] = item
		return true, nil
	})
}

func setItemField(item *Item, field ItemField, value any) error {
	switch field {
	case FieldName:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidValue, field)
		}
		item.Name = v
	case FieldUnitPrice:
		v, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidValue, field)
		}
		item.UnitPrice = int64(math.Round(v))
	case FieldQuantity:
		v, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidValue, field)
		}
		item.Quantity = v
	}
	return nil
}

// RemoveItem deletes the item at index, shifting later items down
func (s *DraftStore) RemoveItem(fileID string, index int) error {
	return s.mutate(fileID, func(d *Draft) (bool, error) {
		if index < 0 || index >= len(d.Items) {
			return false, ErrItemIndex
		}
		d.Items = append(d.Items[:index], d.Items[index+1:]...)
		return true, nil
	})
}

// RecomputeTotal sets the total to the sum of the line amounts and returns it
func (s *DraftStore) RecomputeTotal(fileID string) (int64, error) {
	var total int64
	err := s.mutate(fileID, func(d *Draft) (bool, error) {
		total = 0
		for _, it := range d.Items {
			total += int64(math.Round(float64(it.UnitPrice) * it.Quantity))
		}
		d.TotalAmount = total
		return true, nil
	})
	return total, err
}

// RegenerateInvoiceID assigns a fresh invoice ID and returns it
func (s *DraftStore) RegenerateInvoiceID(fileID string) (string, error) {
	id := s.ids.Generate()
	err := s.mutate(fileID, func(d *Draft) (bool, error) {
		d.InvoiceID = id
		return true, nil
	})
	return id, err
}

// EnsureIdempotencyKey returns the draft's idempotency key, creating it on
// first use. The key stays until the draft is replaced.
func (s *DraftStore) EnsureIdempotencyKey(fileID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[fileID]
	if !ok {
		return "", ErrDraftNotFound
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = s.ids.Generate()
	}
	return d.IdempotencyKey, nil
}

// MarkSubmitted records the ledger's copy of the invoice. Server values win
// over local ones.
func (s *DraftStore) MarkSubmitted(fileID string, remote ledger.Invoice) error {
	return s.mutate(fileID, func(d *Draft) (bool, error) {
		if err := advance(d, StateSubmitted); err != nil {
			return false, err
		}
		d.RemoteID = remote.ID
		if remote.InvoiceID != "" {
			d.InvoiceID = remote.InvoiceID
		}
		if remote.StoreName != "" {
			d.StoreName = remote.StoreName
		}
		if remote.Address != "" {
			d.Address = remote.Address
		}
		if remote.CreatedDate != "" {
			d.CreatedDate = remote.CreatedDate
		}
		if remote.TotalAmount != 0 {
			d.TotalAmount = remote.TotalAmount
		}
		if len(remote.Items) > 0 {
			d.Items = d.Items[:0]
			for _, it := range remote.Items {
				d.Items = append(d.Items, Item{Name: it.Name, UnitPrice: it.UnitPrice, Quantity: it.Quantity})
			}
		}
		return true, nil
	})
}

func (s *DraftStore) MarkApproved(fileID string) error {
	return s.mutate(fileID, func(d *Draft) (bool, error) {
		return true, advance(d, StateApproved)
	})
}

func advance(d *Draft, next SubmissionState) error {
	if next.rank() != d.State.rank()+1 {
		return fmt.Errorf("%w: %s to %s", ErrStateTransition, d.State, next)
	}
	d.State = next
	return nil
}

// Remove deletes the draft and reports whether it existed
func (s *DraftStore) Remove(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.drafts[fileID]
	delete(s.drafts, fileID)
	return ok
}

// Clear removes every draft
func (s *DraftStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = make(map[string]*Draft)
}

func (s *DraftStore) Get(fileID string) (Draft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[fileID]
	if !ok {
		return Draft{}, false
	}
	return d.clone(), true
}

func (s *DraftStore) Has(fileID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.drafts[fileID]
	return ok
}

// List returns all drafts, most recently updated first
func (s *DraftStore) List() []Draft {
	s.mu.RLock()
	out := make([]Draft, 0, len(s.drafts))
	for _, d := range s.drafts {
		out = append(out, d.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].FileID < out[j].FileID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// mutate applies fn to the stored draft. UpdatedAt moves only when fn
// reports a change.
func (s *DraftStore) mutate(fileID string, fn func(d *Draft) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[fileID]
	if !ok {
		return ErrDraftNotFound
	}
	working := d.clone()
	changed, err := fn(&working)
	if err != nil {
		return err
	}
	if changed {
		working.UpdatedAt = s.clock.Now()
		*d = working
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
