package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/invoice-intake/internal/extraction"
)

const (
	DefaultExtractionTimeout = 5 * time.Minute
	DefaultConcurrency       = 4
)

// Coordinator runs extractions and is the only writer that moves a file to
// success or error.
type Coordinator struct {
	registry  *Registry
	drafts    *DraftStore
	blobs     BlobStore
	extractor extraction.Extractor
	ids       IDGenerator
	logger    *slog.Logger

	// Timeout bounds one remote extraction call
	Timeout time.Duration
	// Concurrency bounds ExtractAll
	Concurrency int

	// commit serializes applying results against removals
	commit sync.Mutex
}

func NewCoordinator(registry *Registry, drafts *DraftStore, blobs BlobStore, extractor extraction.Extractor) *Coordinator {
	return NewCoordinatorWithDeps(registry, drafts, blobs, extractor, &uuidGenerator{})
}

// NewCoordinatorWithDeps creates a coordinator with an injectable ID generator
// for invoice IDs
func NewCoordinatorWithDeps(registry *Registry, drafts *DraftStore, blobs BlobStore, extractor extraction.Extractor, ids IDGenerator) *Coordinator {
	return &Coordinator{
		registry:    registry,
		drafts:      drafts,
		blobs:       blobs,
		extractor:   extractor,
		ids:         ids,
		logger:      slog.Default(),
		Timeout:     DefaultExtractionTimeout,
		Concurrency: DefaultConcurrency,
	}
}

// Stage registers files. A file that replaces an extracted one loses its
// draft.
func (c *Coordinator) Stage(files ...StagedFile) []AddOutcome {
	c.commit.Lock()
	defer c.commit.Unlock()

	return c.dropReplaced(c.registry.Add(files...))
}

// StageDistinct registers files as new entries regardless of their names
func (c *Coordinator) StageDistinct(files ...StagedFile) []AddOutcome {
	c.commit.Lock()
	defer c.commit.Unlock()

	return c.registry.AddDistinct(files...)
}

func (c *Coordinator) dropReplaced(outcomes []AddOutcome) []AddOutcome {
	for _, o := range outcomes {
		if o.Replaced && o.Previous != StatusLoading {
			c.drafts.Remove(o.File.ID)
		}
	}
	return outcomes
}

// Extract runs one extraction for fileID. Only one extraction per file is in
// flight at a time, and a result never replaces a draft that is being or has
// been submitted.
func (c *Coordinator) Extract(ctx context.Context, fileID, model string) error {
	if c.drafts.Held(fileID) {
		return ErrSubmissionInFlight
	}
	if d, ok := c.drafts.Get(fileID); ok && d.State != StateDraft {
		return ErrAlreadySubmitted
	}

	file, err := c.registry.BeginExtraction(fileID)
	if err != nil {
		return err
	}

	logger := c.logger.With("file_id", fileID, "file", file.Name, "model", model)
	logger.Info("Starting extraction")

	result, err := c.run(ctx, file, model)

	c.commit.Lock()
	defer c.commit.Unlock()

	if !c.registry.Has(fileID) {
		logger.Info("Discarding extraction result for removed file")
		return nil
	}

	if err != nil {
		if held := c.settled(fileID); held != nil {
			logger.Info("Ignoring extraction failure for submitted draft", "error", err)
			return c.restore(fileID, held)
		}
		logger.Error("Extraction failed", "error", err)
		if serr := c.registry.SetStatus(fileID, StatusError, failureMessage(err)); serr != nil {
			return serr
		}
		return err
	}

	if err := c.drafts.Replace(fileID, c.draftFromResult(file, model, result)); err != nil {
		logger.Info("Discarding extraction result for submitted draft", "reason", err)
		return c.restore(fileID, err)
	}
	if err := c.registry.SetStatus(fileID, StatusSuccess, ""); err != nil {
		return err
	}
	logger.Info("Extraction complete", "record_found", result.Found())
	return nil
}

// settled reports why a draft must not change under a finished extraction
func (c *Coordinator) settled(fileID string) error {
	if c.drafts.Held(fileID) {
		return ErrSubmissionInFlight
	}
	if d, ok := c.drafts.Get(fileID); ok && d.State != StateDraft {
		return ErrAlreadySubmitted
	}
	return nil
}

// restore puts a file back to the status matching its draft after a
// discarded result and returns reason
func (c *Coordinator) restore(fileID string, reason error) error {
	status := StatusIdle
	if c.drafts.Has(fileID) {
		status = StatusSuccess
	}
	if err := c.registry.SetStatus(fileID, status, ""); err != nil {
		return err
	}
	return reason
}

func (c *Coordinator) run(ctx context.Context, file StagedFile, model string) (extraction.Result, error) {
	data, err := c.blobs.Get(file.PreviewRef)
	if err != nil {
		return extraction.Result{}, fmt.Errorf("reading staged file: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultExtractionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return c.extractor.Extract(ctx, extraction.File{
		Name:     file.Name,
		MIMEType: file.MIMEType,
		Data:     data,
	}, model)
}

// Outcome is the result of one file in a batch
type Outcome struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BatchReport lists the outcome of every file an ExtractAll call picked up
type BatchReport struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Failed counts the outcomes that did not succeed
func (b BatchReport) Failed() int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Status != StatusSuccess {
			n++
		}
	}
	return n
}

// ExtractAll extracts every idle or errored file. Failures do not stop the
// other files and nothing is rolled back.
func (c *Coordinator) ExtractAll(ctx context.Context, model string) BatchReport {
	ids := c.registry.IDsWithStatus(StatusIdle, StatusError)
	report := BatchReport{Outcomes: make([]Outcome, len(ids))}

	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			err := c.Extract(ctx, id, model)
			out := Outcome{FileID: id}
			if f, ok := c.registry.Get(id); ok {
				out.Name = f.Name
				out.Status = f.Status
			}
			if err != nil {
				out.Error = err.Error()
				if out.Status == StatusSuccess || out.Status == "" {
					out.Status = StatusError
				}
			}
			report.Outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("Batch extraction finished", "files", len(ids), "failed", report.Failed())
	return report
}

// Discard removes a file and its draft together
func (c *Coordinator) Discard(fileID string) bool {
	c.commit.Lock()
	defer c.commit.Unlock()

	removed := c.registry.Remove(fileID)
	c.drafts.Remove(fileID)
	return removed
}

// DiscardAll empties the registry and the draft store
func (c *Coordinator) DiscardAll() int {
	c.commit.Lock()
	defer c.commit.Unlock()

	ids := c.registry.Clear()
	c.drafts.Clear()
	return len(ids)
}

// draftFromResult fills defaults for everything the extractor left out
func (c *Coordinator) draftFromResult(file StagedFile, model string, result extraction.Result) Draft {
	d := Draft{
		FileName: file.Name,
		Model:    model,
		Items:    []Item{},
		State:    StateDraft,
	}

	rec := result.Record
	if rec == nil {
		d.InvoiceID = c.ids.Generate()
		return d
	}

	d.InvoiceID = deref(rec.InvoiceID)
	if d.InvoiceID == "" {
		d.InvoiceID = c.ids.Generate()
	}
	d.StoreName = deref(rec.StoreName)
	d.Address = deref(rec.Address)
	d.CreatedDate = deref(rec.CreatedDate)
	d.TotalAmount = amount(rec.TotalAmount)
	for _, it := range rec.Items {
		item := Item{
			Name:      deref(it.Name),
			UnitPrice: amount(it.UnitPrice),
		}
		if it.Quantity != nil {
			item.Quantity = *it.Quantity
		}
		d.Items = append(d.Items, item)
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func amount(f *float64) int64 {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return 0
	}
	return int64(math.Round(*f))
}

func failureMessage(err error) string {
	var xerr *extraction.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "extraction timed out"
	case errors.As(err, &xerr) && xerr.Message != "":
		return xerr.Message
	default:
		return err.Error()
	}
}
