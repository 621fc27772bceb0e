package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/invoice-intake/internal/capture"
	"github.com/zombor/invoice-intake/internal/extraction"
	"github.com/zombor/invoice-intake/internal/imaging"
	"github.com/zombor/invoice-intake/internal/ledger"
)

// IntakePath is a way files enter the session
type IntakePath struct {
	Name string
	// AutoExtract starts extraction as soon as a file is staged
	AutoExtract bool
	// Distinct stages every file as a new entry; names never collide
	Distinct bool
}

var (
	UploadPath = IntakePath{Name: "upload"}
	CameraPath = IntakePath{Name: "camera", AutoExtract: true, Distinct: true}
)

// Upload is one file handed to Stage
type Upload struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Config configures a Session
type Config struct {
	DefaultModel string
	Collision    CollisionPolicy
}

// Session is one user's intake workspace: staged files, their drafts and the
// selected group.
type Session struct {
	registry    *Registry
	drafts      *DraftStore
	coordinator *Coordinator
	gateway     *Gateway
	blobs       BlobStore
	ids         IDGenerator
	clock       TimeSource
	logger      *slog.Logger
	model       string

	mu      sync.RWMutex
	groupID string

	// background extractions started by auto-extract paths
	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(cfg Config, blobs BlobStore, extractor extraction.Extractor, l Ledger) *Session {
	return NewSessionWithDeps(cfg, blobs, extractor, l, &uuidGenerator{}, &defaultTimeSource{})
}

// NewSessionWithDeps creates a session with injectable ID and time sources
func NewSessionWithDeps(cfg Config, blobs BlobStore, extractor extraction.Extractor, l Ledger, ids IDGenerator, clock TimeSource) *Session {
	registry := NewRegistry(blobReleaser{blobs: blobs}, cfg.Collision)
	registry.ids = ids
	drafts := NewDraftStoreWithDeps(ids, clock)

	bg, cancel := context.WithCancel(context.Background())
	s := &Session{
		registry:    registry,
		drafts:      drafts,
		coordinator: NewCoordinatorWithDeps(registry, drafts, blobs, extractor, ids),
		blobs:       blobs,
		ids:         ids,
		clock:       clock,
		logger:      slog.Default(),
		model:       cfg.DefaultModel,
		bg:          bg,
		cancel:      cancel,
	}
	s.gateway = NewGateway(l, drafts, s)
	return s
}

func (s *Session) Registry() *Registry       { return s.registry }
func (s *Session) Drafts() *DraftStore       { return s.drafts }
func (s *Session) Coordinator() *Coordinator { return s.coordinator }

// Stage stores and registers files. Files that fail checks are skipped and
// reported in the returned error; the rest are staged.
func (s *Session) Stage(ctx context.Context, path IntakePath, uploads ...Upload) ([]StagedFile, error) {
	var (
		files []StagedFile
		errs  []error
	)

	for _, u := range uploads {
		f, err := s.store(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.Name, err))
			continue
		}
		files = append(files, f)
	}

	var outcomes []AddOutcome
	if path.Distinct {
		outcomes = s.coordinator.StageDistinct(files...)
	} else {
		outcomes = s.coordinator.Stage(files...)
	}

	var staged []StagedFile
	for _, o := range outcomes {
		if o.Err != nil {
			if err := s.blobs.Delete(o.File.PreviewRef); err != nil {
				s.logger.Warn("Failed to delete rejected blob", "ref", o.File.PreviewRef, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", o.File.Name, o.Err))
			continue
		}
		staged = append(staged, o.File)
		s.logger.Info("File staged", "file_id", o.File.ID, "file", o.File.Name, "path", path.Name, "replaced", o.Replaced)
	}

	if path.AutoExtract {
		for _, f := range staged {
			s.extractAsync(f.ID)
		}
	}

	return staged, errors.Join(errs...)
}

func (s *Session) store(u Upload) (StagedFile, error) {
	if len(u.Data) == 0 {
		return StagedFile{}, ErrEmptyFile
	}
	mimeType := u.MIMEType
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = imaging.DetectMIME(u.Name, u.Data)
	}
	if !imaging.IsSupported(mimeType) {
		return StagedFile{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, mimeType)
	}

	id := s.ids.Generate()
	ref, err := s.blobs.Save(id+"_"+sanitizeFilename(u.Name), u.Data)
	if err != nil {
		return StagedFile{}, fmt.Errorf("saving file: %w", err)
	}

	return StagedFile{
		ID:         id,
		Name:       u.Name,
		PreviewRef: ref,
		SizeBytes:  int64(len(u.Data)),
		MIMEType:   mimeType,
		AddedAt:    s.clock.Now(),
	}, nil
}

func (s *Session) extractAsync(fileID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.coordinator.Extract(s.bg, fileID, s.model); err != nil {
			s.logger.Warn("Automatic extraction failed", "file_id", fileID, "error", err)
		}
	}()
}

// Captured stages a camera image. It makes Session a capture.Sink.
func (s *Session) Captured(ctx context.Context, img capture.Image) error {
	_, err := s.Stage(ctx, CameraPath, Upload{
		Name:     img.ID,
		MIMEType: img.MIMEType,
		Data:     img.Data,
	})
	return err
}

// Extract runs extraction for one file. An empty model uses the default.
func (s *Session) Extract(ctx context.Context, fileID, model string) error {
	return s.coordinator.Extract(ctx, fileID, s.modelOr(model))
}

func (s *Session) ExtractAll(ctx context.Context, model string) BatchReport {
	return s.coordinator.ExtractAll(ctx, s.modelOr(model))
}

func (s *Session) modelOr(model string) string {
	if model == "" {
		return s.model
	}
	return model
}

// Remove discards a file and its draft
func (s *Session) Remove(fileID string) bool {
	return s.coordinator.Discard(fileID)
}

// Clear discards every file and draft
func (s *Session) Clear() int {
	return s.coordinator.DiscardAll()
}

// SelectGroup switches the target group. Staged files and drafts stay.
func (s *Session) SelectGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupID = groupID
}

func (s *Session) Group() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupID
}

func (s *Session) Submit(ctx context.Context, fileID string) (*ledger.Invoice, error) {
	return s.gateway.Submit(ctx, fileID, s.Group())
}

// Approve approves a draft, submitting it first if it has not been sent yet
func (s *Session) Approve(ctx context.Context, fileID string) (*ledger.Invoice, error) {
	group := s.Group()
	if group == "" {
		return nil, ErrGroupRequired
	}
	d, ok := s.drafts.Get(fileID)
	if !ok {
		return nil, ErrDraftNotFound
	}
	if d.State == StateDraft {
		if _, err := s.gateway.Submit(ctx, fileID, group); err != nil {
			return nil, err
		}
	}
	return s.gateway.Approve(ctx, fileID, group)
}

func (s *Session) Reject(ctx context.Context, fileID string) (*ledger.Invoice, error) {
	return s.gateway.Reject(ctx, fileID, s.Group())
}

// Image returns the original bytes of a staged file
func (s *Session) Image(fileID string) (ledger.Image, error) {
	f, ok := s.registry.Get(fileID)
	if !ok {
		return ledger.Image{}, ErrFileNotFound
	}
	data, err := s.blobs.Get(f.PreviewRef)
	if err != nil {
		return ledger.Image{}, fmt.Errorf("reading staged file: %w", err)
	}
	return ledger.Image{Name: f.Name, MIMEType: f.MIMEType, Data: data}, nil
}

// Wait blocks until background extractions finish
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close cancels background extractions, waits for them and releases every
// staged file.
func (s *Session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.Clear()
	return nil
}
