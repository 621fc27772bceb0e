package intake

import (
	"log/slog"
	"sync"
)

// CollisionPolicy decides what Add does when a new file has the same name as
// a staged one.
type CollisionPolicy int

const (
	// CollisionReplace swaps the metadata in place and keeps the existing ID
	CollisionReplace CollisionPolicy = iota
	// CollisionReject refuses the new file
	CollisionReject
)

// PreviewReleaser frees the resource behind a preview handle
type PreviewReleaser interface {
	Release(ref string) error
}

// AddOutcome describes what happened to one file passed to Add
type AddOutcome struct {
	File     StagedFile
	Replaced bool
	// Previous is the status of the replaced entry
	Previous Status
	Err      error
}

// Registry holds the files staged in the current session, in insertion order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	files    map[string]*StagedFile
	releaser PreviewReleaser
	policy   CollisionPolicy
	ids      IDGenerator
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. releaser may be nil.
func NewRegistry(releaser PreviewReleaser, policy CollisionPolicy) *Registry {
	return &Registry{
		files:    make(map[string]*StagedFile),
		releaser: releaser,
		policy:   policy,
		ids:      &uuidGenerator{},
		logger:   slog.Default(),
	}
}

// Add registers files in order. New entries start idle; a file without an
// ID gets one.
func (r *Registry) Add(files ...StagedFile) []AddOutcome {
	return r.add(false, files)
}

// AddDistinct registers files without name collision handling. Every file
// becomes its own entry even when its name is already staged.
func (r *Registry) AddDistinct(files ...StagedFile) []AddOutcome {
	return r.add(true, files)
}

func (r *Registry) add(distinct bool, files []StagedFile) []AddOutcome {
	outcomes := make([]AddOutcome, 0, len(files))
	var released []string

	r.mu.Lock()
	for _, f := range files {
		f.Status = StatusIdle
		f.ErrorMessage = ""
		if f.ID == "" {
			f.ID = r.ids.Generate()
		}

		var existing *StagedFile
		if !distinct {
			existing = r.byNameLocked(f.Name)
		}
		if existing == nil {
			entry := f
			r.files[entry.ID] = &entry
			r.order = append(r.order, entry.ID)
			outcomes = append(outcomes, AddOutcome{File: entry})
			continue
		}

		if r.policy == CollisionReject {
			outcomes = append(outcomes, AddOutcome{File: f, Err: ErrDuplicateName})
			continue
		}

		previous := existing.Status
		oldRef := existing.PreviewRef

		f.ID = existing.ID
		f.AddedAt = existing.AddedAt
		if previous == StatusLoading {
			f.Status = StatusLoading
		}
		*existing = f

		if oldRef != "" && oldRef != f.PreviewRef {
			released = append(released, oldRef)
		}
		outcomes = append(outcomes, AddOutcome{File: f, Replaced: true, Previous: previous})
	}
	r.mu.Unlock()

	r.release(released...)
	return outcomes
}

// Remove deletes a file and releases its preview. It reports whether the file
// was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	f, ok := r.files[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.files, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	ref := f.PreviewRef
	r.mu.Unlock()

	r.release(ref)
	return true
}

// Clear removes every file and returns the removed IDs
func (r *Registry) Clear() []string {
	r.mu.Lock()
	ids := r.order
	refs := make([]string, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, r.files[id].PreviewRef)
	}
	r.order = nil
	r.files = make(map[string]*StagedFile)
	r.mu.Unlock()

	r.release(refs...)
	return ids
}

// SetStatus updates the extraction status of a file. msg is kept only for
// StatusError.
func (r *Registry) SetStatus(id string, status Status, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return ErrFileNotFound
	}
	f.Status = status
	if status == StatusError {
		f.ErrorMessage = msg
	} else {
		f.ErrorMessage = ""
	}
	return nil
}

// BeginExtraction moves a file to loading. It fails with
// ErrExtractionInFlight when the file is already loading.
func (r *Registry) BeginExtraction(id string) (StagedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return StagedFile{}, ErrFileNotFound
	}
	if f.Status == StatusLoading {
		return StagedFile{}, ErrExtractionInFlight
	}
	f.Status = StatusLoading
	f.ErrorMessage = ""
	return *f, nil
}

func (r *Registry) Get(id string) (StagedFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[id]
	if !ok {
		return StagedFile{}, false
	}
	return *f, true
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.files[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// List returns the staged files in insertion order
func (r *Registry) List() []StagedFile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StagedFile, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.files[id])
	}
	return out
}

// IDsWithStatus returns the IDs of files in any of the given states, in
// insertion order
func (r *Registry) IDsWithStatus(statuses ...Status) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, id := range r.order {
		for _, s := range statuses {
			if r.files[id].Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

func (r *Registry) byNameLocked(name string) *StagedFile {
	for _, id := range r.order {
		if f := r.files[id]; f.Name == name {
			return f
		}
	}
	return nil
}

// release is called after the entry holding ref has left the map, so each
// handle reaches it once.
func (r *Registry) release(refs ...string) {
	if r.releaser == nil {
		return
	}
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := r.releaser.Release(ref); err != nil {
			r.logger.Warn("Failed to release preview", "ref", ref, "error", err)
		}
	}
}
