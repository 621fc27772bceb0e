package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zombor/invoice-intake/internal/imaging"
)

// FolderProvider exposes document-scanner drop folders as capture devices.
// Every subdirectory of root is a device; its newest image is the current
// frame.
type FolderProvider struct {
	root string
}

// NewFolderProvider creates a provider rooted at root
func NewFolderProvider(root string) *FolderProvider {
	return &FolderProvider{root: root}
}

func classifyFS(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return &Error{Kind: KindPermissionDenied, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return &Error{Kind: KindNotSupported, Err: err}
	default:
		return &Error{Kind: KindUnknown, Err: err}
	}
}

// Devices lists the subdirectories of root in name order
func (p *FolderProvider) Devices(ctx context.Context) ([]Device, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, classifyFS(err)
	}

	devices := make([]Device, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		devices = append(devices, &folderDevice{
			name: e.Name(),
			path: filepath.Join(p.root, e.Name()),
		})
	}
	if len(devices) == 0 {
		return nil, &Error{Kind: KindDeviceNotFound, Err: fmt.Errorf("no device folders under %s", p.root)}
	}
	return devices, nil
}

type folderDevice struct {
	name string
	path string
}

func (d *folderDevice) ID() string    { return d.path }
func (d *folderDevice) Label() string { return d.name }

func (d *folderDevice) Open(ctx context.Context) (Stream, error) {
	if _, err := os.ReadDir(d.path); err != nil {
		return nil, classifyFS(err)
	}
	return &folderStream{path: d.path}, nil
}

type folderStream struct {
	path string

	mu      sync.Mutex
	stopped bool
}

// Frame decodes the newest supported image in the folder
func (s *folderStream) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("stream stopped")
	}

	entries, err := os.ReadDir(s.path)
	if err != nil {
		return nil, classifyFS(err)
	}

	type candidate struct {
		path string
		info fs.FileInfo
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !imaging.IsSupported(imaging.DetectMIME(e.Name(), nil)) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(s.path, e.Name()), info: info})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no frame available in %s", s.path)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].info.ModTime().After(candidates[j].info.ModTime())
	})

	newest := candidates[0].path
	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, classifyFS(err)
	}
	img, err := imaging.Decode(data, imaging.DetectMIME(newest, data))
	if err != nil {
		return nil, fmt.Errorf("decoding frame %s: %w", filepath.Base(newest), err)
	}
	return img, nil
}

func (s *folderStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
