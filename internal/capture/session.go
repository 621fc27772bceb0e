package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zombor/invoice-intake/internal/imaging"
)

// Session owns one device stream at a time and turns frames into staged
// images. A Session is never shared between concurrent users of a camera.
type Session struct {
	provider Provider
	sink     Sink
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	devices []Device
	index   int
	stream  Stream

	busy atomic.Bool
}

// NewSession creates a capture session. sink may be nil, in which case
// captured images are only returned to the caller.
func NewSession(provider Provider, sink Sink) *Session {
	return &Session{
		provider: provider,
		sink:     sink,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// NewSessionWithClock creates a session with a custom clock for testing
func NewSessionWithClock(provider Provider, sink Sink, now func() time.Time) *Session {
	s := NewSession(provider, sink)
	s.now = now
	return s
}

// Acquire enumerates devices and opens the current one. It is a no-op when a
// stream is already open.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	devices, err := s.provider.Devices(ctx)
	if err != nil {
		return wrap(KindUnknown, err)
	}
	if len(devices) == 0 {
		return &Error{Kind: KindDeviceNotFound, Err: fmt.Errorf("no capture devices available")}
	}
	s.devices = devices
	if s.index >= len(devices) {
		s.index = 0
	}

	device := devices[s.index]
	stream, err := device.Open(ctx)
	if err != nil {
		return wrap(KindUnknown, err)
	}
	s.stream = stream
	s.logger.Info("Camera acquired", "device", device.ID(), "label", device.Label())
	return nil
}

// Capture grabs the current frame, encodes it and hands it to the sink. A
// call made while another capture is running returns ErrCaptureBusy.
func (s *Session) Capture(ctx context.Context) (Image, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Image{}, ErrCaptureBusy
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	stream := s.stream
	deviceID := s.currentIDLocked()
	s.mu.Unlock()

	if stream == nil {
		return Image{}, ErrNotAcquired
	}

	frame, err := stream.Frame(ctx)
	if err != nil {
		return Image{}, wrap(KindUnknown, err)
	}

	data, err := imaging.EncodeJPEG(frame)
	if err != nil {
		return Image{}, err
	}

	ts := s.now()
	img := Image{
		ID:        fmt.Sprintf("capture-%d.jpg", ts.UnixMilli()),
		Bitmap:    frame,
		Data:      data,
		MIMEType:  "image/jpeg",
		DeviceID:  deviceID,
		Timestamp: ts,
	}

	if s.sink != nil {
		if err := s.sink.Captured(ctx, img); err != nil {
			return img, fmt.Errorf("handing off capture: %w", err)
		}
	}
	return img, nil
}

// SwitchDevice stops the current stream and opens the next device, wrapping
// around. With one device the same device is reopened.
func (s *Session) SwitchDevice(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if len(s.devices) > 0 {
		s.index = (s.index + 1) % len(s.devices)
	}
	return s.openLocked(ctx)
}

// CurrentDevice returns the id of the device in use, or "".
func (s *Session) CurrentDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIDLocked()
}

// Close stops the stream. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Session) currentIDLocked() string {
	if s.stream == nil || s.index >= len(s.devices) {
		return ""
	}
	return s.devices[s.index].ID()
}

func (s *Session) stopLocked() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	s.stream = nil
	if err != nil {
		s.logger.Warn("Failed to stop camera stream", "error", err)
	}
	return err
}
