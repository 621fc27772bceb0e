package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

// Kind classifies device failures. Each kind gets different guidance in
// the UI, so they stay distinct.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindNotSupported:
		return "not_supported"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is against an *Error's kind
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound   = &Error{Kind: KindDeviceNotFound}
	ErrNotSupported     = &Error{Kind: KindNotSupported}
	ErrUnknown          = &Error{Kind: KindUnknown}
)

// ErrCaptureBusy is returned when a capture is already running. The call is
// dropped, not queued.
var ErrCaptureBusy = errors.New("capture already in progress")

// ErrNotAcquired is returned when capturing without an open stream.
var ErrNotAcquired = errors.New("no camera stream acquired")

// Error is a categorized device failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("camera error: %s", e.Kind)
	}
	return fmt.Sprintf("camera error: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a capture error, KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func wrap(kind Kind, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Provider enumerates capture devices. Enumeration is where permission is
// checked.
type Provider interface {
	Devices(ctx context.Context) ([]Device, error)
}

// Device is one camera or scanner.
type Device interface {
	ID() string
	Label() string
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open device producing frames. Stop must be called to release
// the device.
type Stream interface {
	Frame(ctx context.Context) (image.Image, error)
	Stop() error
}

// Image is one captured still, ready to stage.
type Image struct {
	ID        string
	Bitmap    image.Image
	Data      []byte
	MIMEType  string
	DeviceID  string
	Timestamp time.Time
}

// Sink receives captured images. The intake session implements it and chains
// extraction.
type Sink interface {
	Captured(ctx context.Context, img Image) error
}
