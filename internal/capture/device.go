package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	ErrPermissionDenied  = errors.New("camera permission denied")
	ErrDeviceUnavailable = errors.New("camera unavailable")
)

// AcquisitionError reports why the capture device could not be opened.
type AcquisitionError struct {
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s camera: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Constraints mirrors the media constraints passed when opening a camera.
type Constraints struct {
	FacingMode string
}

// Device opens camera streams.
type Device interface {
	Name() string
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live camera handle.
type Stream interface {
	// Latest returns the most recent frame, or nil while the camera is
	// still warming up.
	Latest() image.Image
	Release()
}
