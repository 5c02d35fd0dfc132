package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"
)

// MockDevice produces synthetic frames. It is used when no camera is
// attached and by tests.
type MockDevice struct {
	Width  int
	Height int
	Warmup time.Duration
	// Fail, when set, is returned by every Acquire call.
	Fail error

	acquired atomic.Int32
	released atomic.Int32
}

func NewMockDevice(width, height int, warmup time.Duration) *MockDevice {
	return &MockDevice{Width: width, Height: height, Warmup: warmup}
}

func (d *MockDevice) Name() string { return "mock" }

func (d *MockDevice) Acquire(ctx context.Context, _ Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Fail != nil {
		return nil, d.Fail
	}
	d.acquired.Add(1)
	return &mockStream{device: d, ready: time.Now().Add(d.Warmup)}, nil
}

// Acquired and Released count stream lifecycle events.
func (d *MockDevice) Acquired() int { return int(d.acquired.Load()) }
func (d *MockDevice) Released() int { return int(d.released.Load()) }

type mockStream struct {
	device *MockDevice
	ready  time.Time
	once   sync.Once
	frame  atomic.Uint64
}

func (s *mockStream) Latest() image.Image {
	if time.Now().Before(s.ready) || s.device.Width <= 0 || s.device.Height <= 0 {
		return nil
	}
	n := s.frame.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, s.device.Width, s.device.Height))
	shade := uint8(n * 16)
	for y := 0; y < s.device.Height; y++ {
		for x := 0; x < s.device.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: shade, A: 0xff})
		}
	}
	return img
}

func (s *mockStream) Release() {
	s.once.Do(func() { s.device.released.Add(1) })
}
