// Package capture samples frames from a camera at a fixed cadence and feeds
// them to the recognizer, keeping at most one request outstanding.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/eventloop"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink receives sampler events. Methods are invoked on the event loop.
type Sink interface {
	CameraChanged(active bool)
	Recognized(out recognition.Outcome)
	Alert(message string)
}

// session is the live capture: one per Sampler at a time.
type session struct {
	stream   Stream
	active   bool
	interval time.Duration
	stop     chan struct{}
}

// Sampler owns the capture session. Start may be called from any goroutine;
// every other method must run on the event loop.
type Sampler struct {
	cfg     config.CaptureConfig
	loop    eventloop.Dispatcher
	device  Device
	encoder *Encoder
	client  recognition.Client
	token   string
	sink    Sink
	logger  *slog.Logger
	ticks   metric.Int64Counter
	ctx     context.Context
	cancel  context.CancelFunc

	// loop-owned state
	session  *session
	inflight bool
	gen      uint64
}

func NewSampler(parent context.Context, cfg config.CaptureConfig, loop eventloop.Dispatcher, device Device, encoder *Encoder, client recognition.Client, token string, sink Sink, logger *slog.Logger) *Sampler {
	ctx, cancel := context.WithCancel(parent)
	s := &Sampler{
		cfg:     cfg,
		loop:    loop,
		device:  device,
		encoder: encoder,
		client:  client,
		token:   token,
		sink:    sink,
		logger:  logger.With(slog.String("component", "frame-sampler")),
		ctx:     ctx,
		cancel:  cancel,
	}
	ticks, err := otel.Meter("github.com/loqalabs/loqa-sign/capture").Int64Counter("loqa.sign.capture.ticks", metric.WithDescription("Sampling ticks by result"))
	if err != nil {
		s.logger.Warn("failed to create tick counter", slogError(err))
	}
	s.ticks = ticks
	return s
}

func (s *Sampler) interval() time.Duration {
	if s.cfg.IntervalMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(s.cfg.IntervalMS) * time.Millisecond
}

// Start acquires the device and activates sampling. It blocks for the
// duration of the acquisition. A failed acquisition leaves the sampler
// inactive, reports one alert and returns an *AcquisitionError.
func (s *Sampler) Start(ctx context.Context) error {
	stream, err := s.device.Acquire(ctx, Constraints{FacingMode: s.cfg.FacingMode})
	if err != nil {
		acqErr := &AcquisitionError{Device: s.device.Name(), Err: err}
		s.logger.Warn("camera acquisition failed", slogError(acqErr))
		s.loop.Post(func() {
			s.sink.CameraChanged(s.Active())
			s.sink.Alert(alertFor(err))
		})
		return acqErr
	}
	if !s.loop.Post(func() { s.activate(stream) }) {
		stream.Release()
		return eventloop.ErrStopped
	}
	return nil
}

func alertFor(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Could not access the camera: permission denied."
	case errors.Is(err, ErrDeviceUnavailable):
		return "Could not access the camera: no camera available."
	default:
		return "Could not access the camera."
	}
}

func (s *Sampler) activate(stream Stream) {
	if s.session != nil && s.session.active {
		// Lost a race with another Start; keep the running session.
		stream.Release()
		return
	}
	s.gen++
	s.session = &session{
		stream:   stream,
		active:   true,
		interval: s.interval(),
		stop:     make(chan struct{}),
	}
	go s.runTicker(s.session)
	s.logger.Info("camera started", slog.Duration("interval", s.session.interval))
	s.sink.CameraChanged(true)
}

func (s *Sampler) runTicker(sess *session) {
	ticker := time.NewTicker(sess.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// A busy loop drops ticks rather than queuing them.
			s.loop.TryPost(s.Tick)
		}
	}
}

// Stop halts sampling and releases the device. Results of a request still
// in flight are discarded when they arrive.
func (s *Sampler) Stop() {
	if s.session == nil {
		return
	}
	sess := s.session
	s.session = nil
	s.gen++
	close(sess.stop)
	sess.active = false
	sess.stream.Release()
	s.logger.Info("camera stopped")
	s.sink.CameraChanged(false)
}

func (s *Sampler) Active() bool {
	return s.session != nil && s.session.active
}

func (s *Sampler) InFlight() bool {
	return s.inflight
}

// Tick samples one frame if the sampler is active and idle.
func (s *Sampler) Tick() {
	if !s.Active() {
		return
	}
	if s.inflight {
		s.countTick("inflight")
		return
	}
	img := s.session.stream.Latest()
	if img == nil || img.Bounds().Empty() {
		s.countTick("not_ready")
		return
	}
	frame, err := s.encoder.Encode(Downscale(img, s.cfg.MaxEdge))
	if err != nil {
		s.logger.Warn("frame encoding failed", slogError(err))
		s.countTick("encode_failed")
		return
	}
	s.inflight = true
	s.countTick("submitted")
	go s.submit(s.gen, frame)
}

func (s *Sampler) submit(gen uint64, frame recognition.Frame) {
	out := recognition.Error("recognition aborted")
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recognition panicked", slog.String("panic", fmt.Sprint(r)))
			out = recognition.Errorf("recognition failed: %v", r)
		}
		s.loop.Post(func() { s.complete(gen, out) })
	}()
	out = s.client.Submit(s.ctx, frame, s.token)
}

func (s *Sampler) complete(gen uint64, out recognition.Outcome) {
	s.inflight = false
	if !s.Active() || gen != s.gen {
		s.logger.Debug("discarding stale recognition result", slog.String("outcome", out.Kind.String()))
		return
	}
	s.sink.Recognized(out)
}

// Close stops sampling and abandons any in-flight request.
func (s *Sampler) Close() {
	s.Stop()
	s.cancel()
}

func (s *Sampler) countTick(result string) {
	if s.ticks != nil {
		s.ticks.Add(s.ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}
