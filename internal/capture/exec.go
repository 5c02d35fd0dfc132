package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDevice grabs frames by running an external command (for example
// ffmpeg reading /dev/video0) that writes one encoded image to stdout.
type ExecDevice struct {
	cmd    []string
	pause  time.Duration
	logger *slog.Logger
}

func NewExecDevice(command string, pause time.Duration, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecDevice{
		cmd:    args,
		pause:  pause,
		logger: logger.With(slog.String("component", "capture-exec")),
	}, nil
}

func (d *ExecDevice) Name() string { return "exec" }

func (d *ExecDevice) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if _, err := exec.LookPath(d.cmd[0]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	first, err := d.grab(ctx, c)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &execStream{cancel: cancel}
	s.latest.Store(&first)
	s.wg.Add(1)
	go d.run(streamCtx, c, s)
	return s, nil
}

func (d *ExecDevice) run(ctx context.Context, c Constraints, s *execStream) {
	defer s.wg.Done()
	for {
		img, err := d.grab(ctx, c)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("frame grab failed", slogError(err))
		} else {
			s.latest.Store(&img)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pause):
		}
	}
}

func (d *ExecDevice) grab(ctx context.Context, c Constraints) (image.Image, error) {
	args := append([]string{}, d.cmd[1:]...)
	command := exec.CommandContext(ctx, d.cmd[0], args...)
	if c.FacingMode != "" {
		command.Env = append(command.Environ(), "LOQA_FACING_MODE="+c.FacingMode)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, classifyGrabError(err, stderr.String())
	}
	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func classifyGrabError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "device or resource busy"):
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(stderr))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: capture command failed: %v: %s", ErrDeviceUnavailable, err, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("capture command failed: %w", err)
}

type execStream struct {
	latest atomic.Pointer[image.Image]
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *execStream) Latest() image.Image {
	if p := s.latest.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *execStream) Release() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
