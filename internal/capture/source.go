// Package capture turns raw microphone or file audio into conditioned
// fixed-duration frames and hands each frame to exactly one consumer.
package capture

import (
	"context"
	"sync"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// Source produces audio frames until it is stopped or runs out of input.
// The Frames channel is closed when the source finishes.
type Source interface {
	Frames() <-chan entities.AudioFrame
	Start(ctx context.Context) error
	Stop() error
}

// SliceSource replays a fixed list of frames as fast as the reader accepts them.
type SliceSource struct {
	frames []entities.AudioFrame
	out    chan entities.AudioFrame

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSliceSource creates a source over frames.
func NewSliceSource(frames []entities.AudioFrame) *SliceSource {
	return &SliceSource{
		frames: frames,
		out:    make(chan entities.AudioFrame),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *SliceSource) Frames() <-chan entities.AudioFrame {
	return s.out
}

func (s *SliceSource) Start(ctx context.Context) error {
	go func() {
		defer close(s.done)
		defer close(s.out)
		for _, f := range s.frames {
			select {
			case s.out <- f:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

func (s *SliceSource) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
