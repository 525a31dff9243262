// Package capture runs the countdown-driven shot sequence and keeps the
// photos captured during one capture session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid sequencer config")

type EventKind int

const (
	EventCountdown EventKind = iota + 1
	EventCaptureNow
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventCountdown:
		return "countdown"
	case EventCaptureNow:
		return "capture-now"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one sequencer step. Count is only set for countdown events.
type Event struct {
	Kind  EventKind
	Shot  int
	Count int
}

// SequencerConfig drives one run. Tick is the length of one countdown second;
// tests shrink it.
type SequencerConfig struct {
	TotalShots           int
	RecordingDurationSec int
	CaptureIntervalSec   int
	Tick                 time.Duration
}

func (c SequencerConfig) Validate() error {
	if c.TotalShots <= 0 {
		return fmt.Errorf("%w: totalShots must be positive", ErrInvalidConfig)
	}
	if c.RecordingDurationSec < 0 || c.CaptureIntervalSec < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Sequencer emits countdown ticks from RecordingDurationSec down to 0 for each
// shot, then capture-now, then pauses CaptureIntervalSec before the next shot.
type Sequencer struct {
	cfg SequencerConfig
}

func NewSequencer(cfg SequencerConfig) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Sequencer{cfg: cfg}, nil
}

func (s *Sequencer) Config() SequencerConfig { return s.cfg }

// Run emits the whole sequence and finishes with EventDone. It returns
// ctx.Err() as soon as ctx is cancelled; no further events are emitted after
// cancellation is observed.
func (s *Sequencer) Run(ctx context.Context, emit func(Event)) error {
	for shot := 1; shot <= s.cfg.TotalShots; shot++ {
		for count := s.cfg.RecordingDurationSec; count >= 0; count-- {
			if err := ctx.Err(); err != nil {
				return err
			}
			emit(Event{Kind: EventCountdown, Shot: shot, Count: count})
			if count > 0 {
				if err := sleep(ctx, s.cfg.Tick); err != nil {
					return err
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		emit(Event{Kind: EventCaptureNow, Shot: shot})
		if shot < s.cfg.TotalShots && s.cfg.CaptureIntervalSec > 0 {
			if err := sleep(ctx, time.Duration(s.cfg.CaptureIntervalSec)*s.cfg.Tick); err != nil {
				return err
			}
		}
	}
	emit(Event{Kind: EventDone, Shot: s.cfg.TotalShots})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
