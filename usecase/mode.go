package usecase

import (
	"fmt"

	"github.com/satriahrh/drivebrief/domain"
)

// Mode is the per-device interaction state.
type Mode string

const (
	ModeIdle        Mode = "idle"
	ModeListening   Mode = "listening"
	ModeRecognizing Mode = "recognizing"
	ModeResponding  Mode = "responding"
)

// responding -> listening is a barge-in: the driver wakes the assistant while it speaks.
var transitions = map[Mode][]Mode{
	ModeIdle:        {ModeListening},
	ModeListening:   {ModeRecognizing, ModeIdle},
	ModeRecognizing: {ModeResponding, ModeIdle},
	ModeResponding:  {ModeIdle, ModeListening},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Mode) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition returns ErrInvalidTransition wrapped with both modes.
func transition(from, to Mode) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}
