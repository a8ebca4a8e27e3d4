package entities

import "time"

// WakeMethod identifies which detector produced a wake event.
type WakeMethod string

const (
	WakeMethodEnergy     WakeMethod = "energy"
	WakeMethodClassifier WakeMethod = "classifier"
	WakeMethodHybrid     WakeMethod = "hybrid"
)

// WakeDetectionEvent is an accepted or raw wake phrase detection.
type WakeDetectionEvent struct {
	Method     WakeMethod `json:"method"`
	Confidence float64    `json:"confidence"`
	Timestamp  time.Time  `json:"timestamp"`
}
