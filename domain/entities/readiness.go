package entities

// Readiness is the health snapshot reported by both the device agent and the server.
type Readiness struct {
	WakeDetectorsReady []bool `json:"wakeDetectorsReady"`
	UpstreamConnected  bool   `json:"upstreamConnected"`
	ActiveSessionCount int    `json:"activeSessionCount"`
}
