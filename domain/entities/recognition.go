package entities

// RecognitionResult is one transcript update for a stream session.
type RecognitionResult struct {
	SessionID       string  `json:"session_id"`
	Transcript      string  `json:"transcript"`
	Confidence      float64 `json:"confidence"`
	IsFinal         bool    `json:"is_final"`
	Stability       float64 `json:"stability,omitempty"`
	ResolvedCommand *Action `json:"resolved_command,omitempty"`
}
