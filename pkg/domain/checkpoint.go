package domain

import "time"

// Checkpoint is the durable single-slot snapshot of an in-progress
// generation. It is written on every text delta and deleted on terminal
// frame, explicit clear, or successful continuation. InFlight stays true when
// the consumer is torn down mid-stream, which is exactly how an interrupted
// call is recognized on the next start.
type Checkpoint struct {
	ConversationKey   string    `json:"conversation_key"`
	Prompt            string    `json:"prompt"`
	AccumulatedAnswer string    `json:"accumulated_answer"`
	SystemPrompt      string    `json:"system_prompt"`
	InFlight          bool      `json:"in_flight"`
	CapturedAt        time.Time `json:"captured_at"`
}
