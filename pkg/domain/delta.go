package domain

// TokenUpdate is the authoritative balance report emitted by the metered
// backend at the end of a stream.
type TokenUpdate struct {
	TokensLeft int64 `json:"tokens_left"`
	TokensUsed int64 `json:"tokens_used"`
}

// Delta is the normalized content of one stream frame: either a text
// fragment or a control signal, never both. The zero Delta means the frame
// carried nothing of interest.
type Delta struct {
	Text        string
	TokenUpdate *TokenUpdate
}

func (d Delta) IsZero() bool {
	return d.Text == "" && d.TokenUpdate == nil
}
