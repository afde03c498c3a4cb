package domain

// DefaultTokenGrant is the allowance the backend assigns to a fresh identity.
const DefaultTokenGrant int64 = 1_000_000

// QuotaState is the consumable token balance of a managed identity. It is
// only ever overwritten from server-reported values, never decremented
// locally. Remaining = TotalGrant - Used holds at all times.
type QuotaState struct {
	TotalGrant int64 `json:"total_grant"`
	Used       int64 `json:"used"`
	Remaining  int64 `json:"remaining"`
}

// Identity is the locally persisted record of a managed identity: the session
// token the metered backend verifies, the profile fields the backend reported
// when it was verified, and the last authoritative quota snapshot.
type Identity struct {
	Token   string     `json:"token"`
	Email   string     `json:"email,omitempty"`
	Name    string     `json:"name,omitempty"`
	Picture string     `json:"picture,omitempty"`
	Quota   QuotaState `json:"quota"`
}
