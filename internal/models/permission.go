package models

import "time"

type GrantMode string

const (
	GrantOnce       GrantMode = "once"
	GrantSession    GrantMode = "session"
	GrantPersistent GrantMode = "persistent"
	GrantNone       GrantMode = "none"
)

type OnceToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Evaluation struct {
	Allowed bool      `json:"allowed"`
	Mode    GrantMode `json:"mode"`
}

// PersistentGrant is one entry of permissions.json keyed by browser id.
type PersistentGrant struct {
	Allowed   bool   `json:"allowed"`
	UpdatedAt string `json:"updated_at"`
}
