package models

import "time"

// LinkedProvider records an external login provider bound to an
// identity (e.g. "google"). Unlinking requires the identity to retain
// at least one independent login method.
type LinkedProvider struct {
	IdentityID string    `db:"identity_id" json:"identity_id"`
	Provider   string    `db:"provider" json:"provider"`
	Subject    string    `db:"subject" json:"subject"`
	LinkedAt   time.Time `db:"linked_at" json:"linked_at"`
}
