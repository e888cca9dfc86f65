package models

import "time"

// Identity event types published to Kafka and recorded in the
// ClickHouse audit table.
const (
	EventOTPIssued         = "otp_issued"
	EventOTPVerified       = "otp_verified"
	EventOTPRejected       = "otp_rejected"
	EventPhoneVerified     = "phone_verified"
	EventPasswordReset     = "password_reset"
	EventProviderUnlinked  = "provider_unlinked"
	EventDeletionRequested = "deletion_requested"
	EventIdentityPurged    = "identity_purged"
)

type IdentityEvent struct {
	IdentityID string    `json:"identity_id" db:"identity_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	EventTime  time.Time `json:"event_time" db:"event_time"`
	DateBucket string    `json:"date_bucket" db:"event_date"`
	Purpose    string    `json:"purpose,omitempty" db:"purpose"`
	Details    string    `json:"details,omitempty" db:"details"`
}
