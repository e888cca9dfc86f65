package models

import "time"

// Challenge purposes. A code issued for one flow cannot confirm
// another.
const (
	PurposeRegistration  = "registration"
	PurposePhoneChange   = "phone_change"
	PurposePasswordReset = "password_reset"
)

// Identity is the canonical account record. The verified phone number
// is stored only as ciphertext plus a keyed blind index; the cleartext
// never touches the store.
type Identity struct {
	Bucket             int        `db:"bucket"`
	ID                 string     `db:"identity_id"`
	Email              string     `db:"email"`
	EmailVerified      bool       `db:"email_verified"`
	PhoneEncrypted     string     `db:"phone_encrypted"`
	PhoneHash          string     `db:"phone_hash"`
	TempPhoneEncrypted string     `db:"temp_phone_encrypted"`
	PasswordHash       string     `db:"password_hash"`
	ReportOptIn        bool       `db:"report_opt_in"`
	OTPCode            string     `db:"otp_code"`
	OTPExpiresAt       *time.Time `db:"otp_expires_at"`
	OTPAttempts        int        `db:"otp_attempts"`
	OTPPurpose         string     `db:"otp_purpose"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
	DeleteRequestedAt  *time.Time `db:"delete_requested_at"`
	DeleteScheduledAt  *time.Time `db:"delete_scheduled_at"`
}

// HasPassword reports whether password login is available.
func (i *Identity) HasPassword() bool {
	return i.PasswordHash != ""
}

// HasVerifiedPhone reports whether a verified phone is bound.
func (i *Identity) HasVerifiedPhone() bool {
	return i.PhoneHash != ""
}

// HasActiveChallenge reports whether an unexpired code is pending.
// An expired code stays on the record until overwritten or consumed
// but is treated as dead.
func (i *Identity) HasActiveChallenge(now time.Time) bool {
	return i.OTPCode != "" && i.OTPExpiresAt != nil && now.Before(*i.OTPExpiresAt)
}

// PurgeEligible reports whether the grace period has elapsed. The
// scheduled timestamp is the sole eligibility condition.
func (i *Identity) PurgeEligible(now time.Time) bool {
	return i.DeleteScheduledAt != nil && !i.DeleteScheduledAt.After(now)
}
