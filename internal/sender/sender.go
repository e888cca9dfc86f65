package sender

import "context"

// Sender delivers a one-time code to a destination (digits-only phone
// for WhatsApp, email address for SMTP). Implementations must bound
// their network calls; the OTP state is already persisted before any
// sender runs, so a failure here never invalidates the stored code.
type Sender interface {
	SendCode(ctx context.Context, destination, code string) error
}
