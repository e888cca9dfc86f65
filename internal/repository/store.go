package repository

import (
	"context"
	"errors"
	"time"

	"identity-service/internal/models"
)

// Storage-level sentinel errors. The service layer maps these onto its
// user-visible taxonomy.
var (
	ErrNotFound = errors.New("record not found")

	// Uniqueness violations from the lookup tables.
	ErrEmailTaken = errors.New("email already registered")
	ErrPhoneTaken = errors.New("phone already bound to another identity")

	// A conditional update lost its race: the challenge on the record
	// changed between the caller's read and the write.
	ErrStaleChallenge = errors.New("challenge state changed concurrently")
)

// Challenge is the OTP state written onto an identity record in one
// mutation. Issuing always overwrites whatever was pending.
type Challenge struct {
	Code               string
	ExpiresAt          time.Time
	Purpose            string
	TempPhoneEncrypted string
}

// ScheduledDeletion is one row of the purge work queue.
type ScheduledDeletion struct {
	DateBucket  string
	IdentityID  string
	ScheduledAt time.Time
}

// IdentityStore is the single source of truth for identities and
// everything they own. All OTP verify-and-commit operations are
// conditional writes so a code cannot be replayed between the check
// and the effect.
type IdentityStore interface {
	// CreateIdentity inserts the identity and claims its email.
	// Returns ErrEmailTaken when the email is already bound.
	CreateIdentity(ctx context.Context, identity *models.Identity) error

	GetIdentity(ctx context.Context, identityID string) (*models.Identity, error)

	// GetIdentityByPhoneHash resolves a blind index to the identity
	// holding that verified phone. Returns ErrNotFound when unclaimed.
	GetIdentityByPhoneHash(ctx context.Context, phoneHash string) (*models.Identity, error)

	// SetChallenge stores a fresh OTP challenge, resetting the attempt
	// counter and overwriting any prior code.
	SetChallenge(ctx context.Context, identityID string, ch Challenge) error

	// RecordChallengeMismatch increments the attempt counter from its
	// observed value, or invalidates the challenge entirely when the
	// mismatch cap is hit. Returns ErrStaleChallenge if the counter
	// moved underneath the caller.
	RecordChallengeMismatch(ctx context.Context, identityID string, observedAttempts int, invalidate bool) error

	// ConsumeChallengePromotePhone atomically consumes the matching
	// code and promotes the pending phone to verified: reserves the
	// blind index (ErrPhoneTaken if another identity holds it), writes
	// the ciphertext and hash, clears tempPhone, marks the email
	// verified, and applies the optional report opt-in. The consume
	// and the promotion are one conditional mutation on the record.
	ConsumeChallengePromotePhone(ctx context.Context, identityID, code, purpose string, phoneEncrypted, phoneHash string, reportOptIn *bool) error

	// ConsumeChallengeSetPassword atomically consumes the matching
	// code and stores the new password hash. No phone mutation.
	ConsumeChallengeSetPassword(ctx context.Context, identityID, code, purpose, passwordHash string) error

	// Linked external login providers.
	ListLinkedProviders(ctx context.Context, identityID string) ([]models.LinkedProvider, error)
	UnlinkProvider(ctx context.Context, identityID, provider string) error

	// ScheduleDeletion sets the grace-period window and (re)positions
	// the schedule row. A previous schedule, if any, is replaced.
	ScheduleDeletion(ctx context.Context, identity *models.Identity, requestedAt, scheduledAt time.Time) error

	// DueDeletions returns schedule rows with scheduledAt <= now,
	// scanning back over the given number of date buckets.
	DueDeletions(ctx context.Context, now time.Time, scanBackDays int) ([]ScheduledDeletion, error)

	// PurgeIdentity removes the identity and every record it owns as
	// one atomic unit. Partial deletion must never be observable.
	PurgeIdentity(ctx context.Context, identity *models.Identity) error

	HealthCheck(ctx context.Context) error
}
