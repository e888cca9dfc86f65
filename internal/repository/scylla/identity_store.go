package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/models"
	"identity-service/internal/repository"
	"identity-service/internal/util"
)

// IdentityStore is the Scylla-backed source of truth. Uniqueness of
// email and phone hash is enforced through LWT insert-if-not-exists
// lookup tables; OTP consume-and-commit runs as a conditional update
// on the identity row itself.
type IdentityStore struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

var _ repository.IdentityStore = (*IdentityStore)(nil)

func NewIdentityStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *IdentityStore {
	return &IdentityStore{
		client:  client,
		buckets: buckets,
	}
}

func (s *IdentityStore) bucketFor(identityID string) (int, error) {
	id, err := uuid.Parse(identityID)
	if err != nil {
		return 0, fmt.Errorf("invalid identity id %q: %w", identityID, err)
	}
	return s.buckets.GetIdentityBucket(id), nil
}

func (s *IdentityStore) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	bucket, err := s.bucketFor(identity.ID)
	if err != nil {
		return err
	}
	identity.Bucket = bucket

	now := time.Now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	// Claim the email first. The lookup table is the uniqueness
	// authority; the identities row is only written once the claim
	// holds.
	applied, err := s.client.Query(`
		INSERT INTO email_to_identity (email, bucket, identity_id, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		identity.Email, bucket, identity.ID, now).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim email: %w", err)
	}
	if !applied {
		return repository.ErrEmailTaken
	}

	err = s.client.Prepared.CreateIdentity.Bind(
		identity.Bucket, identity.ID, identity.Email, identity.EmailVerified,
		identity.PhoneEncrypted, identity.PhoneHash, identity.TempPhoneEncrypted,
		identity.PasswordHash, identity.ReportOptIn, identity.OTPCode,
		identity.OTPExpiresAt, identity.OTPAttempts, identity.OTPPurpose,
		identity.CreatedAt, identity.UpdatedAt,
		identity.DeleteRequestedAt, identity.DeleteScheduledAt).
		WithContext(ctx).Exec()
	if err != nil {
		// Release the claim so the email is not stranded.
		_ = s.client.Query(`
			DELETE FROM email_to_identity WHERE email = ? IF identity_id = ?`,
			identity.Email, identity.ID).WithContext(ctx).Exec()
		util.Error("failed to create identity",
			zap.String("identity_id", identity.ID), zap.Error(err))
		return fmt.Errorf("failed to create identity: %w", err)
	}

	return nil
}

func (s *IdentityStore) GetIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	bucket, err := s.bucketFor(identityID)
	if err != nil {
		return nil, err
	}
	return s.getIdentity(ctx, bucket, identityID)
}

func (s *IdentityStore) getIdentity(ctx context.Context, bucket int, identityID string) (*models.Identity, error) {
	identity := &models.Identity{}
	var otpExpiresAt, deleteRequestedAt, deleteScheduledAt time.Time

	err := s.client.Prepared.GetIdentity.Bind(bucket, identityID).
		WithContext(ctx).Scan(
		&identity.Bucket, &identity.ID, &identity.Email, &identity.EmailVerified,
		&identity.PhoneEncrypted, &identity.PhoneHash, &identity.TempPhoneEncrypted,
		&identity.PasswordHash, &identity.ReportOptIn, &identity.OTPCode,
		&otpExpiresAt, &identity.OTPAttempts, &identity.OTPPurpose,
		&identity.CreatedAt, &identity.UpdatedAt,
		&deleteRequestedAt, &deleteScheduledAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}

	identity.OTPExpiresAt = nullableTime(otpExpiresAt)
	identity.DeleteRequestedAt = nullableTime(deleteRequestedAt)
	identity.DeleteScheduledAt = nullableTime(deleteScheduledAt)

	return identity, nil
}

func (s *IdentityStore) GetIdentityByPhoneHash(ctx context.Context, phoneHash string) (*models.Identity, error) {
	var bucket int
	var identityID string

	err := s.client.Prepared.GetIdentityByPhone.Bind(phoneHash).
		WithContext(ctx).Scan(&bucket, &identityID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve phone hash: %w", err)
	}

	return s.getIdentity(ctx, bucket, identityID)
}

func (s *IdentityStore) SetChallenge(ctx context.Context, identityID string, ch repository.Challenge) error {
	bucket, err := s.bucketFor(identityID)
	if err != nil {
		return err
	}

	err = s.client.Prepared.SetChallenge.Bind(
		ch.Code, ch.ExpiresAt, ch.Purpose, ch.TempPhoneEncrypted,
		time.Now().UTC(), bucket, identityID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to set challenge: %w", err)
	}
	return nil
}

func (s *IdentityStore) RecordChallengeMismatch(ctx context.Context, identityID string, observedAttempts int, invalidate bool) error {
	bucket, err := s.bucketFor(identityID)
	if err != nil {
		return err
	}

	var query *gocql.Query
	if invalidate {
		query = s.client.Query(`
			UPDATE identities
			SET otp_code = '', otp_expires_at = null, otp_attempts = 0,
				otp_purpose = '', updated_at = ?
			WHERE bucket = ? AND identity_id = ?
			IF otp_attempts = ?`,
			time.Now().UTC(), bucket, identityID, observedAttempts)
	} else {
		query = s.client.Query(`
			UPDATE identities SET otp_attempts = ?, updated_at = ?
			WHERE bucket = ? AND identity_id = ?
			IF otp_attempts = ?`,
			observedAttempts+1, time.Now().UTC(), bucket, identityID, observedAttempts)
	}

	applied, err := query.WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to record challenge mismatch: %w", err)
	}
	if !applied {
		return repository.ErrStaleChallenge
	}
	return nil
}

func (s *IdentityStore) ConsumeChallengePromotePhone(ctx context.Context, identityID, code, purpose string, phoneEncrypted, phoneHash string, reportOptIn *bool) error {
	bucket, err := s.bucketFor(identityID)
	if err != nil {
		return err
	}
	identity, err := s.getIdentity(ctx, bucket, identityID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	// Reserve the blind index before touching the identity row. The
	// reservation is released again if the conditional consume loses.
	existing := map[string]interface{}{}
	applied, err := s.client.Query(`
		INSERT INTO phone_to_identity (phone_hash, bucket, identity_id, created_at)
		VALUES (?, ?, ?, ?) IF NOT EXISTS`,
		phoneHash, bucket, identityID, now).
		WithContext(ctx).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to reserve phone hash: %w", err)
	}
	reserved := applied
	if !applied {
		if owner, _ := existing["identity_id"].(string); owner != identityID {
			return repository.ErrPhoneTaken
		}
	}

	optIn := identity.ReportOptIn
	if reportOptIn != nil {
		optIn = *reportOptIn
	}

	applied, err = s.client.Query(`
		UPDATE identities
		SET phone_encrypted = ?, phone_hash = ?, temp_phone_encrypted = '',
			email_verified = true, report_opt_in = ?,
			otp_code = '', otp_expires_at = null, otp_attempts = 0,
			otp_purpose = '', updated_at = ?
		WHERE bucket = ? AND identity_id = ?
		IF otp_code = ? AND otp_purpose = ?`,
		phoneEncrypted, phoneHash, optIn, now, bucket, identityID, code, purpose).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !applied {
		if reserved && !s.releasePhoneHash(ctx, phoneHash, identityID) {
			util.Warn("could not release phone hash reservation",
				zap.String("identity_id", identityID))
		}
		return repository.ErrStaleChallenge
	}

	// Phone change: drop the lookup row of the previous number.
	if identity.PhoneHash != "" && identity.PhoneHash != phoneHash {
		s.releasePhoneHash(ctx, identity.PhoneHash, identityID)
	}

	return nil
}

func (s *IdentityStore) releasePhoneHash(ctx context.Context, phoneHash, identityID string) bool {
	applied, err := s.client.Query(`
		DELETE FROM phone_to_identity WHERE phone_hash = ? IF identity_id = ?`,
		phoneHash, identityID).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("failed to release phone hash",
			zap.String("identity_id", identityID), zap.Error(err))
		return false
	}
	return applied
}

func (s *IdentityStore) ConsumeChallengeSetPassword(ctx context.Context, identityID, code, purpose, passwordHash string) error {
	bucket, err := s.bucketFor(identityID)
	if err != nil {
		return err
	}

	applied, err := s.client.Query(`
		UPDATE identities
		SET password_hash = ?, otp_code = '', otp_expires_at = null,
			otp_attempts = 0, otp_purpose = '', updated_at = ?
		WHERE bucket = ? AND identity_id = ?
		IF otp_code = ? AND otp_purpose = ?`,
		passwordHash, time.Now().UTC(), bucket, identityID, code, purpose).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}
	if !applied {
		return repository.ErrStaleChallenge
	}
	return nil
}

func (s *IdentityStore) ListLinkedProviders(ctx context.Context, identityID string) ([]models.LinkedProvider, error) {
	iter := s.client.Prepared.ListLinkedProviders.Bind(identityID).
		WithContext(ctx).Iter()

	var providers []models.LinkedProvider
	var p models.LinkedProvider
	for iter.Scan(&p.IdentityID, &p.Provider, &p.Subject, &p.LinkedAt) {
		providers = append(providers, p)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list linked providers: %w", err)
	}
	return providers, nil
}

func (s *IdentityStore) UnlinkProvider(ctx context.Context, identityID, provider string) error {
	applied, err := s.client.Query(`
		DELETE FROM linked_providers WHERE identity_id = ? AND provider = ? IF EXISTS`,
		identityID, provider).
		WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to unlink provider: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (s *IdentityStore) ScheduleDeletion(ctx context.Context, identity *models.Identity, requestedAt, scheduledAt time.Time) error {
	bucket, err := s.bucketFor(identity.ID)
	if err != nil {
		return err
	}

	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)

	// A repeated request moves the schedule row to the new date bucket.
	if identity.DeleteScheduledAt != nil {
		batch.Query(`DELETE FROM deletion_schedule WHERE schedule_date = ? AND identity_id = ?`,
			s.buckets.GetDateBucket(*identity.DeleteScheduledAt), identity.ID)
	}
	batch.Query(`INSERT INTO deletion_schedule (schedule_date, identity_id, scheduled_at, bucket)
		VALUES (?, ?, ?, ?)`,
		s.buckets.GetDateBucket(scheduledAt), identity.ID, scheduledAt, bucket)
	batch.Query(`UPDATE identities SET delete_requested_at = ?, delete_scheduled_at = ?, updated_at = ?
		WHERE bucket = ? AND identity_id = ?`,
		requestedAt, scheduledAt, time.Now().UTC(), bucket, identity.ID)

	if err := s.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to schedule deletion: %w", err)
	}
	return nil
}

func (s *IdentityStore) DueDeletions(ctx context.Context, now time.Time, scanBackDays int) ([]repository.ScheduledDeletion, error) {
	var due []repository.ScheduledDeletion

	for d := 0; d <= scanBackDays; d++ {
		dateBucket := s.buckets.GetDateBucket(now.AddDate(0, 0, -d))

		iter := s.client.Prepared.SelectDueForDate.Bind(dateBucket).
			WithContext(ctx).Iter()

		var identityID string
		var scheduledAt time.Time
		for iter.Scan(&identityID, &scheduledAt) {
			if scheduledAt.After(now) {
				continue
			}
			due = append(due, repository.ScheduledDeletion{
				DateBucket:  dateBucket,
				IdentityID:  identityID,
				ScheduledAt: scheduledAt,
			})
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to scan deletion schedule %s: %w", dateBucket, err)
		}
	}

	return due, nil
}

func (s *IdentityStore) PurgeIdentity(ctx context.Context, identity *models.Identity) error {
	bucket, err := s.bucketFor(identity.ID)
	if err != nil {
		return err
	}

	// One logged batch per identity: either every owned record goes or
	// none do.
	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM transactions WHERE identity_id = ?`, identity.ID)
	batch.Query(`DELETE FROM loans WHERE identity_id = ?`, identity.ID)
	batch.Query(`DELETE FROM categories WHERE identity_id = ?`, identity.ID)
	batch.Query(`DELETE FROM sessions WHERE identity_id = ?`, identity.ID)
	batch.Query(`DELETE FROM linked_providers WHERE identity_id = ?`, identity.ID)
	if identity.PhoneHash != "" {
		batch.Query(`DELETE FROM phone_to_identity WHERE phone_hash = ?`, identity.PhoneHash)
	}
	batch.Query(`DELETE FROM email_to_identity WHERE email = ?`, identity.Email)
	if identity.DeleteScheduledAt != nil {
		batch.Query(`DELETE FROM deletion_schedule WHERE schedule_date = ? AND identity_id = ?`,
			s.buckets.GetDateBucket(*identity.DeleteScheduledAt), identity.ID)
	}
	batch.Query(`DELETE FROM identities WHERE bucket = ? AND identity_id = ?`, bucket, identity.ID)

	if err := s.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to purge identity: %w", err)
	}

	util.Info("identity purged",
		zap.String("identity_id", identity.ID))
	return nil
}

func (s *IdentityStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
