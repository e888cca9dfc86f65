package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/blindindex"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/events"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/otp"
	"identity-service/internal/ratelimit"
	"identity-service/internal/repository"
	"identity-service/internal/sender"
	"identity-service/internal/util"
)

const minPasswordLength = 8

// VerificationService runs the identity verification flows:
// registration, phone change, password recovery and provider unlink.
// Every flow that issues a code is gated by the rate limiter keyed on
// the target phone's blind index, and every verify consumes the code
// in the same storage mutation that applies its effect.
type VerificationService struct {
	store       repository.IdentityStore
	limiter     *ratelimit.Limiter
	indexer     *blindindex.Indexer
	cipher      *encryption.PhoneCipher
	hasher      *hashing.Hasher
	emitter     events.Emitter
	phoneSender sender.Sender
	emailSender sender.Sender
	cfg         *config.Config
}

func NewVerificationService(
	store repository.IdentityStore,
	limiter *ratelimit.Limiter,
	indexer *blindindex.Indexer,
	cipher *encryption.PhoneCipher,
	hasher *hashing.Hasher,
	emitter events.Emitter,
	phoneSender sender.Sender,
	emailSender sender.Sender,
	cfg *config.Config,
) *VerificationService {
	return &VerificationService{
		store:       store,
		limiter:     limiter,
		indexer:     indexer,
		cipher:      cipher,
		hasher:      hasher,
		emitter:     emitter,
		phoneSender: phoneSender,
		emailSender: emailSender,
		cfg:         cfg,
	}
}

// Register creates an identity with an unverified phone and issues the
// first challenge. The identity exists even if delivery fails; the
// caller can request a resend.
func (s *VerificationService) Register(ctx context.Context, email, phone string) (*models.Identity, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidEmail(email) {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	normalized, err := util.ValidatePhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// The target phone must not already be verified elsewhere.
	if _, err := s.store.GetIdentityByPhoneHash(ctx, s.indexer.Index(normalized)); err == nil {
		return nil, fmt.Errorf("%w: phone", ErrConflict)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tempEncrypted, err := s.cipher.Encrypt(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt pending phone: %w", err)
	}

	identity := &models.Identity{
		Email:              email,
		TempPhoneEncrypted: tempEncrypted,
	}
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, fmt.Errorf("%w: email", ErrConflict)
		}
		return nil, err
	}

	util.Info("identity registered",
		zap.String("identity_id", identity.ID))

	if err := s.issueChallenge(ctx, identity, models.PurposeRegistration, normalized, tempEncrypted); err != nil {
		return identity, err
	}
	return identity, nil
}

// RequestVerification re-issues a challenge for the pending phone
// (registration resend or an in-flight phone change).
func (s *VerificationService) RequestVerification(ctx context.Context, identityID string) error {
	identity, err := s.getIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.TempPhoneEncrypted == "" {
		return fmt.Errorf("%w: no phone verification pending", ErrValidation)
	}

	normalized, err := s.cipher.Decrypt(ctx, identity.TempPhoneEncrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt pending phone: %w", err)
	}

	purpose := models.PurposeRegistration
	if identity.HasVerifiedPhone() {
		purpose = models.PurposePhoneChange
	}
	return s.issueChallenge(ctx, identity, purpose, normalized, identity.TempPhoneEncrypted)
}

// ConfirmVerification consumes a registration code and promotes the
// pending phone to the verified one.
func (s *VerificationService) ConfirmVerification(ctx context.Context, identityID, code string) error {
	return s.confirmPromotion(ctx, identityID, code, models.PurposeRegistration, nil)
}

// RequestPhoneChange starts verification of a new phone for an
// existing identity. The new number must not be verified on a
// different identity.
func (s *VerificationService) RequestPhoneChange(ctx context.Context, identityID, newPhone string) error {
	identity, err := s.getIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	normalized, err := util.ValidatePhone(newPhone)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if owner, err := s.store.GetIdentityByPhoneHash(ctx, s.indexer.Index(normalized)); err == nil {
		if owner.ID != identity.ID {
			return fmt.Errorf("%w: phone", ErrConflict)
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	tempEncrypted, err := s.cipher.Encrypt(ctx, normalized)
	if err != nil {
		return fmt.Errorf("failed to encrypt pending phone: %w", err)
	}

	return s.issueChallenge(ctx, identity, models.PurposePhoneChange, normalized, tempEncrypted)
}

// ConfirmPhoneChange consumes a phone-change code, promotes the new
// number and applies the optional report opt-in supplied at
// confirmation time.
func (s *VerificationService) ConfirmPhoneChange(ctx context.Context, identityID, code string, reportOptIn *bool) error {
	return s.confirmPromotion(ctx, identityID, code, models.PurposePhoneChange, reportOptIn)
}

// RequestPasswordRecovery issues a challenge against the identity
// holding the supplied verified phone.
func (s *VerificationService) RequestPasswordRecovery(ctx context.Context, phone string) error {
	identity, normalized, err := s.lookupByPhone(ctx, phone)
	if err != nil {
		return err
	}
	// Recovery never touches the pending phone, if any.
	return s.issueChallenge(ctx, identity, models.PurposePasswordReset, normalized, identity.TempPhoneEncrypted)
}

// ResetPassword consumes a recovery code and stores the new password
// hash in the same mutation. No phone state changes.
func (s *VerificationService) ResetPassword(ctx context.Context, phone, code, newPassword string) error {
	identity, normalized, err := s.lookupByPhone(ctx, phone)
	if err != nil {
		return err
	}
	if len(newPassword) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}

	if err := s.checkChallenge(ctx, identity, code, models.PurposePasswordReset); err != nil {
		return err
	}

	passwordHash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	err = s.store.ConsumeChallengeSetPassword(ctx, identity.ID, code, models.PurposePasswordReset, passwordHash)
	if err != nil {
		if errors.Is(err, repository.ErrStaleChallenge) {
			return ErrOtpMismatch
		}
		return err
	}

	s.resetLimit(ctx, s.indexer.Index(normalized))
	s.emitter.Emit(ctx, models.IdentityEvent{
		IdentityID: identity.ID,
		EventType:  models.EventPasswordReset,
		Purpose:    models.PurposePasswordReset,
	})

	util.Info("password reset completed",
		zap.String("identity_id", identity.ID))
	return nil
}

// ListLinkedProviders returns the external login providers bound to
// the identity.
func (s *VerificationService) ListLinkedProviders(ctx context.Context, identityID string) ([]models.LinkedProvider, error) {
	if _, err := s.getIdentity(ctx, identityID); err != nil {
		return nil, err
	}
	return s.store.ListLinkedProviders(ctx, identityID)
}

// UnlinkProvider removes an external login provider link. Refused
// unless a password or verified phone remains as a fallback login.
func (s *VerificationService) UnlinkProvider(ctx context.Context, identityID, provider string) error {
	identity, err := s.getIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if !identity.HasPassword() && !identity.HasVerifiedPhone() {
		return fmt.Errorf("%w: set a password or verify a phone before unlinking", ErrPreconditionFailed)
	}

	if err := s.store.UnlinkProvider(ctx, identityID, provider); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: provider %s not linked", ErrNotFound, provider)
		}
		return err
	}

	s.emitter.Emit(ctx, models.IdentityEvent{
		IdentityID: identity.ID,
		EventType:  models.EventProviderUnlinked,
		Details:    provider,
	})
	return nil
}

func (s *VerificationService) getIdentity(ctx context.Context, identityID string) (*models.Identity, error) {
	identity, err := s.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return identity, nil
}

func (s *VerificationService) lookupByPhone(ctx context.Context, phone string) (*models.Identity, string, error) {
	normalized, err := util.ValidatePhone(phone)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	identity, err := s.store.GetIdentityByPhoneHash(ctx, s.indexer.Index(normalized))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return identity, normalized, nil
}

// issueChallenge writes a fresh code onto the record, then attempts
// delivery. The write happens first: a sender outage leaves a valid
// code behind and surfaces ErrDeliveryFailure.
func (s *VerificationService) issueChallenge(ctx context.Context, identity *models.Identity, purpose, normalizedPhone, tempPhoneEncrypted string) error {
	phoneHash := s.indexer.Index(normalizedPhone)

	// No limiter means no issuance. Fail closed rather than let an
	// unthrottled flow send codes.
	if s.limiter == nil {
		return &RateLimitedError{RetryAfter: s.cfg.RateLimit.LockoutBase}
	}
	decision, err := s.limiter.Allow(ctx, phoneHash)
	if err != nil || !decision.Allowed {
		return &RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	code, err := otp.GenerateCode()
	if err != nil {
		return err
	}

	ch := repository.Challenge{
		Code:               code,
		ExpiresAt:          time.Now().UTC().Add(s.cfg.OTP.TTL),
		Purpose:            purpose,
		TempPhoneEncrypted: tempPhoneEncrypted,
	}
	if err := s.store.SetChallenge(ctx, identity.ID, ch); err != nil {
		return err
	}

	s.emitter.Emit(ctx, models.IdentityEvent{
		IdentityID: identity.ID,
		EventType:  models.EventOTPIssued,
		Purpose:    purpose,
	})

	return s.deliver(ctx, identity, normalizedPhone, code)
}

// deliver tries the phone channel first, falling back to email when
// the identity has one.
func (s *VerificationService) deliver(ctx context.Context, identity *models.Identity, normalizedPhone, code string) error {
	var sendErr error
	if s.phoneSender != nil {
		if sendErr = s.phoneSender.SendCode(ctx, normalizedPhone, code); sendErr == nil {
			return nil
		}
		util.Warn("phone delivery failed, trying email",
			zap.String("identity_id", identity.ID),
			zap.Error(sendErr))
	}
	if s.emailSender != nil && identity.Email != "" {
		err := s.emailSender.SendCode(ctx, identity.Email, code)
		if err == nil {
			return nil
		}
		sendErr = err
	}
	if sendErr == nil {
		sendErr = errors.New("no sender configured")
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailure, sendErr)
}

// resetLimit clears the issuance window after a successful
// verification so a legitimate user is not locked out by their own
// retries.
func (s *VerificationService) resetLimit(ctx context.Context, phoneHash string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.Reset(ctx, phoneHash); err != nil {
		util.Warn("failed to reset rate limit", zap.Error(err))
	}
}

// checkChallenge validates the submitted code against the loaded
// record without consuming it. Mismatches increment the attempt
// counter conditionally; the fifth mismatch invalidates the challenge.
func (s *VerificationService) checkChallenge(ctx context.Context, identity *models.Identity, code, purpose string) error {
	if identity.OTPCode == "" || identity.OTPPurpose != purpose {
		return ErrOtpMissing
	}
	now := time.Now().UTC()
	if identity.OTPExpiresAt == nil || !now.Before(*identity.OTPExpiresAt) {
		return ErrOtpExpired
	}
	if code != identity.OTPCode {
		invalidate := identity.OTPAttempts+1 >= s.cfg.OTP.MaxAttempts
		err := s.store.RecordChallengeMismatch(ctx, identity.ID, identity.OTPAttempts, invalidate)
		if err != nil && !errors.Is(err, repository.ErrStaleChallenge) {
			util.Warn("failed to record otp mismatch",
				zap.String("identity_id", identity.ID),
				zap.Error(err))
		}
		s.emitter.Emit(ctx, models.IdentityEvent{
			IdentityID: identity.ID,
			EventType:  models.EventOTPRejected,
			Purpose:    purpose,
		})
		return ErrOtpMismatch
	}
	return nil
}

func (s *VerificationService) confirmPromotion(ctx context.Context, identityID, code, purpose string, reportOptIn *bool) error {
	identity, err := s.getIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if err := s.checkChallenge(ctx, identity, code, purpose); err != nil {
		return err
	}
	if identity.TempPhoneEncrypted == "" {
		return fmt.Errorf("%w: no phone verification pending", ErrValidation)
	}

	normalized, err := s.cipher.Decrypt(ctx, identity.TempPhoneEncrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt pending phone: %w", err)
	}
	phoneHash := s.indexer.Index(normalized)

	err = s.store.ConsumeChallengePromotePhone(ctx, identity.ID, code, purpose,
		identity.TempPhoneEncrypted, phoneHash, reportOptIn)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPhoneTaken):
			return fmt.Errorf("%w: phone", ErrConflict)
		case errors.Is(err, repository.ErrStaleChallenge):
			return ErrOtpMismatch
		default:
			return err
		}
	}

	s.resetLimit(ctx, phoneHash)
	s.emitter.Emit(ctx, models.IdentityEvent{
		IdentityID: identity.ID,
		EventType:  models.EventPhoneVerified,
		Purpose:    purpose,
	})

	util.Info("phone verified",
		zap.String("identity_id", identity.ID),
		zap.String("purpose", purpose))
	return nil
}
