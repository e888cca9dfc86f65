package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/blindindex"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
	"identity-service/internal/events"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/ratelimit"
	"identity-service/internal/repository"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
)

type fakeSender struct {
	mu   sync.Mutex
	dest []string
	code []string
	fail bool
}

func (f *fakeSender) SendCode(_ context.Context, destination, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gateway unavailable")
	}
	f.dest = append(f.dest, destination)
	f.code = append(f.code, code)
	return nil
}

func (f *fakeSender) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.code) == 0 {
		return ""
	}
	return f.code[len(f.code)-1]
}

func (f *fakeSender) lastDest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.dest) == 0 {
		return ""
	}
	return f.dest[len(f.dest)-1]
}

type testEnv struct {
	svc     *service.VerificationService
	store   *memory.IdentityStore
	mr      *miniredis.Miniredis
	phone   *fakeSender
	email   *fakeSender
	indexer *blindindex.Indexer
	hasher  *hashing.Hasher
	cfg     *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Keys.BlindIndexKey = "test-blind-index-key"
	cfg.Keys.PhoneCipherKey = "test-cipher-key"
	cfg.Hashing.Argon2MemoryCost = 8 * 1024
	cfg.Hashing.Argon2TimeCost = 1
	cfg.Hashing.Argon2Parallelism = 1
	cfg.OTP.TTL = 5 * time.Minute
	cfg.OTP.MaxAttempts = 5
	cfg.RateLimit.Window = 15 * time.Minute
	cfg.RateLimit.MaxIssuances = 5
	cfg.RateLimit.LockoutBase = 15 * time.Minute
	cfg.RateLimit.LockoutMax = 24 * time.Hour
	cfg.Deletion.GracePeriod = 72 * time.Hour
	cfg.Deletion.ScanBackDays = 30

	mr := miniredis.RunT(t)
	rc := client.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	store := memory.NewIdentityStore()
	indexer := blindindex.NewIndexer([]byte(cfg.Keys.BlindIndexKey))
	hasher := hashing.NewHasher(cfg)
	phone := &fakeSender{}
	email := &fakeSender{}

	svc := service.NewVerificationService(
		store,
		ratelimit.NewLimiter(rc, cfg),
		indexer,
		encryption.NewPhoneCipher(cfg, nil),
		hasher,
		events.NopEmitter{},
		phone,
		email,
		cfg,
	)

	return &testEnv{
		svc:     svc,
		store:   store,
		mr:      mr,
		phone:   phone,
		email:   email,
		indexer: indexer,
		hasher:  hasher,
		cfg:     cfg,
	}
}

// registerVerified runs a full registration and confirmation, returning
// the identity id.
func registerVerified(t *testing.T, env *testEnv, email, phone string) string {
	t.Helper()
	ctx := context.Background()

	identity, err := env.svc.Register(ctx, email, phone)
	require.NoError(t, err)
	require.NoError(t, env.svc.ConfirmVerification(ctx, identity.ID, env.phone.lastCode()))
	return identity.ID
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("creates identity and delivers code to the phone", func(t *testing.T) {
		env := newTestEnv(t)

		identity, err := env.svc.Register(ctx, "User@Example.com", "+62 812-3456-7")
		require.NoError(t, err)

		assert.NotEmpty(t, identity.ID)
		assert.Equal(t, "user@example.com", identity.Email)
		assert.NotEmpty(t, identity.TempPhoneEncrypted)
		assert.Empty(t, identity.PhoneHash, "phone is not verified yet")

		assert.Equal(t, "6281234567", env.phone.lastDest(), "delivery uses the normalized number")
		assert.Len(t, env.phone.lastCode(), 6)
	})

	t.Run("rejects malformed phone", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Register(ctx, "user@example.com", "12ab")
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Register(ctx, "not-an-email", "6281234567")
		assert.ErrorIs(t, err, service.ErrValidation)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		_, err = env.svc.Register(ctx, "user@example.com", "6289999999")
		assert.ErrorIs(t, err, service.ErrConflict)
	})

	t.Run("phone verified elsewhere conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		registerVerified(t, env, "a@example.com", "6281234567")

		_, err := env.svc.Register(ctx, "b@example.com", "6281234567")
		assert.ErrorIs(t, err, service.ErrConflict)
	})
}

func TestConfirmVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes pending phone and consumes the code", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		require.NoError(t, env.svc.ConfirmVerification(ctx, identity.ID, env.phone.lastCode()))

		got, err := env.store.GetIdentity(ctx, identity.ID)
		require.NoError(t, err)
		assert.Equal(t, env.indexer.Index("6281234567"), got.PhoneHash)
		assert.NotEmpty(t, got.PhoneEncrypted)
		assert.Empty(t, got.TempPhoneEncrypted)
		assert.True(t, got.EmailVerified)
		assert.Empty(t, got.OTPCode, "code is single use")
		assert.Nil(t, got.OTPExpiresAt)

		// Lookup by blind index now resolves.
		byPhone, err := env.store.GetIdentityByPhoneHash(ctx, got.PhoneHash)
		require.NoError(t, err)
		assert.Equal(t, identity.ID, byPhone.ID)
	})

	t.Run("wrong code mismatches and counts the attempt", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		wrong := "000000"
		if env.phone.lastCode() == wrong {
			wrong = "000001"
		}
		assert.ErrorIs(t, env.svc.ConfirmVerification(ctx, identity.ID, wrong), service.ErrOtpMismatch)

		got, err := env.store.GetIdentity(ctx, identity.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.OTPAttempts)

		// The right code still works after a mismatch.
		require.NoError(t, env.svc.ConfirmVerification(ctx, identity.ID, env.phone.lastCode()))
	})

	t.Run("fifth mismatch invalidates the challenge", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		wrong := "000000"
		if env.phone.lastCode() == wrong {
			wrong = "000001"
		}
		for i := 0; i < 5; i++ {
			assert.ErrorIs(t, env.svc.ConfirmVerification(ctx, identity.ID, wrong), service.ErrOtpMismatch)
		}

		// Even the correct code is dead now.
		err = env.svc.ConfirmVerification(ctx, identity.ID, env.phone.lastCode())
		assert.ErrorIs(t, err, service.ErrOtpMissing)
	})

	t.Run("expired code rejected", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		got, err := env.store.GetIdentity(ctx, identity.ID)
		require.NoError(t, err)

		// Rewind the expiry instead of waiting.
		require.NoError(t, env.store.SetChallenge(ctx, identity.ID, repository.Challenge{
			Code:               got.OTPCode,
			ExpiresAt:          time.Now().UTC().Add(-time.Second),
			Purpose:            got.OTPPurpose,
			TempPhoneEncrypted: got.TempPhoneEncrypted,
		}))

		err = env.svc.ConfirmVerification(ctx, identity.ID, got.OTPCode)
		assert.ErrorIs(t, err, service.ErrOtpExpired)
	})

	t.Run("reissue invalidates the previous code", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)
		first := env.phone.lastCode()

		require.NoError(t, env.svc.RequestVerification(ctx, identity.ID))
		second := env.phone.lastCode()

		if first != second {
			assert.ErrorIs(t, env.svc.ConfirmVerification(ctx, identity.ID, first), service.ErrOtpMismatch)
		}
		require.NoError(t, env.svc.ConfirmVerification(ctx, identity.ID, second))
	})

	t.Run("no challenge yields missing", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")

		err := env.svc.ConfirmVerification(ctx, id, "123456")
		assert.ErrorIs(t, err, service.ErrOtpMissing)
	})

	t.Run("unknown identity yields not found", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.ConfirmVerification(ctx, "c2f1d9e0-0000-0000-0000-000000000000", "123456")
		assert.ErrorIs(t, err, service.ErrNotFound)
	})
}

func TestIssuanceRateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("sixth issuance for the same phone is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			require.NoError(t, env.svc.RequestVerification(ctx, identity.ID))
		}

		err = env.svc.RequestVerification(ctx, identity.ID)
		rle, ok := service.IsRateLimited(err)
		require.True(t, ok, "expected RateLimitedError, got %v", err)
		assert.Equal(t, 15*time.Minute, rle.RetryAfter)
	})

	t.Run("issuance allowed again after lockout elapses", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			require.NoError(t, env.svc.RequestVerification(ctx, identity.ID))
		}
		_, ok := service.IsRateLimited(env.svc.RequestVerification(ctx, identity.ID))
		require.True(t, ok)

		env.mr.FastForward(16 * time.Minute)
		assert.NoError(t, env.svc.RequestVerification(ctx, identity.ID))
	})

	t.Run("fails closed when redis is down", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)

		env.mr.Close()
		_, ok := service.IsRateLimited(env.svc.RequestVerification(ctx, identity.ID))
		assert.True(t, ok)
	})
}

func TestDeliveryFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("failed delivery keeps the stored code valid", func(t *testing.T) {
		env := newTestEnv(t)
		env.phone.fail = true
		env.email.fail = true

		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.ErrorIs(t, err, service.ErrDeliveryFailure)
		require.NotNil(t, identity, "identity exists despite delivery failure")

		got, err := env.store.GetIdentity(ctx, identity.ID)
		require.NoError(t, err)
		require.NotEmpty(t, got.OTPCode)

		require.NoError(t, env.svc.ConfirmVerification(ctx, identity.ID, got.OTPCode))
	})

	t.Run("falls back to email when the phone channel is down", func(t *testing.T) {
		env := newTestEnv(t)
		env.phone.fail = true

		_, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", env.email.lastDest())
	})
}

func TestPhoneChange(t *testing.T) {
	ctx := context.Background()

	t.Run("changes the verified phone and applies report opt-in", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")

		require.NoError(t, env.svc.RequestPhoneChange(ctx, id, "6289999999"))
		optIn := true
		require.NoError(t, env.svc.ConfirmPhoneChange(ctx, id, env.phone.lastCode(), &optIn))

		got, err := env.store.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, env.indexer.Index("6289999999"), got.PhoneHash)
		assert.True(t, got.ReportOptIn)

		// The old number is released.
		_, err = env.store.GetIdentityByPhoneHash(ctx, env.indexer.Index("6281234567"))
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("phone held by another identity conflicts", func(t *testing.T) {
		env := newTestEnv(t)
		registerVerified(t, env, "a@example.com", "6281234567")
		idB := registerVerified(t, env, "b@example.com", "6289999999")

		err := env.svc.RequestPhoneChange(ctx, idB, "6281234567")
		assert.ErrorIs(t, err, service.ErrConflict)
	})

	t.Run("code issued for phone change cannot confirm registration", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")

		require.NoError(t, env.svc.RequestPhoneChange(ctx, id, "6289999999"))
		err := env.svc.ConfirmVerification(ctx, id, env.phone.lastCode())
		assert.ErrorIs(t, err, service.ErrOtpMissing)
	})
}

func TestPasswordRecovery(t *testing.T) {
	ctx := context.Background()

	t.Run("resets the password for the phone's identity", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")

		require.NoError(t, env.svc.RequestPasswordRecovery(ctx, "6281234567"))
		require.NoError(t, env.svc.ResetPassword(ctx, "6281234567", env.phone.lastCode(), "new-password-1"))

		got, err := env.store.GetIdentity(ctx, id)
		require.NoError(t, err)
		require.True(t, got.HasPassword())

		ok, err := env.hasher.VerifyPassword("new-password-1", got.PasswordHash)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Empty(t, got.OTPCode)

		// Phone state untouched.
		assert.Equal(t, env.indexer.Index("6281234567"), got.PhoneHash)
	})

	t.Run("unknown phone yields not found", func(t *testing.T) {
		env := newTestEnv(t)
		err := env.svc.RequestPasswordRecovery(ctx, "6280000000")
		assert.ErrorIs(t, err, service.ErrNotFound)
	})

	t.Run("short password rejected", func(t *testing.T) {
		env := newTestEnv(t)
		registerVerified(t, env, "user@example.com", "6281234567")

		require.NoError(t, env.svc.RequestPasswordRecovery(ctx, "6281234567"))
		err := env.svc.ResetPassword(ctx, "6281234567", env.phone.lastCode(), "short")
		assert.ErrorIs(t, err, service.ErrValidation)
	})
}

func TestUnlinkProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("refused without a fallback login method", func(t *testing.T) {
		env := newTestEnv(t)
		identity, err := env.svc.Register(ctx, "user@example.com", "6281234567")
		require.NoError(t, err)
		env.store.AddLinkedProvider(models.LinkedProvider{
			IdentityID: identity.ID, Provider: "google", Subject: "sub-1",
		})

		err = env.svc.UnlinkProvider(ctx, identity.ID, "google")
		assert.ErrorIs(t, err, service.ErrPreconditionFailed)
	})

	t.Run("verified phone is a sufficient fallback", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")
		env.store.AddLinkedProvider(models.LinkedProvider{
			IdentityID: id, Provider: "google", Subject: "sub-1",
		})
		env.store.AddLinkedProvider(models.LinkedProvider{
			IdentityID: id, Provider: "apple", Subject: "sub-2",
		})

		require.NoError(t, env.svc.UnlinkProvider(ctx, id, "google"))

		links, err := env.store.ListLinkedProviders(ctx, id)
		require.NoError(t, err)
		require.Len(t, links, 1, "exactly the named provider is removed")
		assert.Equal(t, "apple", links[0].Provider)
	})

	t.Run("provider not linked yields not found", func(t *testing.T) {
		env := newTestEnv(t)
		id := registerVerified(t, env, "user@example.com", "6281234567")

		err := env.svc.UnlinkProvider(ctx, id, "google")
		assert.ErrorIs(t, err, service.ErrNotFound)
	})
}
