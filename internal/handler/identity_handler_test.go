package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"identity-service/internal/handler"
	"identity-service/internal/hashing"
	"identity-service/internal/models"
	"identity-service/internal/ratelimit"
	"identity-service/internal/repository/memory"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (c *captureSender) SendCode(_ context.Context, _, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
	return nil
}

func (c *captureSender) lastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

type httpEnv struct {
	router http.Handler
	store  *memory.IdentityStore
	sender *captureSender
}

func newHTTPEnv(t *testing.T, purgeSecret string) *httpEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Keys.BlindIndexKey = "test-blind-index-key"
	cfg.Keys.PhoneCipherKey = "test-cipher-key"
	cfg.Keys.PurgeSecret = purgeSecret
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
	capture := &captureSender{}

	verification := service.NewVerificationService(
		store,
		ratelimit.NewLimiter(rc, cfg),
		blindindex.NewIndexer([]byte(cfg.Keys.BlindIndexKey)),
		encryption.NewPhoneCipher(cfg, nil),
		hashing.NewHasher(cfg),
		events.NopEmitter{},
		capture,
		nil,
		cfg,
	)
	deletion := service.NewDeletionService(store, events.NopEmitter{}, cfg)

	identityHandler := handler.NewIdentityHandler(verification, deletion, purgeSecret)
	router := handler.NewRouter(identityHandler, util.Get())

	return &httpEnv{router: router, store: store, sender: capture}
}

func (e *httpEnv) do(t *testing.T, method, path, identityID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identityID != "" {
		req.Header.Set("X-Identity-ID", identityID)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) handler.Response {
	t.Helper()
	var resp handler.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func registerIdentity(t *testing.T, env *httpEnv, email, phone string) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
		"email": email, "phone": phone,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeResponse(t, rec)
	data := resp.Data.(map[string]interface{})
	return data["identity_id"].(string)
}

func TestRegisterEndpoint(t *testing.T) {
	t.Run("accepts and returns the identity id", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")
		assert.NotEmpty(t, id)
		assert.Len(t, env.sender.lastCode(), 6)
	})

	t.Run("malformed body is a bad request", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		req := httptest.NewRequest(http.MethodPost, "/api/v1/register", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		registerIdentity(t, env, "user@example.com", "6281234567")

		rec := env.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
			"email": "user@example.com", "phone": "6289999999",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("invalid phone is a bad request", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		rec := env.do(t, http.MethodPost, "/api/v1/register", "", map[string]string{
			"email": "user@example.com", "phone": "12ab",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthedRoutes(t *testing.T) {
	t.Run("missing identity header is unauthorized", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		rec := env.do(t, http.MethodPost, "/api/v1/verification/request", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage identity header is unauthorized", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		rec := env.do(t, http.MethodPost, "/api/v1/verification/request", "not-a-uuid", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestVerificationEndpoints(t *testing.T) {
	t.Run("confirm with the delivered code verifies the phone", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")

		rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
			"code": env.sender.lastCode(),
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		got, err := env.store.GetIdentity(context.Background(), id)
		require.NoError(t, err)
		assert.NotEmpty(t, got.PhoneHash)
	})

	t.Run("wrong code is rejected", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")

		wrong := "000000"
		if env.sender.lastCode() == wrong {
			wrong = "000001"
		}
		rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
			"code": wrong,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rate limit maps to 429 with a retry hint", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")

		for i := 0; i < 4; i++ {
			rec := env.do(t, http.MethodPost, "/api/v1/verification/request", id, nil)
			require.Equal(t, http.StatusAccepted, rec.Code)
		}

		rec := env.do(t, http.MethodPost, "/api/v1/verification/request", id, nil)
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "900", rec.Header().Get("Retry-After"))

		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(900), data["retry_after_seconds"])
	})
}

func TestPhoneChangeEndpoints(t *testing.T) {
	env := newHTTPEnv(t, "")
	id := registerIdentity(t, env, "user@example.com", "6281234567")
	rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
		"code": env.sender.lastCode(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/phone/change", id, map[string]string{
		"new_phone": "6289999999",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/phone/confirm", id, map[string]interface{}{
		"code":          env.sender.lastCode(),
		"report_opt_in": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.ReportOptIn)
}

func TestPasswordRecoveryEndpoints(t *testing.T) {
	env := newHTTPEnv(t, "")
	id := registerIdentity(t, env, "user@example.com", "6281234567")
	rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
		"code": env.sender.lastCode(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/password/recovery/request", "", map[string]string{
		"phone": "6281234567",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/password/recovery/reset", "", map[string]string{
		"phone":        "6281234567",
		"code":         env.sender.lastCode(),
		"new_password": "a-long-password",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetIdentity(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, got.HasPassword())
}

func TestUnlinkProviderEndpoint(t *testing.T) {
	t.Run("precondition failure maps to 412", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")
		env.store.AddLinkedProvider(models.LinkedProvider{IdentityID: id, Provider: "google"})

		rec := env.do(t, http.MethodDelete, "/api/v1/providers/google", id, nil)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("unlink succeeds with a verified phone", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")
		rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
			"code": env.sender.lastCode(),
		})
		require.Equal(t, http.StatusOK, rec.Code)
		env.store.AddLinkedProvider(models.LinkedProvider{IdentityID: id, Provider: "google"})

		rec = env.do(t, http.MethodDelete, "/api/v1/providers/google", id, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("listing reflects the unlink", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")
		rec := env.do(t, http.MethodPost, "/api/v1/verification/confirm", id, map[string]string{
			"code": env.sender.lastCode(),
		})
		require.Equal(t, http.StatusOK, rec.Code)
		env.store.AddLinkedProvider(models.LinkedProvider{IdentityID: id, Provider: "google"})
		env.store.AddLinkedProvider(models.LinkedProvider{IdentityID: id, Provider: "apple"})

		rec = env.do(t, http.MethodGet, "/api/v1/providers", id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		require.Len(t, data["providers"], 2)

		rec = env.do(t, http.MethodDelete, "/api/v1/providers/google", id, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/api/v1/providers", id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp = decodeResponse(t, rec)
		data = resp.Data.(map[string]interface{})
		providers := data["providers"].([]interface{})
		require.Len(t, providers, 1)
		remaining := providers[0].(map[string]interface{})
		assert.Equal(t, "apple", remaining["provider"])
	})
}

func TestDeletionAndPurgeEndpoints(t *testing.T) {
	t.Run("deletion request returns the schedule", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")

		rec := env.do(t, http.MethodPost, "/api/v1/account/deletion", id, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		scheduled, err := time.Parse(time.RFC3339, data["delete_scheduled_at"].(string))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(72*time.Hour), scheduled, 5*time.Second)
	})

	t.Run("purge rejects a wrong secret", func(t *testing.T) {
		env := newHTTPEnv(t, "purge-secret")
		rec := env.do(t, http.MethodGet, "/purge?secret=wrong", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("purge accepts the configured secret", func(t *testing.T) {
		env := newHTTPEnv(t, "purge-secret")
		rec := env.do(t, http.MethodGet, "/purge?secret=purge-secret", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(0), data["deleted_count"])
	})

	t.Run("nothing due right after the request", func(t *testing.T) {
		env := newHTTPEnv(t, "")
		id := registerIdentity(t, env, "user@example.com", "6281234567")
		rec := env.do(t, http.MethodPost, "/api/v1/account/deletion", id, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = env.do(t, http.MethodGet, "/purge", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeResponse(t, rec)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, float64(0), data["deleted_count"])

		_, err := env.store.GetIdentity(context.Background(), id)
		assert.NoError(t, err)
	})
}

func TestNotFoundRoute(t *testing.T) {
	env := newHTTPEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"error":%q}`, "endpoint not found"), rec.Body.String())
}
