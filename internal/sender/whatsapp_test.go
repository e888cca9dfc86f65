package sender_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
	"identity-service/internal/sender"
)

func TestWhatsAppSender_SendCode(t *testing.T) {
	t.Run("posts destination and code to the gateway", func(t *testing.T) {
		var got struct {
			To   string `json:"to"`
			Code string `json:"code"`
		}
		var auth string

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		cfg := &config.Config{}
		cfg.Sender.WhatsAppURL = srv.URL
		cfg.Sender.WhatsAppToken = "gw-token"

		ws := sender.NewWhatsAppSender(cfg)
		require.NoError(t, ws.SendCode(context.Background(), "6281234567", "042931"))

		assert.Equal(t, "6281234567", got.To)
		assert.Equal(t, "042931", got.Code)
		assert.Equal(t, "Bearer gw-token", auth)
	})

	t.Run("gateway error surfaces as delivery failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		cfg := &config.Config{}
		cfg.Sender.WhatsAppURL = srv.URL

		ws := sender.NewWhatsAppSender(cfg)
		assert.Error(t, ws.SendCode(context.Background(), "6281234567", "042931"))
	})

	t.Run("unreachable gateway fails", func(t *testing.T) {
		cfg := &config.Config{}
		cfg.Sender.WhatsAppURL = "http://127.0.0.1:1"

		ws := sender.NewWhatsAppSender(cfg)
		assert.Error(t, ws.SendCode(context.Background(), "6281234567", "042931"))
	})
}
