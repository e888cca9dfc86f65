package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// WhatsAppSender posts verification codes to an external WhatsApp
// gateway. The gateway owns templating and delivery; this client only
// carries the destination and the code.
type WhatsAppSender struct {
	url    string
	token  string
	client *http.Client
}

func NewWhatsAppSender(cfg *config.Config) *WhatsAppSender {
	return &WhatsAppSender{
		url:   cfg.Sender.WhatsAppURL,
		token: cfg.Sender.WhatsAppToken,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type whatsAppMessage struct {
	To   string `json:"to"`
	Code string `json:"code"`
}

func (w *WhatsAppSender) SendCode(ctx context.Context, destination, code string) error {
	body, err := json.Marshal(whatsAppMessage{To: destination, Code: code})
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		util.Error("whatsapp delivery failed", zap.Error(err))
		return fmt.Errorf("whatsapp delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		util.Error("whatsapp gateway rejected message",
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("whatsapp gateway returned status %d", resp.StatusCode)
	}

	util.Debug("whatsapp code delivered")
	return nil
}
