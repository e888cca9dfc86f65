package sender

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// SMTPSender delivers verification codes over email. Used when the
// identity has no deliverable phone yet (registration) or as the
// fallback channel.
type SMTPSender struct {
	addr     string
	from     string
	username string
	password string
}

func NewSMTPSender(cfg *config.Config) *SMTPSender {
	return &SMTPSender{
		addr:     cfg.Sender.SMTPAddr,
		from:     cfg.Sender.SMTPFrom,
		username: cfg.Sender.SMTPUsername,
		password: cfg.Sender.SMTPPassword,
	}
}

func (s *SMTPSender) SendCode(ctx context.Context, destination, code string) error {
	msg := strings.Join([]string{
		"From: " + s.from,
		"To: " + destination,
		"Subject: Your verification code",
		"",
		"Your verification code is " + code + ". It expires in 5 minutes.",
	}, "\r\n")

	var auth smtp.Auth
	if s.username != "" {
		host := s.addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.username, s.password, host)
	}

	// net/smtp has no context support; honor cancellation before the
	// dial and rely on server timeouts after.
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := smtp.SendMail(s.addr, auth, s.from, []string{destination}, []byte(msg)); err != nil {
		util.Error("smtp delivery failed", zap.Error(err))
		return fmt.Errorf("smtp delivery failed: %w", err)
	}

	util.Debug("email code delivered")
	return nil
}
