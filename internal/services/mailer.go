package services

import (
	"fmt"
	"net/smtp"

	"github.com/authbase/backend/internal/config"
	"github.com/authbase/backend/pkg/logger"
)

// Mailer is the email capability the auth flows consume. Delivery failure is
// never fatal to the primary operation; callers log it and surface a flag.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}

// NewMailer returns an SMTP-backed mailer when a host is configured and a
// log-only mailer otherwise (development, tests).
func NewMailer(cfg config.SMTPConfig) Mailer {
	if cfg.Host == "" {
		return &LogMailer{}
	}
	return &SMTPMailer{cfg: cfg}
}

type SMTPMailer struct {
	cfg config.SMTPConfig
}

func (m *SMTPMailer) Send(to, subject, htmlBody string) error {
	addr := m.cfg.Host + ":" + m.cfg.Port

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s\r\n",
		m.cfg.From, to, subject, htmlBody,
	)

	return smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg))
}

// LogMailer writes the mail to the structured log instead of sending it.
type LogMailer struct{}

func (m *LogMailer) Send(to, subject, htmlBody string) error {
	logger.Info("mail_logged", map[string]interface{}{
		"to":      to,
		"subject": subject,
		"bytes":   len(htmlBody),
	})
	return nil
}
