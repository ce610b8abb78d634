package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/relaymesh/control-plane/pkg/contracts"
	"github.com/relaymesh/control-plane/pkg/models"
)

// SMTPConfig is the fallback SMTP submission target used when a user's
// effective config omits one, shaped after divinesense's plugin/email
// Config (spec.md §4.6 "Email" contract).
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	UseTLS    bool
}

func (c SMTPConfig) address() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// EmailHandler delivers via SMTP with STARTTLS. No SMTP client library
// appears anywhere in the retrieved pack, so this is the one ambient
// concern in the module built directly on net/smtp + crypto/tls.
type EmailHandler struct {
	fallback SMTPConfig
}

// NewEmailHandler builds an email handler using fallback when the
// effective config's Config map doesn't override SMTP settings.
func NewEmailHandler(fallback SMTPConfig) *EmailHandler {
	return &EmailHandler{fallback: fallback}
}

var _ contracts.IntegrationHandler = (*EmailHandler)(nil)

func (h *EmailHandler) Kind() models.IntegrationKind { return models.IntegrationEmail }

func (h *EmailHandler) Deliver(ctx context.Context, cfg models.EffectiveConfig, payload contracts.DeliveryPayload) contracts.Outcome {
	smtpCfg := h.resolveConfig(cfg)
	to, _ := cfg.Config["to"].(string)
	if to == "" {
		return contracts.Outcome{Success: false, Retryable: false, Error: "no recipient email address configured"}
	}
	if smtpCfg.Host == "" || smtpCfg.FromEmail == "" {
		return contracts.Outcome{Success: false, Retryable: false, Error: "SMTP host or from address not configured"}
	}

	msg := buildMessage(smtpCfg, to, payload.Subject, payload.Body)

	done := make(chan error, 1)
	go func() { done <- h.send(smtpCfg, to, msg) }()

	select {
	case <-ctx.Done():
		return contracts.Outcome{Success: false, Retryable: true, Error: "email send canceled: " + ctx.Err().Error()}
	case err := <-done:
		if err != nil {
			return contracts.Outcome{Success: false, Retryable: true, Error: err.Error()}
		}
		return contracts.Outcome{Success: true}
	}
}

func (h *EmailHandler) resolveConfig(cfg models.EffectiveConfig) SMTPConfig {
	out := h.fallback
	if host, ok := cfg.Config["smtp_host"].(string); ok && host != "" {
		out.Host = host
	}
	if port, ok := cfg.Config["smtp_port"].(float64); ok && port > 0 {
		out.Port = int(port)
	}
	if from, ok := cfg.Config["from_email"].(string); ok && from != "" {
		out.FromEmail = from
	}
	if name, ok := cfg.Config["from_name"].(string); ok {
		out.FromName = name
	}
	return out
}

func buildMessage(cfg SMTPConfig, to, subject, body string) []byte {
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s\r\n",
		from, to, subject, body,
	))
}

// send submits the message over SMTP with STARTTLS on port 587 by default
// (spec.md §6 "Outbound integration contracts" — Email).
func (h *EmailHandler) send(cfg SMTPConfig, to string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", cfg.address(), 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w", err)
			}
		}
	}

	if err := client.Mail(cfg.FromEmail); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message body: %w", err)
	}
	return client.Quit()
}
