// This file is part of rkwebutil
//
// rkwebutil is free software, available under the BSD 3-clause license (see LICENSE)

/*
Package mail provides outbound email delivery for password reset links.

It defines a narrow [Sender] interface so the auth service never depends on a
concrete SMTP implementation; tests substitute an in-memory recorder.
*/
package mail

import (
	"context"
	"fmt"
	"log/slog"

	gomail "github.com/wneessen/go-mail"
)

// Sender delivers a single plain-text email.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds the delivery settings for [SMTPSender].
type SMTPConfig struct {
	Host     string
	Port     int
	UseSSL   bool
	Username string
	Password string
	From     string
}

// SMTPSender sends email through an SMTP relay. A fresh connection is dialed
// per message; password resets are rare enough that connection reuse would
// buy nothing.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender creates an [SMTPSender] with the given delivery settings.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, logger: logger}
}

// Send delivers one plain-text message to a single recipient.
func (sender *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	message := gomail.NewMsg()
	if err := message.From(sender.cfg.From); err != nil {
		return fmt.Errorf("mail: invalid from address: %w", err)
	}
	if err := message.To(to); err != nil {
		return fmt.Errorf("mail: invalid recipient address: %w", err)
	}
	message.Subject(subject)
	message.SetBodyString(gomail.TypeTextPlain, body)

	options := []gomail.Option{
		gomail.WithPort(sender.cfg.Port),
	}
	if sender.cfg.UseSSL {
		options = append(options, gomail.WithSSL())
	}
	if sender.cfg.Username != "" {
		options = append(options,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(sender.cfg.Username),
			gomail.WithPassword(sender.cfg.Password),
		)
	}

	client, err := gomail.NewClient(sender.cfg.Host, options...)
	if err != nil {
		return fmt.Errorf("mail: failed to create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, message); err != nil {
		return fmt.Errorf("mail: failed to send message: %w", err)
	}

	sender.logger.InfoContext(ctx, "mail_sent",
		slog.String("to", to),
		slog.String("subject", subject),
	)
	return nil
}
