// Package mailer sends the platform's transactional email: login codes,
// password reset links and team invitations.
//
// Services depend on the Sender interface. ResendSender delivers through the
// Resend API; LogSender only logs and is used when no API key is configured.
package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	ResendAPIKey string `env:"RESEND_API_KEY"`
	From         string `env:"MAIL_FROM" envDefault:"exa <no-reply@exa.local>"`
	// FrontendURL is the base of links placed in emails (reset, invitation).
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3001"`
	// LogBodies makes LogSender include message bodies (codes, links) at
	// debug level. Local development only.
	LogBodies bool `env:"MAIL_LOG_BODY"`
}

// ConfigFromEnv reads mail settings.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse mail env: %w", err)
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return cfg, nil
}

// New picks ResendSender when an API key is present and LogSender otherwise.
func New(cfg Config, logger *zap.SugaredLogger) Sender {
	if cfg.ResendAPIKey == "" {
		logger.Warn("RESEND_API_KEY not set; emails will only be logged")
		return &LogSender{logger: logger, bodies: cfg.LogBodies}
	}
	return NewResendSender(cfg.ResendAPIKey, cfg.From)
}

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send email via resend: %w", err)
	}
	return nil
}

// LogSender records that an email was dropped instead of delivering it.
// Bodies carry one-time codes and tokens, so they are only logged when
// enabled, and then at debug level.
type LogSender struct {
	logger *zap.SugaredLogger
	bodies bool
}

func NewLogSender(logger *zap.SugaredLogger) *LogSender { return &LogSender{logger: logger} }

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Infow("email not delivered (log sender)", "to", msg.To, "subject", msg.Subject)
	if s.bodies {
		s.logger.Debugw("undelivered email body", "to", msg.To, "text", msg.Text)
	}
	return nil
}
