package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	logx "newsbeat/pkg/logx"
)

// Sender delivers one HTML email.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

type SenderConfig struct {
	Driver string // "smtp" or "log"
	From   string

	Host     string
	Port     int
	Username string
	Password string
	TLS      string // "mandatory", "opportunistic" (default) or "none"
	SSL      bool   // implicit TLS (port 465)
	Timeout  time.Duration
}

// NewSender builds the configured sender.
func NewSender(cfg SenderConfig, log logx.Logger) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return NewLogSender(log), nil
	case "smtp":
		return NewSMTPSender(cfg)
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.Driver)
	}
}

// LogSender logs messages instead of sending them.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log.With(logx.String("comp", "mail.log"))}
}

func (s *LogSender) Send(_ context.Context, to, subject, html string) error {
	s.log.Info("mail (dry run)", logx.Email("to", to), logx.String("subject", subject), logx.Int("bytes", len(html)))
	return nil
}

// SMTPSender sends through an SMTP relay. Sends are serialised on one client.
type SMTPSender struct {
	from string

	mu     sync.Mutex
	client *mail.Client
}

func NewSMTPSender(cfg SenderConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail.smtp.host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail.from is required")
	}

	opts := []mail.Option{}
	if cfg.Port > 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.SSL {
		opts = append(opts, mail.WithSSL())
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &SMTPSender{from: cfg.From, client: c}, nil
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, html string) error {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextHTML, html)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client.DialAndSendWithContext(ctx, m)
}
