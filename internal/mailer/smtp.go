package mailer

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"
	"gopkg.in/gomail.v2"

	"github.com/mailroomhq/mailroom/internal/ratelimit"
)

const (
	defaultMaxConns = 4
	// limiterKey scopes the rate ceiling to the single SMTP transport.
	limiterKey = "smtp"
)

// SMTPConfig configures the outbound SMTP transport.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	MaxConns int
}

// SMTP delivers mail over a pooled, rate-limited SMTP transport. Concurrent
// connections are bounded by a semaphore and the messages-per-second ceiling
// is enforced by the rate limiter, independent of any retry logic above.
type SMTP struct {
	dialer  *gomail.Dialer
	from    string
	conns   *semaphore.Weighted
	limiter ratelimit.RateLimiter
}

func NewSMTP(cfg SMTPConfig, limiter ratelimit.RateLimiter) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	maxConns := cfg.MaxConns
	if maxConns < 1 {
		maxConns = defaultMaxConns
	}

	return &SMTP{
		dialer:  gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:    cfg.From,
		conns:   semaphore.NewWeighted(int64(maxConns)),
		limiter: limiter,
	}, nil
}

// VerifyConnectivity dials and authenticates against the SMTP server, then
// closes the connection. The returned error carries its failure class.
func (s *SMTP) VerifyConnectivity(ctx context.Context) error {
	if err := s.conns.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.conns.Release(1)

	closer, err := s.dialer.Dial()
	if err != nil {
		return &DeliveryError{Class: Classify(err), Cause: err}
	}
	return closer.Close()
}

// Send delivers one message. The rate ceiling applies per message, the
// connection bound per dial.
func (s *SMTP) Send(ctx context.Context, to, subject, html string) error {
	if err := s.conns.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.conns.Release(1)

	if err := s.limiter.Wait(ctx, limiterKey); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", html)

	if err := s.dialer.DialAndSend(m); err != nil {
		return &DeliveryError{Class: Classify(err), Cause: err}
	}
	return nil
}
