package provider

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
)

var _ smtpSession = (*smtp.Client)(nil)

// smtpSession is the subset of *smtp.Client the adapter drives.
type smtpSession interface {
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Noop() error
	Quit() error
	Close() error
}

type smtpDialer func(ctx context.Context, addr string, host string) (smtpSession, error)

// SMTPProvider delivers email through an SMTP relay.
type SMTPProvider struct {
	settings domain.SMTPSettings
	timeout  time.Duration
	dial     smtpDialer
}

func NewSMTPProvider(settings domain.SMTPSettings, timeout time.Duration) (*SMTPProvider, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid smtp settings: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &SMTPProvider{settings: settings, timeout: timeout, dial: dialSMTP}, nil
}

func (p *SMTPProvider) Send(ctx context.Context, notification *domain.NotificationRecord) (*ProviderResponse, error) {
	if p == nil || p.dial == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if notification == nil {
		return nil, fmt.Errorf("notification is required")
	}

	session, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Mail(p.settings.From); err != nil {
		return nil, smtpError("MAIL FROM rejected", err)
	}
	for _, recipient := range notification.Recipients {
		if err := session.Rcpt(recipient); err != nil {
			return nil, smtpError(fmt.Sprintf("RCPT TO %s rejected", recipient), err)
		}
	}

	w, err := session.Data()
	if err != nil {
		return nil, smtpError("DATA rejected", err)
	}
	messageID := fmt.Sprintf("<%s@%s>", notification.ID, p.settings.Host)
	if _, err := w.Write(composeMessage(p.settings.From, messageID, notification)); err != nil {
		_ = w.Close()
		return nil, smtpError("failed to write message", err)
	}
	if err := w.Close(); err != nil {
		return nil, smtpError("message rejected", err)
	}
	_ = session.Quit()

	return &ProviderResponse{StatusCode: 250, MessageID: messageID}, nil
}

// Probe opens a session, negotiates TLS and auth, and issues NOOP.
func (p *SMTPProvider) Probe(ctx context.Context) (*ProbeResult, error) {
	if p == nil || p.dial == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	start := time.Now()
	session, err := p.open(ctx)
	if err != nil {
		return &ProbeResult{Latency: time.Since(start)}, err
	}
	defer session.Close()

	if err := session.Noop(); err != nil {
		return &ProbeResult{Latency: time.Since(start)}, smtpError("NOOP failed", err)
	}
	_ = session.Quit()

	return &ProbeResult{StatusCode: 250, Latency: time.Since(start)}, nil
}

func (p *SMTPProvider) open(ctx context.Context) (smtpSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	session, err := p.dial(ctx, p.settings.Addr(), p.settings.Host)
	if err != nil {
		return nil, requestError("smtp connect failed", err)
	}

	if p.settings.StartTLS {
		if ok, _ := session.Extension("STARTTLS"); ok {
			if err := session.StartTLS(&tls.Config{ServerName: p.settings.Host}); err != nil {
				_ = session.Close()
				return nil, smtpError("STARTTLS failed", err)
			}
		}
	}
	if p.settings.Username != "" {
		if ok, _ := session.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", p.settings.Username, p.settings.Password, p.settings.Host)
			if err := session.Auth(auth); err != nil {
				_ = session.Close()
				return nil, smtpError("authentication failed", err)
			}
		}
	}
	return session, nil
}

// smtpError classifies 4xx replies as transient and 5xx as permanent.
func smtpError(message string, err error) *ProviderError {
	if tpErr, ok := err.(*textproto.Error); ok {
		return &ProviderError{
			StatusCode: tpErr.Code,
			Message:    message,
			Transient:  tpErr.Code >= 400 && tpErr.Code < 500,
			Cause:      err,
		}
	}
	return requestError(message, err)
}

func composeMessage(from, messageID string, notification *domain.NotificationRecord) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(notification.Recipients, ", ") + "\r\n")
	b.WriteString("Subject: " + notification.Content.Subject + "\r\n")
	b.WriteString("Message-ID: " + messageID + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")

	text := notification.Content.Text
	if strings.TrimSpace(text) == "" && strings.TrimSpace(notification.Content.HTML) == "" {
		text = notification.Content.Ref
	}

	switch {
	case notification.Content.HTML != "" && text != "":
		boundary := "notify-" + notification.ID
		b.WriteString("Content-Type: multipart/alternative; boundary=\"" + boundary + "\"\r\n\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(text + "\r\n")
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(notification.Content.HTML + "\r\n")
		b.WriteString("--" + boundary + "--\r\n")
	case notification.Content.HTML != "":
		b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
		b.WriteString(notification.Content.HTML + "\r\n")
	default:
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		b.WriteString(text + "\r\n")
	}
	return []byte(b.String())
}

func dialSMTP(ctx context.Context, addr string, host string) (smtpSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}
