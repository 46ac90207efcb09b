package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/support-agent/internal/model"
)

const smtpDialTimeout = 30 * time.Second

// SMTPSender submits rendered replies over a short-lived SMTP session.
// A sender serves exactly one delivery attempt sequence and is not safe
// for concurrent use; callers open one per sequence and close it when
// the sequence ends.
type SMTPSender struct {
	cfg model.MailboxConfig
	log zerolog.Logger

	client *smtp.Client
}

// NewSMTPSender creates an SMTP sender. No connection is made until
// Reconnect is called.
func NewSMTPSender(cfg model.MailboxConfig, log zerolog.Logger) *SMTPSender {
	return &SMTPSender{
		cfg: cfg,
		log: log.With().Str("component", "smtp").Logger(),
	}
}

// Probe checks that the held session is still alive. With no session it
// reports a disconnect so the caller establishes one.
func (s *SMTPSender) Probe(_ context.Context) error {
	if s.client == nil {
		return &Error{
			Kind: KindDisconnect,
			Op:   "probing SMTP session",
			Err:  fmt.Errorf("no session"),
		}
	}
	return wrapErr("probing SMTP session", s.client.Noop())
}

// Reconnect drops any held session and establishes a fresh,
// authenticated one. Port 587 and any non-TLS config use STARTTLS;
// otherwise the connection is implicit TLS.
func (s *SMTPSender) Reconnect(_ context.Context) error {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}

	addr := s.cfg.SMTPHost + ":" + s.cfg.SMTPPort

	var client *smtp.Client
	var err error
	if s.cfg.TLS && s.cfg.SMTPPort != "587" {
		client, err = dialSMTPWithTLS(addr, s.cfg.SMTPHost)
	} else {
		client, err = dialSMTPWithStartTLS(addr, s.cfg.SMTPHost)
	}
	if err != nil {
		return wrapErr("connecting to SMTP "+addr, err)
	}

	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := client.Auth(auth); err != nil {
		_ = client.Close()
		return wrapErr("SMTP auth", err)
	}

	s.log.Debug().Str("addr", addr).Msg("SMTP session established")
	s.client = client
	return nil
}

// Send submits one rendered message on the held session.
func (s *SMTPSender) Send(_ context.Context, msg *model.Outbound) error {
	if s.client == nil {
		return &Error{
			Kind: KindDisconnect,
			Op:   "sending message",
			Err:  fmt.Errorf("no session"),
		}
	}

	if err := s.client.Mail(msg.From); err != nil {
		return wrapErr("SMTP MAIL FROM", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		return wrapErr("SMTP RCPT TO", err)
	}

	writer, err := s.client.Data()
	if err != nil {
		return wrapErr("SMTP DATA", err)
	}
	if _, err := writer.Write(msg.Raw); err != nil {
		_ = writer.Close()
		return wrapErr("writing message body", err)
	}
	if err := writer.Close(); err != nil {
		return wrapErr("closing message body", err)
	}

	return nil
}

// Close quits the held session, if any.
func (s *SMTPSender) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Quit()
	s.client = nil
	return err
}

// dialSMTPWithTLS opens an implicit-TLS connection.
func dialSMTPWithTLS(addr, host string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: host}

	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}
	return client, nil
}

// dialSMTPWithStartTLS opens a plain connection and upgrades it.
func dialSMTPWithStartTLS(addr, host string) (*smtp.Client, error) {
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating SMTP client: %w", err)
	}

	tlsConfig := &tls.Config{ServerName: host}
	if err := client.StartTLS(tlsConfig); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("SMTP STARTTLS: %w", err)
	}
	return client, nil
}
