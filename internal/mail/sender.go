// Package mail sends campaign messages over SMTP with STARTTLS.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// ErrNoCredentials means SMTP username/password were not configured.
// Fatal to the campaign that needs them, not to the process.
var ErrNoCredentials = errors.New("smtp credentials missing")

// Message is one outbound HTML email. BCC, when set, receives a copy
// for auditing.
type Message struct {
	To      string
	BCC     string
	Subject string
	HTML    string
}

// Sender delivers a single message. The campaign dispatcher treats a
// send error as a per-recipient failure and continues the batch.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender implements Sender over SMTP with STARTTLS and PLAIN auth.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string

	dialTimeout time.Duration
}

// NewSMTP creates an SMTP sender. from is the envelope and header
// sender address.
func NewSMTP(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		from:        from,
		dialTimeout: 30 * time.Second,
	}
}

// Send delivers one message to the recipient and, when configured, the
// BCC copy in the same SMTP transaction.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if s.username == "" || s.password == "" {
		return ErrNoCredentials
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	tlsConfig := &tls.Config{
		ServerName: s.host,
		MinVersion: tls.VersionTLS12,
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}

	auth := smtp.PlainAuth("", s.username, s.password, s.host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	recipients := []string{msg.To}
	if msg.BCC != "" && !strings.EqualFold(msg.BCC, msg.To) {
		recipients = append(recipients, msg.BCC)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("start message: %w", err)
	}
	if _, err := writer.Write([]byte(s.buildMessage(msg))); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	// Quit failures after a completed DATA are ignored; the message
	// was accepted.
	_ = client.Quit()
	return nil
}

// buildMessage assembles headers and the HTML body. The BCC address is
// an envelope recipient only and never appears in headers.
func (s *SMTPSender) buildMessage(msg Message) string {
	var b strings.Builder
	b.WriteString("From: " + s.from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return b.String()
}
