// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package mail delivers one-time codes to users, either over SMTP or
// to the log for development setups.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/keyfold/keyfold/internal/auth"
)

// Transient delivery failures are retried with a fibonacci backoff
// before the caller sees an error.
const (
	retryBase   = 500 * time.Millisecond
	sendRetries = 2
)

// errNoSTARTTLS means the relay cannot satisfy the required STARTTLS
// upgrade. Retrying cannot help.
var errNoSTARTTLS = errors.New("smtp server does not support STARTTLS")

// LogMailer writes codes to the structured log instead of sending
// mail. Only for development; the plaintext code ends up in the log.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer. A nil logger uses slog.Default.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// SendCode logs the code instead of delivering it.
func (m *LogMailer) SendCode(_ context.Context, email string, purpose auth.CodePurpose, code string) error {
	m.logger.Info("one-time code issued",
		"email", email,
		"purpose", string(purpose),
		"code", code,
	)
	return nil
}

// SMTPOptions configures an SMTPMailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
}

// SMTPMailer delivers codes over SMTP. Transient failures (connection
// errors, 4xx responses) are retried; 5xx responses are not.
type SMTPMailer struct {
	opts SMTPOptions
}

// NewSMTPMailer creates an SMTPMailer for the given relay.
func NewSMTPMailer(opts SMTPOptions) *SMTPMailer {
	return &SMTPMailer{opts: opts}
}

// SendCode composes and delivers the code mail for the given purpose.
func (m *SMTPMailer) SendCode(ctx context.Context, email string, purpose auth.CodePurpose, code string) error {
	subject, body := composeCode(purpose, code)

	backoff := retry.WithMaxRetries(sendRetries, retry.NewFibonacci(retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if sendErr := m.send(ctx, email, subject, body); sendErr != nil {
			if isPermanent(sendErr) {
				return sendErr
			}
			return retry.RetryableError(sendErr)
		}
		return nil
	})
	if err != nil {
		return oops.Code("MAIL_SEND_FAILED").
			With("purpose", string(purpose)).
			With("host", m.opts.Host).
			Wrapf(err, "send code mail")
	}
	return nil
}

// send performs one SMTP delivery attempt.
func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(m.opts.Host, strconv.Itoa(m.opts.Port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, m.opts.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = client.Close() }()

	if m.opts.StartTLS {
		ok, _ := client.Extension("STARTTLS")
		if !ok {
			return errNoSTARTTLS
		}
		tlsCfg := &tls.Config{
			ServerName: m.opts.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsCfg); err != nil {
			return err
		}
	}

	if m.opts.Username != "" {
		plainAuth := smtp.PlainAuth("", m.opts.Username, m.opts.Password, m.opts.Host)
		if err := client.Auth(plainAuth); err != nil {
			return err
		}
	}

	if err := client.Mail(m.opts.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buildMessage(m.opts.From, to, subject, body)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// The message is accepted once DATA completes; a failed QUIT must
	// not trigger a retransmit.
	_ = client.Quit()
	return nil
}

// isPermanent reports whether err cannot succeed on retry: an SMTP 5xx
// response or a missing STARTTLS extension.
func isPermanent(err error) bool {
	if errors.Is(err, errNoSTARTTLS) {
		return true
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 500 && protoErr.Code < 600
	}
	return false
}

// composeCode returns the subject and body for a code mail.
func composeCode(purpose auth.CodePurpose, code string) (subject, body string) {
	switch purpose {
	case auth.PurposePasswordReset:
		subject = "Your keyfold password reset code"
		body = fmt.Sprintf(
			"Use this code to reset your password:\n\n\t%s\n\nIf you did not request a reset, you can ignore this message.\n",
			code,
		)
	default:
		subject = "Your keyfold verification code"
		body = fmt.Sprintf(
			"Use this code to verify your email address:\n\n\t%s\n\nIf you did not create an account, you can ignore this message.\n",
			code,
		)
	}
	return subject, body
}

// buildMessage assembles an RFC 5322 text/plain message.
func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// Interface checks.
var (
	_ auth.CodeMailer = (*LogMailer)(nil)
	_ auth.CodeMailer = (*SMTPMailer)(nil)
)
