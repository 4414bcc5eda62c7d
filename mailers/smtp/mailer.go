// Package smtp provides an SMTP implementation of the campusauth.Mailer
// interface.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration.
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	// UseTLS enables implicit TLS (e.g. port 465).
	UseTLS bool
}

// Mailer implements campusauth.Mailer using SMTP.
type Mailer struct {
	cfg Config
}

// New creates a new SMTP mailer.
func New(cfg Config) *Mailer {
	return &Mailer{cfg: cfg}
}

// SendVerification sends an email verification link.
func (m *Mailer) SendVerification(ctx context.Context, to, link string) error {
	subject := "Verify your email"
	text := fmt.Sprintf("Confirm your email address: %s", link)
	html := fmt.Sprintf("<p>Confirm your email address: <a href=\"%s\">%s</a></p>", link, link)
	return m.send(ctx, to, subject, text, html)
}

// SendPasswordReset sends a password reset link.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, link string) error {
	subject := "Reset your password"
	text := fmt.Sprintf("Reset link: %s", link)
	html := fmt.Sprintf("<p>Reset link: <a href=\"%s\">%s</a></p>", link, link)
	return m.send(ctx, to, subject, text, html)
}

// SendAccountBlocked notifies the owner that the account was locked after
// repeated failed sign-ins.
func (m *Mailer) SendAccountBlocked(ctx context.Context, to string) error {
	subject := "Your account has been locked"
	text := "Your account was locked after too many failed sign-in attempts. " +
		"Contact your school administrator to restore access."
	html := "<p>Your account was locked after too many failed sign-in attempts. " +
		"Contact your school administrator to restore access.</p>"
	return m.send(ctx, to, subject, text, html)
}

func (m *Mailer) send(_ context.Context, to, subject, text, html string) error {
	if m.cfg.Host == "" || m.cfg.FromEmail == "" {
		return fmt.Errorf("smtp config incomplete")
	}

	from := m.cfg.FromEmail
	if m.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.FromEmail)
	}

	boundary := "campusauth-boundary"
	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: multipart/alternative; boundary=" + boundary + "\r\n\r\n")
	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(text + "\r\n\r\n")
	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(html + "\r\n\r\n")
	msg.WriteString("--" + boundary + "--\r\n")

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" || m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if !m.cfg.UseTLS {
		return smtp.SendMail(addr, auth, m.cfg.FromEmail, []string{to}, msg.Bytes())
	}

	tlsConfig := &tls.Config{ServerName: m.cfg.Host}
	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(m.cfg.FromEmail); err != nil {
		return err
	}
	if err := client.Rcpt(strings.TrimSpace(to)); err != nil {
		return err
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg.Bytes()); err != nil {
		return err
	}
	return w.Close()
}
