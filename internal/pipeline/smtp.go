package pipeline

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// SMTPProvider delivers messages through an SMTP submission endpoint,
// authenticating as the resolved sender identity with its OAuth access
// token (OAUTHBEARER).
type SMTPProvider struct {
	addr     string // host:port of the submission endpoint
	hostname string // HELO name
	timeout  time.Duration
	logger   *slog.Logger
}

// NewSMTPProvider creates a provider for one submission endpoint.
func NewSMTPProvider(addr, hostname string, timeout time.Duration, logger *slog.Logger) *SMTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPProvider{
		addr:     addr,
		hostname: hostname,
		timeout:  timeout,
		logger:   logger.With("component", "smtp_provider"),
	}
}

// Deliver submits the composed message. The returned id is the Message-ID
// stamped on the wire message.
func (p *SMTPProvider) Deliver(ctx context.Context, d *Delivery) (string, error) {
	dialer := &net.Dialer{Timeout: p.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return "", &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", p.addr, err),
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(p.timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(p.hostname); err != nil {
		return "", categorizeError(err, "HELO")
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		host, _, _ := net.SplitHostPort(p.addr)
		tlsConfig := &tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return "", categorizeError(err, "STARTTLS")
		}
	}

	if d.Credential != nil {
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: d.FromEmail,
			Token:    d.Credential.AccessToken,
		})
		if err := client.Auth(auth); err != nil {
			return "", categorizeError(err, "AUTH")
		}
	}

	messageID, data := composeMessage(d, p.hostname)

	if err := client.Mail(d.FromEmail, nil); err != nil {
		return "", categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(d.ToEmail, nil); err != nil {
		return "", categorizeError(err, "RCPT TO")
	}

	w, err := client.Data()
	if err != nil {
		return "", categorizeError(err, "DATA")
	}
	if _, err := w.Write([]byte(data)); err != nil {
		w.Close()
		return "", categorizeError(err, "DATA write")
	}
	if err := w.Close(); err != nil {
		return "", categorizeError(err, "DATA close")
	}

	client.Quit()

	p.logger.Debug("message submitted", "to", d.ToEmail, "message_id", messageID)
	return messageID, nil
}

// composeMessage builds the RFC 5322 wire message: multipart/alternative
// with the text part first.
func composeMessage(d *Delivery, hostname string) (messageID, raw string) {
	messageID = fmt.Sprintf("<%s@%s>", uuid.New().String(), hostname)
	boundary := strings.ReplaceAll(uuid.New().String(), "-", "")

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", formatAddress(d.FromName, d.FromEmail))
	fmt.Fprintf(&b, "To: %s\r\n", formatAddress(d.ToName, d.ToEmail))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", d.Subject))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case d.HTMLBody != "" && d.TextBody != "":
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(d.TextBody)
		fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(d.HTMLBody)
		fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	case d.HTMLBody != "":
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(d.HTMLBody)
		b.WriteString("\r\n")
	default:
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(d.TextBody)
		b.WriteString("\r\n")
	}

	return messageID, b.String()
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), email)
}

// categorizeError classifies an SMTP failure: 5xx replies are permanent,
// everything else is temporary.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		if smtpErr.Code >= 500 {
			return &DeliveryError{Temporary: false, Message: msg}
		}
		return &DeliveryError{Temporary: true, Message: msg}
	}

	return &DeliveryError{Temporary: true, Message: msg}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	if de, ok := err.(*DeliveryError); ok {
		return de.Temporary
	}
	return true
}
