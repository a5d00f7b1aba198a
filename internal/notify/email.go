package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/alertengine/internal/model"
)

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	From              string
	DefaultRecipients []string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers notifications over SMTP
type EmailSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
}

// NewEmailSender creates an SMTP sender. An empty host leaves the channel unconfigured.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Channel implements Sender
func (s *EmailSender) Channel() model.Channel {
	return model.ChannelEmail
}

// Send implements Sender. Tenant recipients take precedence over the defaults.
func (s *EmailSender) Send(ctx context.Context, d Delivery) error {
	to := d.Recipients
	if len(to) == 0 {
		to = s.cfg.DefaultRecipients
	}
	if s.cfg.Host == "" || s.cfg.From == "" || len(to) == 0 {
		return fmt.Errorf("email: %w", ErrChannelNotConfigured)
	}
	to, err := parseRecipients(to)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := s.buildMessage(to, d)

	// net/smtp has no context support, so the send runs aside and is abandoned on timeout
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.cfg.From, to, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: %w", ctx.Err())
	}
}

func (s *EmailSender) buildMessage(to []string, d Delivery) []byte {
	n := d.Notification
	var b bytes.Buffer

	fmt.Fprintf(&b, "From: %s\r\n", headerValue(s.cfg.From))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(strings.Join(to, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(subjectLine(n))))
	fmt.Fprintf(&b, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	fmt.Fprintf(&b, "X-Notification-Id: %s\r\n", headerValue(n.ID))
	b.WriteString("\r\n")

	fmt.Fprintf(&b, "%s\r\n\r\n", n.Message)
	fmt.Fprintf(&b, "Tenant: %s\r\n", d.TenantID)
	fmt.Fprintf(&b, "Type: %s\r\n", n.Type)
	fmt.Fprintf(&b, "Priority: %s\r\n", n.Priority)
	fmt.Fprintf(&b, "Source: %s\r\n", n.Source)
	fmt.Fprintf(&b, "Time: %s\r\n", n.Timestamp.UTC().Format(time.RFC3339))

	return b.Bytes()
}

// headerValue folds CR and LF out of a header value so caller-supplied text
// cannot start a new header
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, v)
}

// parseRecipients returns the bare addresses of to, rejecting anything that
// is not a single RFC 5322 address
func parseRecipients(to []string) ([]string, error) {
	out := make([]string, 0, len(to))
	for _, raw := range to {
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		out = append(out, addr.Address)
	}
	return out, nil
}
