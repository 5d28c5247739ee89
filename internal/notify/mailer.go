package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/logging"
)

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	From     string `json:"from"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Enabled reports whether a relay is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer delivers send_email messages through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTPMailer creates a mailer for cfg. Port defaults to 25.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// Send implements actions.Mailer.
func (m *SMTPMailer) Send(ctx context.Context, msg actions.EmailMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.New().String()

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := m.send(addr, auth, m.cfg.From, msg.To, m.compose(id, msg)); err != nil {
		return "", fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	logging.LogWith(ctx, slog.Default()).Info("email sent", "message_id", id, "recipients", len(msg.To))
	return id, nil
}

func (m *SMTPMailer) compose(id string, msg actions.EmailMessage) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", m.cfg.From)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", m.now().Format(time.RFC1123Z))
	header("Message-ID", "<"+id+"@stepflow>")
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return b.Bytes()
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send implements actions.Mailer.
func (m *LogMailer) Send(ctx context.Context, msg actions.EmailMessage) (string, error) {
	id := uuid.New().String()
	logging.LogWith(ctx, m.logger).Info("email (not delivered)",
		"message_id", id, "to", msg.To, "subject", msg.Subject, "body_bytes", len(msg.Body))
	return id, nil
}

// New picks SMTPMailer when cfg has a host, LogMailer otherwise.
func New(cfg SMTPConfig, logger *slog.Logger) actions.Mailer {
	if cfg.Enabled() {
		return NewSMTPMailer(cfg)
	}
	return NewLogMailer(logger)
}

var (
	_ actions.Mailer = (*SMTPMailer)(nil)
	_ actions.Mailer = (*LogMailer)(nil)
)
