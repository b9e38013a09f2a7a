// Package delivery sends exported reports to their recipients.
package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/export"
)

// Message is one delivery of a report.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
	Attachment *export.Payload
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// New returns an SMTP notifier when email is enabled, and a logging notifier otherwise.
func New(cfg config.EmailConfig, logger *zap.Logger) Notifier {
	if cfg.Enabled {
		return NewSMTPNotifier(cfg, logger)
	}
	return NewLogNotifier(logger)
}

// LogNotifier records deliveries in the log without sending them.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
	}
	if msg.Attachment != nil {
		fields = append(fields,
			zap.String("attachment", msg.Attachment.Filename),
			zap.Int("bytes", len(msg.Attachment.Data)),
		)
	}
	n.logger.Info("Report delivery (email disabled)", fields...)
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails reports as attachments.
type SMTPNotifier struct {
	cfg    config.EmailConfig
	logger *zap.Logger
	send   sendFunc
	now    func() time.Time
}

func NewSMTPNotifier(cfg config.EmailConfig, logger *zap.Logger) *SMTPNotifier {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	return &SMTPNotifier{cfg: cfg, logger: logger, send: smtp.SendMail, now: time.Now}
}

func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return apperr.Validation("at least one recipient required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := n.compose(msg)
	if err != nil {
		return err
	}

	addr := n.cfg.SMTPHost + ":" + strconv.Itoa(n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}
	if err := n.send(addr, auth, n.cfg.FromAddr, msg.Recipients, body); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("Report delivered",
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
	)
	return nil
}

// compose builds a multipart/mixed message with the export attached.
func (n *SMTPNotifier) compose(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", n.cfg.FromAddr)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.Recipients, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := text.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}

	if a := msg.Attachment; a != nil {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {a.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps encoded data at 76 columns.
func writeBase64(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := w.Write([]byte(encoded[:n] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
