package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/finops-analytics/internal/apperr"
	"github.com/lvonguyen/finops-analytics/internal/config"
	"github.com/lvonguyen/finops-analytics/internal/export"
	"github.com/lvonguyen/finops-analytics/internal/report"
)

type sent struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  []byte
}

func testNotifier(t *testing.T, captured *sent, sendErr error) *SMTPNotifier {
	n := NewSMTPNotifier(config.EmailConfig{
		Enabled:  true,
		SMTPHost: "smtp.example.com",
		Username: "reports",
		Password: "secret",
		FromAddr: "finops@example.com",
	}, zaptest.NewLogger(t))
	n.now = func() time.Time { return time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC) }
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*captured = sent{addr: addr, auth: a, from: from, to: to, msg: msg}
		return sendErr
	}
	return n
}

func TestSMTPNotifierSendsAttachment(t *testing.T) {
	var got sent
	n := testNotifier(t, &got, nil)

	payload := &export.Payload{
		Format:      report.FormatCSV,
		ContentType: "text/csv; charset=utf-8",
		Filename:    "cost-20240201.csv",
		Data:        []byte("Service,Cost\nB,600.00\n"),
	}
	err := n.Notify(context.Background(), Message{
		Recipients: []string{"a@example.com", "b@example.com"},
		Subject:    "Weekly cost report",
		Body:       "Attached.",
		Attachment: payload,
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", got.addr)
	assert.NotNil(t, got.auth)
	assert.Equal(t, "finops@example.com", got.from)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got.to)

	m, err := mail.ReadMessage(bytes.NewReader(got.msg))
	require.NoError(t, err)
	assert.Equal(t, "Weekly cost report", m.Header.Get("Subject"))
	assert.Equal(t, "a@example.com, b@example.com", m.Header.Get("To"))

	mediaType, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(m.Body, params["boundary"])
	body, err := mr.NextPart()
	require.NoError(t, err)
	text, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "Attached.", string(text))

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "cost-20240201.csv", att.FileName())
	assert.Equal(t, "text/csv; charset=utf-8", att.Header.Get("Content-Type"))
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.ReplaceAll(encoded, []byte("\r\n"), nil)))
	require.NoError(t, err)
	assert.Equal(t, payload.Data, decoded)

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSMTPNotifierErrors(t *testing.T) {
	var got sent
	n := testNotifier(t, &got, errors.New("connection refused"))

	err := n.Notify(context.Background(), Message{Subject: "x"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	err = n.Notify(context.Background(), Message{Recipients: []string{"a@example.com"}, Subject: "x"})
	assert.ErrorContains(t, err, "connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got = sent{}
	err = n.Notify(ctx, Message{Recipients: []string{"a@example.com"}, Subject: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got.addr)
}

func TestNewSelectsNotifier(t *testing.T) {
	logger := zaptest.NewLogger(t)
	assert.IsType(t, &LogNotifier{}, New(config.EmailConfig{}, logger))
	assert.IsType(t, &SMTPNotifier{}, New(config.EmailConfig{Enabled: true, SMTPHost: "localhost"}, logger))
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zaptest.NewLogger(t))
	assert.NoError(t, n.Notify(context.Background(), Message{
		Recipients: []string{"a@example.com"},
		Attachment: &export.Payload{Filename: "r.pdf", Data: []byte("%PDF-")},
	}))
}
