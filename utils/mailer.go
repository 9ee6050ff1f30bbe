package utils

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"dripflow/models"
)

// SMTPMailer delivers mail through the sending account's own SMTP
// credentials.
type SMTPMailer struct {
	Credentials *CredentialStore
	Logger      *logrus.Logger
}

func NewSMTPMailer(creds *CredentialStore, logger *logrus.Logger) *SMTPMailer {
	return &SMTPMailer{
		Credentials: creds,
		Logger:      logger,
	}
}

// Send delivers one message from the given account and returns the
// provider message ID. Temporary SMTP failures are retried a bounded
// number of times.
func (m *SMTPMailer) Send(ctx context.Context, from *models.WarmupAccount, to, subject, body string) (string, error) {
	cred, err := m.Credentials.SendCredential(from)
	if err != nil {
		return "", err
	}
	if cred.Host == "" {
		// OAuth transports hand off to the provider API; SMTP is the only
		// transport wired here.
		return "", fmt.Errorf("account %d has no SMTP transport", from.ID)
	}

	dialer := gomail.NewDialer(cred.Host, cred.Port, cred.Username, cred.Password)
	dialer.TLSConfig = &tls.Config{ServerName: cred.Host}

	messageID := uuid.New().String()

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", from.FromName, from.Email))
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, domainOf(from.Email)))
	msg.SetHeader("Auto-Submitted", "auto-generated")
	msg.SetBody("text/plain", body)

	maxRetries := 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt*attempt) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := dialer.DialAndSend(msg); err != nil {
			lastErr = err
			if !isTemporarySMTPError(err) {
				break
			}
			m.Logger.WithFields(logrus.Fields{
				"account_id": from.ID,
				"attempt":    attempt,
			}).WithError(err).Warn("temporary SMTP failure, retrying")
			continue
		}
		return messageID, nil
	}

	return "", fmt.Errorf("send failed after retries: %w", lastErr)
}

func domainOf(address string) string {
	parts := strings.Split(address, "@")
	if len(parts) != 2 {
		return "localhost"
	}
	return parts[1]
}

func isTemporarySMTPError(err error) bool {
	if err == nil {
		return false
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	// 4xx SMTP codes indicate transient failures
	errStr := strings.ToLower(err.Error())
	tempMarkers := []string{
		"try again",
		"temporary",
		"421",
		"450",
		"451",
		"452",
	}
	for _, marker := range tempMarkers {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
