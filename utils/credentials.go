package utils

import (
	"errors"
	"time"

	"golang.org/x/oauth2"

	"dripflow/models"
)

// ErrNoCredential is returned when an account has no usable way to send.
var ErrNoCredential = errors.New("no valid send credential")

// Credential is a usable send credential for one account: either an OAuth
// token or a decrypted SMTP login.
type Credential struct {
	Host     string
	Port     int
	Username string
	Password string
	Token    *oauth2.Token
}

// CredentialStore resolves send credentials from account rows, decrypting
// stored secrets.
type CredentialStore struct{}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// SendCredential returns the account's credential, preferring an unexpired
// OAuth token over SMTP. ErrNoCredential means the account cannot send at
// all, which the warmup engine treats as an at-risk signal.
func (cs *CredentialStore) SendCredential(account *models.WarmupAccount) (*Credential, error) {
	if account.OAuthToken != "" && account.OAuthExpiry != nil && account.OAuthExpiry.After(time.Now()) {
		token, err := Decrypt(account.OAuthToken)
		if err != nil {
			return nil, err
		}
		return &Credential{
			Token: &oauth2.Token{
				AccessToken: token,
				TokenType:   "Bearer",
				Expiry:      *account.OAuthExpiry,
			},
		}, nil
	}

	if account.SMTPHost != "" && account.SMTPUsername != "" && account.SMTPPassword != "" {
		password, err := Decrypt(account.SMTPPassword)
		if err != nil {
			return nil, err
		}
		return &Credential{
			Host:     account.SMTPHost,
			Port:     account.SMTPPort,
			Username: account.SMTPUsername,
			Password: password,
		}, nil
	}

	return nil, ErrNoCredential
}
