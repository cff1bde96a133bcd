// Package mail delivers transactional email through the provider's HTTP API.
// Without an API key the mailer logs the delivery instead of sending, so
// local and test environments never crash on missing credentials.
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

var ErrSendFailed = errors.New("mail send failed")

type Mailer struct {
	apiURL  string
	apiKey  string
	from    string
	timeout time.Duration
	client  *http.Client
}

func NewMailer(apiURL, apiKey, from string, timeout time.Duration) *Mailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Mailer{
		apiURL:  apiURL,
		apiKey:  apiKey,
		from:    from,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether real delivery is configured.
func (m *Mailer) Enabled() bool {
	return m.apiKey != ""
}

type message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (m *Mailer) Send(ctx context.Context, to, subject, html string) error {
	if !m.Enabled() {
		log.Printf("mail disabled, skipping delivery to %s (%s)", to, subject)
		return nil
	}

	body, err := json.Marshal(message{From: m.from, To: []string{to}, Subject: subject, HTML: html})
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, m.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: provider returned %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

// SendPasswordReset builds the reset link from the frontend base URL; the
// raw token only ever travels inside this link.
func (m *Mailer) SendPasswordReset(ctx context.Context, to, frontendBaseURL, token string, ttl time.Duration) error {
	link := fmt.Sprintf("%s/reinitialiser-mot-de-passe?token=%s", frontendBaseURL, token)
	html := fmt.Sprintf(
		`<p>Bonjour,</p>
<p>Vous avez demandé la réinitialisation de votre mot de passe Ludilearn.</p>
<p><a href="%s">Réinitialiser mon mot de passe</a></p>
<p>Ce lien expire dans %d minutes. Si vous n'êtes pas à l'origine de cette demande, ignorez cet email.</p>`,
		link, int(ttl.Minutes()))
	return m.Send(ctx, to, "Réinitialisation de votre mot de passe", html)
}

func (m *Mailer) SendEmailVerification(ctx context.Context, to, frontendBaseURL, token string) error {
	link := fmt.Sprintf("%s/confirmation-email?token=%s", frontendBaseURL, token)
	html := fmt.Sprintf(
		`<p>Bienvenue sur Ludilearn !</p>
<p>Confirmez votre adresse email pour activer votre compte :</p>
<p><a href="%s">Confirmer mon adresse</a></p>`,
		link)
	return m.Send(ctx, to, "Confirmez votre adresse email", html)
}
