package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const brevoSendURL = "https://api.brevo.com/v3/smtp/email"

// Sender delivers a verification code to a recipient. Implementations must be
// safe for concurrent use; callers treat delivery as best-effort.
type Sender interface {
	SendVerificationCode(ctx context.Context, recipient, code string) error
}

// Brevo sends transactional email through the Brevo HTTP API.
type Brevo struct {
	apiKey      string
	senderEmail string
	sendURL     string
	httpClient  *http.Client
}

type brevoAddress struct {
	Email string `json:"email"`
}

type brevoPayload struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
}

type brevoErrorResponse struct {
	Message string `json:"message"`
}

func NewBrevo(apiKey, senderEmail string) (*Brevo, error) {
	apiKey = strings.TrimSpace(apiKey)
	senderEmail = strings.TrimSpace(senderEmail)
	if apiKey == "" || senderEmail == "" {
		return nil, fmt.Errorf("brevo api key and sender email are required")
	}

	return &Brevo{
		apiKey:      apiKey,
		senderEmail: senderEmail,
		sendURL:     brevoSendURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}, nil
}

func (b *Brevo) SendVerificationCode(ctx context.Context, recipient, code string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return fmt.Errorf("empty recipient")
	}

	payload := brevoPayload{
		Sender:      brevoAddress{Email: b.senderEmail},
		To:          []brevoAddress{{Email: recipient}},
		Subject:     "Your Verification Code",
		HTMLContent: verificationBody(code),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode brevo payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.sendURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build brevo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("brevo send failed with status %d", resp.StatusCode)
	}
	var parsed brevoErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return fmt.Errorf("brevo send failed: %s", parsed.Message)
	}
	return fmt.Errorf("brevo send failed with status %d", resp.StatusCode)
}

func verificationBody(code string) string {
	return fmt.Sprintf(
		"<html><body><p>Your verification code is:</p><h2>%s</h2><p>It expires in 15 minutes.</p></body></html>",
		code,
	)
}
