// Package revocation notifies the authorization server that tokens bound to
// a consent must be invalidated. The server supports RFC 7009 style
// revocation with a consent hint, authenticated via private_key_jwt.
package revocation

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/cryptosigner"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/luminbank/consent-engine/internal/consent"
	"github.com/luminbank/consent-engine/internal/timex"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	tokenTypeHint       = "consent"
	assertionLifetime   = 300
)

type Service struct {
	endpoint   string
	clientID   string
	signer     crypto.Signer
	httpClient *http.Client
}

func NewService(endpoint, clientID string, signer crypto.Signer, httpClient *http.Client) Service {
	return Service{
		endpoint:   endpoint,
		clientID:   clientID,
		signer:     signer,
		httpClient: httpClient,
	}
}

// Revoke asks the authorization server to invalidate every token issued for
// the consent on behalf of userID.
func (s Service) Revoke(ctx context.Context, c *consent.DetailedConsent, userID string) error {
	assertion, err := s.clientAssertion()
	if err != nil {
		return fmt.Errorf("could not sign the client assertion: %w", err)
	}

	form := url.Values{}
	form.Set("token", c.URN())
	form.Set("token_type_hint", tokenTypeHint)
	form.Set("user_id", userID)
	form.Set("client_id", s.clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("error creating revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	slog.DebugContext(ctx, "sending token revocation request", "consent_id", c.ID)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("revocation endpoint returned status %d: %s", resp.StatusCode, body)
	}

	return nil
}

func (s Service) clientAssertion() (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.PS256,
		Key:       cryptosigner.Opaque(s.signer),
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}

	now := timex.Now().Unix()
	claims := map[string]any{
		"iss": s.clientID,
		"sub": s.clientID,
		"aud": s.endpoint,
		"jti": uuid.NewString(),
		"iat": now,
		"exp": now + assertionLifetime,
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}
