package command

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the per-workflow token payload. Tokens never expire by wall
// clock; they are invalidated by restarting the scheduler with a fresh
// secret, matching the "token recorded in .service/contact, valid for the
// life of the run" contract in spec.md §6.
type claims struct {
	Workflow string `json:"workflow"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies the single per-workflow bearer token
// embedded in .service/contact, grounded on the gateway's JWT-bearer
// pattern but generating the secret locally instead of trusting a
// pre-shared one, since a workflow run has no external identity provider.
type TokenIssuer struct {
	secret   []byte
	workflow string
}

// NewTokenIssuer generates a fresh random secret for workflow, used for the
// lifetime of one scheduler run.
func NewTokenIssuer(workflow string) (*TokenIssuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("command: generate token secret: %w", err)
	}
	return &TokenIssuer{secret: secret, workflow: workflow}, nil
}

// Issue mints the single contact-file token for this run.
func (t *TokenIssuer) Issue() (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Workflow: t.workflow,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	})
	return tok.SignedString(t.secret)
}

// Verify checks a bearer token presented on the command channel or by a job
// wrapper pushing status messages.
func (t *TokenIssuer) Verify(token string) error {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("command: unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return fmt.Errorf("command: invalid token: %w", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Workflow != t.workflow {
		return fmt.Errorf("command: token rejected for workflow %q", t.workflow)
	}
	return nil
}

// RandomPort-style helper kept out; callers bind :0 and read back the real
// port. generateNonce returns a random 16-byte URL-safe string; nothing in
// this module calls it.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
