package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadToken is returned when a callback token is missing, expired or bound to another task.
var ErrBadToken = errors.New("invalid callback token")

type callbackClaims struct {
	jwt.RegisteredClaims
	Provider string `json:"provider"`
}

// Signer issues per-task HS256 callback tokens. A Signer with an empty secret
// issues nothing and accepts every callback.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(secret string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

func (s *Signer) Sign(provider, taskID string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := s.now()
	c := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  taskID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Provider: provider,
	}
	if s.ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Verify checks that token was issued for this provider and task.
func (s *Signer) Verify(token, provider, taskID string) error {
	if !s.Enabled() {
		return nil
	}
	if token == "" {
		return fmt.Errorf("%w: missing", ErrBadToken)
	}
	tok, err := jwt.ParseWithClaims(token, &callbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	c, ok := tok.Claims.(*callbackClaims)
	if !ok || !tok.Valid {
		return ErrBadToken
	}
	if c.Subject != taskID || c.Provider != provider {
		return fmt.Errorf("%w: issued for %s/%s", ErrBadToken, c.Provider, c.Subject)
	}
	return nil
}

// CallbackURL builds the URL a provider posts its result to.
func (s *Signer) CallbackURL(baseURL, provider, taskID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath("v1", "webhooks", provider)
	tok, err := s.Sign(provider, taskID)
	if err != nil {
		return "", err
	}
	if tok != "" {
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
