// Package deeplink issues and checks the short-lived tokens that let a
// companion app confirm completion of an automatic-verification flake.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	purposeAutoVerify = "auto-verify"
	// DefaultTTL bounds how long a signed link stays valid.
	DefaultTTL = 2 * time.Hour
)

// ErrInvalidToken covers malformed, expired, mis-signed and mismatched tokens.
var ErrInvalidToken = errors.New("deeplink: invalid token")

type Signer struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(secret, baseURL string) (*Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("deeplink: empty secret")
	}
	return &Signer{
		secret:  []byte(secret),
		baseURL: baseURL,
		ttl:     DefaultTTL,
		now:     time.Now,
	}, nil
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns a token bound to flakeID.
func (s *Signer) Sign(flakeID string) (string, error) {
	if flakeID == "" {
		return "", fmt.Errorf("deeplink: empty flake id")
	}
	issued := s.now()
	claims := jwt.MapClaims{
		"flake_id": flakeID,
		"purpose":  purposeAutoVerify,
		"iat":      issued.Unix(),
		"exp":      issued.Add(s.ttl).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("deeplink: sign: %w", err)
	}
	return token, nil
}

// Link signs flakeID and embeds the token in the companion-app URL.
func (s *Signer) Link(flakeID string) (string, error) {
	token, err := s.Sign(flakeID)
	if err != nil {
		return "", err
	}
	base := s.baseURL
	if base == "" {
		base = "flakeflow://verify"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("deeplink: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("flake", flakeID)
	q.Set("sig", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks that token was issued by this signer for flakeID and has not expired.
func (s *Signer) Verify(flakeID, token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return ErrInvalidToken
	}
	if purpose, _ := claims["purpose"].(string); purpose != purposeAutoVerify {
		return fmt.Errorf("%w: wrong purpose", ErrInvalidToken)
	}
	if bound, _ := claims["flake_id"].(string); bound == "" || bound != flakeID {
		return fmt.Errorf("%w: flake mismatch", ErrInvalidToken)
	}
	return nil
}

// TokenFromLink extracts the signature from a link produced by Link.
func TokenFromLink(link string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sig := u.Query().Get("sig")
	if sig == "" {
		return "", fmt.Errorf("%w: link has no signature", ErrInvalidToken)
	}
	return sig, nil
}
