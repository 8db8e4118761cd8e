package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	minOracleKeyLen = 32
	// bcrypt ignores input past 72 bytes.
	maxOracleKeyLen = 72
)

var (
	// ErrInvalidToken signals a missing, malformed or expired caller token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidOracleKey signals an oracle credential that matches no active key.
	ErrInvalidOracleKey = errors.New("auth: invalid oracle key")
	// ErrWeakOracleKey signals an oracle key outside the accepted length range.
	ErrWeakOracleKey = errors.New("auth: oracle key must be 32 to 72 characters")
)

// Service verifies caller tokens issued by the identity provider and oracle
// credentials. It never issues sessions.
type Service struct {
	repo          Repository
	jwtSecret     []byte
	oracleKeyHash string
	now           func() time.Time
}

// NewService creates a new authentication service. repo may be nil, in which
// case only oracleKeyHash is accepted for oracle calls.
func NewService(repo Repository, jwtSecret, oracleKeyHash string) *Service {
	return &Service{
		repo:          repo,
		jwtSecret:     []byte(jwtSecret),
		oracleKeyHash: oracleKeyHash,
		now:           time.Now,
	}
}

// VerifyToken validates an HS256 caller token and returns the user id from
// the user_id claim, falling back to sub.
func (s *Service) VerifyToken(tokenString string) (Identity, error) {
	if len(s.jwtSecret) == 0 {
		return Identity{}, fmt.Errorf("%w: verification secret not configured", ErrInvalidToken)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if strings.TrimSpace(userID) == "" {
		userID, _ = claims["sub"].(string)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return Identity{UserID: userID, Role: RoleParticipant}, nil
}

// HashOracleKey returns the bcrypt hash stored for an oracle key.
func HashOracleKey(key string) (string, error) {
	if len(key) < minOracleKeyLen || len(key) > maxOracleKeyLen {
		return "", ErrWeakOracleKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash oracle key: %w", err)
	}
	return string(hash), nil
}

// RegisterOracleKey hashes key and stores it under label.
func (s *Service) RegisterOracleKey(ctx context.Context, label, key string) (OracleKey, error) {
	if s.repo == nil {
		return OracleKey{}, fmt.Errorf("auth: no key repository configured")
	}
	label = strings.TrimSpace(label)
	if label == "" {
		return OracleKey{}, fmt.Errorf("auth: label is required")
	}
	hash, err := HashOracleKey(key)
	if err != nil {
		return OracleKey{}, err
	}
	return s.repo.CreateOracleKey(ctx, label, hash)
}

// VerifyOracleKey accepts key when it matches the configured hash or any
// active stored key.
func (s *Service) VerifyOracleKey(ctx context.Context, key string) (Identity, error) {
	if key == "" || len(key) > maxOracleKeyLen {
		return Identity{}, ErrInvalidOracleKey
	}
	if s.oracleKeyHash != "" && bcrypt.CompareHashAndPassword([]byte(s.oracleKeyHash), []byte(key)) == nil {
		return Identity{UserID: "oracle", Role: RoleOracle}, nil
	}
	if s.repo == nil {
		return Identity{}, ErrInvalidOracleKey
	}

	keys, err := s.repo.ListActiveOracleKeys(ctx)
	if err != nil {
		return Identity{}, err
	}
	for _, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			return Identity{UserID: "oracle:" + k.Label, Role: RoleOracle}, nil
		}
	}
	return Identity{}, ErrInvalidOracleKey
}
