package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testOracleKey = "oracle-key-0123456789abcdef0123456789"

func TestService_VerifyToken(t *testing.T) {
	svc := NewService(nil, "test-secret", "")

	token := signToken(t, "test-secret", jwt.MapClaims{
		"user_id": "alice",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	id, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id.UserID != "alice" || id.Role != RoleParticipant {
		t.Fatalf("unexpected identity %+v", id)
	}

	subOnly := signToken(t, "test-secret", jwt.MapClaims{"sub": "bob"})
	id, err = svc.VerifyToken(subOnly)
	if err != nil {
		t.Fatalf("verify sub token: %v", err)
	}
	if id.UserID != "bob" {
		t.Fatalf("expected sub fallback, got %q", id.UserID)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	svc := NewService(nil, "test-secret", "")

	cases := map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": signToken(t, "other-secret", jwt.MapClaims{"user_id": "alice"}),
		"expired":      signToken(t, "test-secret", jwt.MapClaims{"user_id": "alice", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no subject":   signToken(t, "test-secret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"blank user":   signToken(t, "test-secret", jwt.MapClaims{"user_id": "  "}),
	}
	for name, token := range cases {
		if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "alice"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := svc.VerifyToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none: expected ErrInvalidToken, got %v", err)
	}

	if _, err := NewService(nil, "", "").VerifyToken(signToken(t, "x", jwt.MapClaims{"user_id": "a"})); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty secret: expected ErrInvalidToken, got %v", err)
	}
}

func TestService_OracleKeyFromConfiguredHash(t *testing.T) {
	hash, err := HashOracleKey(testOracleKey)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := NewService(nil, "test-secret", hash)

	id, err := svc.VerifyOracleKey(context.Background(), testOracleKey)
	if err != nil {
		t.Fatalf("verify oracle key: %v", err)
	}
	if id.Role != RoleOracle {
		t.Fatalf("expected oracle role, got %s", id.Role)
	}
	if _, err := svc.VerifyOracleKey(context.Background(), testOracleKey+"x"); !errors.Is(err, ErrInvalidOracleKey) {
		t.Fatalf("expected ErrInvalidOracleKey, got %v", err)
	}
	if _, err := svc.VerifyOracleKey(context.Background(), ""); !errors.Is(err, ErrInvalidOracleKey) {
		t.Fatalf("expected ErrInvalidOracleKey for empty key, got %v", err)
	}
}

func TestService_RegisteredOracleKeys(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret", "")
	ctx := context.Background()

	if _, err := svc.RegisterOracleKey(ctx, "resolver-1", testOracleKey); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterOracleKey(ctx, "resolver-1", testOracleKey); !errors.Is(err, ErrDuplicateLabel) {
		t.Fatalf("expected ErrDuplicateLabel, got %v", err)
	}

	id, err := svc.VerifyOracleKey(ctx, testOracleKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "oracle:resolver-1" {
		t.Fatalf("unexpected identity %+v", id)
	}

	if err := repo.RevokeOracleKey(ctx, "resolver-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.VerifyOracleKey(ctx, testOracleKey); !errors.Is(err, ErrInvalidOracleKey) {
		t.Fatalf("revoked key must be rejected, got %v", err)
	}
}

func TestHashOracleKey_Length(t *testing.T) {
	if _, err := HashOracleKey("short"); !errors.Is(err, ErrWeakOracleKey) {
		t.Fatalf("expected ErrWeakOracleKey, got %v", err)
	}
	if _, err := HashOracleKey(strings.Repeat("k", 73)); !errors.Is(err, ErrWeakOracleKey) {
		t.Fatalf("expected ErrWeakOracleKey for long key, got %v", err)
	}
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

type fakeRepository struct {
	keys   map[string]OracleKey
	nextID int64
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{keys: make(map[string]OracleKey), nextID: 1}
}

func (f *fakeRepository) CreateOracleKey(_ context.Context, label, keyHash string) (OracleKey, error) {
	if _, exists := f.keys[label]; exists {
		return OracleKey{}, ErrDuplicateLabel
	}
	key := OracleKey{ID: f.nextID, Label: label, KeyHash: keyHash, CreatedAt: time.Now().UTC()}
	f.nextID++
	f.keys[label] = key
	return key, nil
}

func (f *fakeRepository) ListActiveOracleKeys(context.Context) ([]OracleKey, error) {
	var out []OracleKey
	for _, k := range f.keys {
		if k.RevokedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeRepository) RevokeOracleKey(_ context.Context, label string) error {
	k, ok := f.keys[label]
	if !ok || k.RevokedAt != nil {
		return ErrKeyNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	f.keys[label] = k
	return nil
}
