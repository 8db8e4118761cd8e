package auth

import "time"

type Role string

const (
	RoleParticipant Role = "participant"
	RoleOracle      Role = "oracle"
)

// Identity is the verified caller behind a request.
type Identity struct {
	UserID string
	Role   Role
}

// OracleKey is a stored oracle credential. Only the bcrypt hash is kept.
type OracleKey struct {
	ID        int64
	Label     string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}
