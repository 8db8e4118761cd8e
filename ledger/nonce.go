package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// NonceSource hands out transaction nonces for a single signing account.
// Next must never return the same nonce twice until Reset is called.
type NonceSource interface {
	Next(ctx context.Context) (uint64, error)
	Reset(ctx context.Context) error
}

type nonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// MemoryNonces tracks the next nonce in process, seeded lazily from the
// chain's pending nonce. Suitable when one process owns the oracle key.
type MemoryNonces struct {
	client  nonceReader
	account common.Address

	mu     sync.Mutex
	loaded bool
	next   uint64
}

func NewMemoryNonces(client nonceReader, account common.Address) *MemoryNonces {
	return &MemoryNonces{client: client, account: account}
}

func (m *MemoryNonces) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.loaded {
		pending, err := m.client.PendingNonceAt(ctx, m.account)
		if err != nil {
			return 0, fmt.Errorf("%w: pending nonce: %v", ErrUpstream, err)
		}
		m.next = pending
		m.loaded = true
	}
	n := m.next
	m.next++
	return n, nil
}

func (m *MemoryNonces) Reset(context.Context) error {
	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
	return nil
}

// RedisNonces shares the nonce counter between replicas through an INCR key.
// The key stores the next nonce to hand out.
type RedisNonces struct {
	rdb     *redis.Client
	client  nonceReader
	account common.Address
	key     string
}

func NewRedisNonces(rdb *redis.Client, client nonceReader, account common.Address) *RedisNonces {
	return &RedisNonces{
		rdb:     rdb,
		client:  client,
		account: account,
		key:     "flake:nonce:" + strings.ToLower(account.Hex()),
	}
}

func (r *RedisNonces) Next(ctx context.Context) (uint64, error) {
	exists, err := r.rdb.Exists(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: nonce key: %w", err)
	}
	if exists == 0 {
		pending, err := r.client.PendingNonceAt(ctx, r.account)
		if err != nil {
			return 0, fmt.Errorf("%w: pending nonce: %v", ErrUpstream, err)
		}
		// Another replica may seed first; SETNX keeps whichever landed.
		if _, err := r.rdb.SetNX(ctx, r.key, pending, 0).Result(); err != nil {
			return 0, fmt.Errorf("ledger: seed nonce: %w", err)
		}
	}
	n, err := r.rdb.Incr(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: incr nonce: %w", err)
	}
	return uint64(n - 1), nil
}

func (r *RedisNonces) Reset(ctx context.Context) error {
	if err := r.rdb.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("ledger: reset nonce: %w", err)
	}
	return nil
}
