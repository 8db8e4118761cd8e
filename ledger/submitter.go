package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrUpstream wraps chain RPC failures.
	ErrUpstream = errors.New("ledger: upstream unavailable")
	// ErrSubmitterStopped is returned once the submitter loop has exited.
	ErrSubmitterStopped = errors.New("ledger: submitter stopped")
)

const defaultGasLimit = 300_000

// ChainClient is the subset of ethclient.Client used for submission.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dial connects to a chain RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstream, rpcURL, err)
	}
	return client, nil
}

type submitRequest struct {
	ctx   context.Context
	to    common.Address
	data  []byte
	value *big.Int
	reply chan submitResult
}

type submitResult struct {
	hash string
	err  error
}

// Submitter owns the oracle signing key. All submissions are funnelled through
// a single goroutine (Run) so nonce acquisition, signing and sending happen
// strictly one after another.
type Submitter struct {
	client  ChainClient
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	nonces  NonceSource
	logger  *slog.Logger

	reqs chan submitRequest
	done chan struct{}
}

type Option func(*Submitter)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// WithRedisNonces shares nonce allocation across replicas through rdb.
func WithRedisNonces(rdb *redis.Client) Option {
	return func(s *Submitter) { s.nonces = NewRedisNonces(rdb, s.client, s.from) }
}

func NewSubmitter(client ChainClient, hexKey string, chainID int64, opts ...Option) (*Submitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse oracle key: %w", err)
	}
	s := &Submitter{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		logger:  slog.Default(),
		reqs:    make(chan submitRequest),
		done:    make(chan struct{}),
	}
	s.nonces = NewMemoryNonces(client, s.from)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address is the oracle account that signs submissions.
func (s *Submitter) Address() string {
	return s.from.Hex()
}

// Run processes queued submissions until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.reqs:
			hash, err := s.send(req)
			req.reply <- submitResult{hash: hash, err: err}
		}
	}
}

// Submit queues a contract call and waits for the signed transaction hash.
// Abandoning ctx before the call is dequeued leaves no trace; abandoning it
// afterwards still lets the in-flight send complete.
func (s *Submitter) Submit(ctx context.Context, contract string, data []byte, value *big.Int) (string, error) {
	to, err := parseAddress(contract)
	if err != nil {
		return "", err
	}
	req := submitRequest{
		ctx:   ctx,
		to:    to,
		data:  data,
		value: value,
		reply: make(chan submitResult, 1),
	}

	select {
	case s.reqs <- req:
	case <-s.done:
		return "", ErrSubmitterStopped
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
	}

	select {
	case res := <-req.reply:
		return res.hash, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
	}
}

func (s *Submitter) send(req submitRequest) (string, error) {
	ctx := req.ctx
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	value := req.value
	if value == nil {
		value = new(big.Int)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrUpstream, err)
	}
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &req.to,
		Value: value,
		Data:  req.data,
	})
	if err != nil || gas == 0 {
		gas = defaultGasLimit
	} else {
		gas += gas / 5
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &req.to,
		Value:    value,
		Data:     req.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		s.resetNonces(nonce, err)
		return "", fmt.Errorf("ledger: sign tx: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		s.resetNonces(nonce, err)
		return "", fmt.Errorf("%w: send tx: %v", ErrUpstream, err)
	}

	s.logger.Info("ledger: submitted", "tx", signed.Hash().Hex(), "nonce", nonce, "to", req.to.Hex())
	return signed.Hash().Hex(), nil
}

func (s *Submitter) resetNonces(nonce uint64, cause error) {
	s.logger.Warn("ledger: resetting nonce source", "nonce", nonce, "err", cause)
	if err := s.nonces.Reset(context.Background()); err != nil {
		s.logger.Error("ledger: nonce reset failed", "err", err)
	}
}
