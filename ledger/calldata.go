package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidAddress is returned when an address argument is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("ledger: invalid address")

const escrowABI = `[
  {"type":"function","name":"stake","stateMutability":"payable",
   "inputs":[{"name":"flakeId","type":"uint256"},{"name":"beneficiary","type":"address"}],"outputs":[]},
  {"type":"function","name":"resolve","stateMutability":"nonpayable",
   "inputs":[{"name":"flakeId","type":"uint256"},{"name":"winner","type":"address"}],"outputs":[]},
  {"type":"function","name":"openRefunds","stateMutability":"nonpayable",
   "inputs":[{"name":"flakeId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimRefund","stateMutability":"nonpayable",
   "inputs":[{"name":"flakeId","type":"uint256"}],"outputs":[]}
]`

// ToNumericID maps a flake identifier to its on-chain commitment id: the first
// eight bytes of keccak256(flakeID) read as a big-endian unsigned integer.
func ToNumericID(flakeID string) *big.Int {
	sum := crypto.Keccak256([]byte(flakeID))
	return new(big.Int).SetUint64(binary.BigEndian.Uint64(sum[:8]))
}

// Builder encodes calls against the escrow contract. It performs no I/O.
type Builder struct {
	abi abi.ABI
}

func NewBuilder() (*Builder, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse escrow abi: %w", err)
	}
	return &Builder{abi: parsed}, nil
}

// MustBuilder is NewBuilder for static wiring; the ABI is a compile-time constant.
func MustBuilder() *Builder {
	b, err := NewBuilder()
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Builder) ToNumericID(flakeID string) *big.Int {
	return ToNumericID(flakeID)
}

func (b *Builder) StakeCalldata(id *big.Int, beneficiary string) ([]byte, error) {
	addr, err := parseAddress(beneficiary)
	if err != nil {
		return nil, err
	}
	return b.pack("stake", id, addr)
}

func (b *Builder) ResolveCalldata(id *big.Int, winner string) ([]byte, error) {
	addr, err := parseAddress(winner)
	if err != nil {
		return nil, err
	}
	return b.pack("resolve", id, addr)
}

func (b *Builder) OpenRefundsCalldata(id *big.Int) ([]byte, error) {
	return b.pack("openRefunds", id)
}

func (b *Builder) ClaimRefundCalldata(id *big.Int) ([]byte, error) {
	return b.pack("claimRefund", id)
}

func (b *Builder) pack(method string, args ...any) ([]byte, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	return data, nil
}

// ValidAddress reports whether s is a well-formed hex account address.
func ValidAddress(s string) bool {
	_, err := parseAddress(s)
	return err == nil
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
