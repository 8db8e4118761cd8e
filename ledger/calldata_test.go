package ledger

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestToNumericID_Deterministic(t *testing.T) {
	a := ToNumericID("3f2b6c1e-8a4d-4f0e-9b7a-0c1d2e3f4a5b")
	b := ToNumericID("3f2b6c1e-8a4d-4f0e-9b7a-0c1d2e3f4a5b")
	if a.Cmp(b) != 0 {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
	if a.BitLen() > 64 {
		t.Fatalf("expected id to fit in 64 bits, got %d bits", a.BitLen())
	}
	if c := ToNumericID("another-flake"); c.Cmp(a) == 0 {
		t.Fatal("expected different flakes to map to different ids")
	}

	sum := crypto.Keccak256([]byte("x"))
	want := new(big.Int).SetBytes(sum[:8])
	if got := ToNumericID("x"); got.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestBuilder_EncodesEscrowCalls(t *testing.T) {
	b := MustBuilder()
	id := big.NewInt(42)
	addr := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	cases := []struct {
		name      string
		signature string
		build     func() ([]byte, error)
		argWords  int
	}{
		{"stake", "stake(uint256,address)", func() ([]byte, error) { return b.StakeCalldata(id, addr) }, 2},
		{"resolve", "resolve(uint256,address)", func() ([]byte, error) { return b.ResolveCalldata(id, addr) }, 2},
		{"openRefunds", "openRefunds(uint256)", func() ([]byte, error) { return b.OpenRefundsCalldata(id) }, 1},
		{"claimRefund", "claimRefund(uint256)", func() ([]byte, error) { return b.ClaimRefundCalldata(id) }, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.build()
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			selector := crypto.Keccak256([]byte(tc.signature))[:4]
			if !bytes.Equal(data[:4], selector) {
				t.Fatalf("selector mismatch: %x vs %x", data[:4], selector)
			}
			if len(data) != 4+32*tc.argWords {
				t.Fatalf("unexpected calldata length %d", len(data))
			}
			if new(big.Int).SetBytes(data[4:36]).Cmp(id) != 0 {
				t.Fatal("first argument is not the flake id")
			}
		})
	}
}

func TestBuilder_RejectsBadAddress(t *testing.T) {
	b := MustBuilder()
	for _, addr := range []string{"", "0x123", "alice.eth", "0xZZ997970C51812dc3A010C7d01b50e0d17dc79C8"} {
		if _, err := b.StakeCalldata(big.NewInt(1), addr); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%q: expected ErrInvalidAddress, got %v", addr, err)
		}
		if ValidAddress(addr) {
			t.Fatalf("%q reported valid", addr)
		}
	}
	if !ValidAddress("0x70997970c51812dc3a010c7d01b50e0d17dc79c8") {
		t.Fatal("lower-case address should be valid")
	}
}
