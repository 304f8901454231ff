package token

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	exchange = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	other    = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func u(v uint64) uint256.Int { return *uint256.NewInt(v) }

func TestTransferFrom(t *testing.T) {
	ctx := context.Background()
	tok := NewERC20("USDC", DeriveAddress("USDC"))
	if err := tok.Mint(owner, u(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	err := tok.TransferFrom(ctx, exchange, owner, exchange, u(10))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("without approval: err = %v", err)
	}

	tok.Approve(owner, exchange, u(600))
	if err := tok.TransferFrom(ctx, exchange, owner, exchange, u(500)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if b := tok.BalanceOf(exchange); b.Uint64() != 500 {
		t.Fatalf("exchange balance = %s", b.Dec())
	}
	if a := tok.Allowance(owner, exchange); a.Uint64() != 100 {
		t.Fatalf("allowance = %s, want 100", a.Dec())
	}

	if err := tok.TransferFrom(ctx, exchange, owner, exchange, u(101)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("beyond allowance: err = %v", err)
	}
	tok.Approve(owner, exchange, u(10_000))
	if err := tok.TransferFrom(ctx, exchange, owner, exchange, u(501)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("beyond balance: err = %v", err)
	}
	if a := tok.Allowance(owner, exchange); a.Uint64() != 10_000 {
		t.Fatalf("failed transfer spent allowance: %s", a.Dec())
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	tok := NewERC20("BOND", DeriveAddress("BOND"))
	tok.Mint(exchange, u(50))

	if err := tok.Transfer(ctx, exchange, other, u(20)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tok.Transfer(ctx, exchange, other, u(31)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw: err = %v", err)
	}
	if b := tok.BalanceOf(other); b.Uint64() != 20 {
		t.Fatalf("recipient balance = %s", b.Dec())
	}
	if s := tok.TotalSupply(); s.Uint64() != 50 {
		t.Fatalf("supply = %s", s.Dec())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := tok.Transfer(cancelled, exchange, other, u(1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled ctx: err = %v", err)
	}
}

func TestMintOverflow(t *testing.T) {
	tok := NewERC20("X", DeriveAddress("X"))
	top := *new(uint256.Int).SetAllOne()
	if err := tok.Mint(owner, top); err != nil {
		t.Fatalf("mint max: %v", err)
	}
	if err := tok.Mint(other, u(1)); !errors.Is(err, ErrSupplyOverflow) {
		t.Fatalf("err = %v, want ErrSupplyOverflow", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	usdc, err := r.Deploy("USDC")
	if err != nil {
		t.Fatal(err)
	}
	if again, err := r.Deploy("USDC"); err != nil || again != usdc {
		t.Fatalf("second deploy = %p, %v; want the existing token", again, err)
	}
	if usdc.Address() != DeriveAddress("USDC") || usdc.Address() == DeriveAddress("BOND") {
		t.Fatalf("unexpected address %s", usdc.Address().Hex())
	}

	tok, err := r.Token(usdc.Address())
	if err != nil || tok != Token(usdc) {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := r.Token(other); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown: err = %v", err)
	}
	if _, err := r.Deploy("BOND"); err != nil {
		t.Fatal(err)
	}
	if n := len(r.Addresses()); n != 2 {
		t.Fatalf("addresses = %d", n)
	}
}

// fixedToken is a Token that is not an ERC20.
type fixedToken struct{}

func (fixedToken) TransferFrom(context.Context, common.Address, common.Address, common.Address, uint256.Int) error {
	return nil
}
func (fixedToken) Transfer(context.Context, common.Address, common.Address, uint256.Int) error {
	return nil
}
func (fixedToken) BalanceOf(common.Address) uint256.Int { return u(7) }

func TestDeployKeepsForeignToken(t *testing.T) {
	r := NewRegistry()
	addr := DeriveAddress("WETH")
	r.Register(addr, fixedToken{})

	if tok, err := r.Deploy("WETH"); !errors.Is(err, ErrAddressTaken) || tok != nil {
		t.Fatalf("deploy over foreign token = %v, %v", tok, err)
	}
	got, err := r.Token(addr)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(fixedToken); !ok {
		t.Fatalf("registered token replaced by %T", got)
	}
}
