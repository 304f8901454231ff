// Package token models the backing ERC-20 contracts the exchange custodies.
package token

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("erc20: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("erc20: insufficient allowance")
	ErrUnknownToken          = errors.New("unknown token")
	ErrAddressTaken          = errors.New("token address already registered")
	ErrSupplyOverflow        = errors.New("erc20: total supply overflow")
)

// Token is the part of an ERC-20 contract the exchange calls. Both transfers
// report success or failure synchronously and change nothing on failure.
type Token interface {
	// TransferFrom moves amount from -> to using spender's allowance.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount uint256.Int) error
	// Transfer moves amount from the caller's balance.
	Transfer(ctx context.Context, from, to common.Address, amount uint256.Int) error
	BalanceOf(owner common.Address) uint256.Int
}

// Resolver finds the token deployed at an address.
type Resolver interface {
	Token(addr common.Address) (Token, error)
}

// ERC20 is an in-memory ERC-20 ledger with allowances.
type ERC20 struct {
	mu         sync.RWMutex
	name       string
	address    common.Address
	supply     uint256.Int
	balances   map[common.Address]*uint256.Int
	allowances map[common.Address]map[common.Address]*uint256.Int // owner -> spender -> allowance
}

func NewERC20(name string, address common.Address) *ERC20 {
	return &ERC20{
		name:       name,
		address:    address,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *ERC20) Name() string            { return t.name }
func (t *ERC20) Address() common.Address { return t.address }

func (t *ERC20) TotalSupply() uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

// Mint creates amount new units owned by to.
func (t *ERC20) Mint(to common.Address, amount uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var supply uint256.Int
	if _, overflow := supply.AddOverflow(&t.supply, &amount); overflow {
		return ErrSupplyOverflow
	}
	t.supply = supply
	t.balance(to).Add(t.balance(to), &amount)
	return nil
}

func (t *ERC20) BalanceOf(owner common.Address) uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[owner]; ok {
		return *b
	}
	return uint256.Int{}
}

// Approve sets spender's allowance over owner's balance.
func (t *ERC20) Approve(owner, spender common.Address, amount uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byOwner, ok := t.allowances[owner]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = byOwner
	}
	a := amount
	byOwner[spender] = &a
}

func (t *ERC20) Allowance(owner, spender common.Address) uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if a, ok := t.allowances[owner][spender]; ok {
		return *a
	}
	return uint256.Int{}
}

func (t *ERC20) Transfer(ctx context.Context, from, to common.Address, amount uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, &amount)
}

func (t *ERC20) TransferFrom(ctx context.Context, spender, from, to common.Address, amount uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowances[from][spender]
	if allowance == nil || allowance.Lt(&amount) {
		have := "0"
		if allowance != nil {
			have = allowance.Dec()
		}
		return fmt.Errorf("%w: %s may spend %s of %s's %s, needs %s",
			ErrInsufficientAllowance, spender.Hex(), have, from.Hex(), t.name, amount.Dec())
	}
	if err := t.move(from, to, &amount); err != nil {
		return err
	}
	allowance.Sub(allowance, &amount)
	return nil
}

func (t *ERC20) move(from, to common.Address, amount *uint256.Int) error {
	src := t.balance(from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s",
			ErrInsufficientBalance, from.Hex(), src.Dec(), t.name, amount.Dec())
	}
	src.Sub(src, amount)
	// Balances never exceed the total supply, so the credit cannot overflow.
	dst := t.balance(to)
	dst.Add(dst, amount)
	return nil
}

// balance returns owner's mutable balance; the caller holds mu.
func (t *ERC20) balance(owner common.Address) *uint256.Int {
	b, ok := t.balances[owner]
	if !ok {
		b = new(uint256.Int)
		t.balances[owner] = b
	}
	return b
}

// Registry resolves token addresses to in-process tokens.
type Registry struct {
	mu     sync.RWMutex
	tokens map[common.Address]Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[common.Address]Token)}
}

// Register makes tok resolvable at addr.
func (r *Registry) Register(addr common.Address, tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[addr] = tok
}

// Deploy creates an ERC20 at an address derived from name and registers it.
// Deploying the same name twice returns the existing token. A different
// token already registered at that address is left in place.
func (r *Registry) Deploy(name string) (*ERC20, error) {
	addr := DeriveAddress(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[addr]; ok {
		if erc, ok := existing.(*ERC20); ok && erc.Name() == name {
			return erc, nil
		}
		return nil, fmt.Errorf("%w: %s at %s", ErrAddressTaken, name, addr.Hex())
	}
	tok := NewERC20(name, addr)
	r.tokens[addr] = tok
	return tok, nil
}

func (r *Registry) Token(addr common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w at %s", ErrUnknownToken, addr.Hex())
	}
	return tok, nil
}

// Addresses returns every registered address in byte order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.tokens))
	for a := range r.tokens {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// DeriveAddress returns the devnet address of the token called name: the last
// 20 bytes of keccak256("xchange/token/" + name).
func DeriveAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("xchange/token/" + name))[12:])
}
