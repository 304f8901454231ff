package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/xchange/pkg/app/core"
	"pgregory.net/rapid"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc  = core.NewSymbol("USDC")
	bond  = core.NewSymbol("BOND")
)

func amt(v uint64) core.Amount { return core.NewAmount(v) }

func assertBalance(t *testing.T, l *Ledger, party common.Address, sym core.Symbol, wantFree, wantLocked uint64) {
	t.Helper()
	free, locked := l.Balance(party, sym)
	if free.Uint64() != wantFree || locked.Uint64() != wantLocked {
		t.Fatalf("%s %s: free=%s locked=%s, want %d/%d",
			party.Hex(), sym, free.Dec(), locked.Dec(), wantFree, wantLocked)
	}
}

func TestCreditDebit(t *testing.T) {
	l := New()
	if err := l.Credit(alice, usdc, amt(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.DebitFree(alice, usdc, amt(200)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	assertBalance(t, l, alice, usdc, 300, 0)

	err := l.DebitFree(alice, usdc, amt(301))
	if !errors.Is(err, core.ErrInsufficientFreeBalance) {
		t.Fatalf("overdraw: err = %v, want ErrInsufficientFreeBalance", err)
	}
	assertBalance(t, l, alice, usdc, 300, 0)
}

func TestCreditOverflow(t *testing.T) {
	l := New()
	top := *new(uint256.Int).SetAllOne()
	if err := l.Credit(alice, usdc, top); err != nil {
		t.Fatalf("credit max: %v", err)
	}
	if err := l.Credit(alice, usdc, amt(1)); !errors.Is(err, core.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	free, _ := l.Balance(alice, usdc)
	if !free.Eq(&top) {
		t.Fatalf("free changed after failed credit: %s", free.Dec())
	}
}

func TestLockAndRelease(t *testing.T) {
	l := New()
	l.Credit(alice, usdc, amt(500))

	if err := l.Lock(alice, usdc, amt(100)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	assertBalance(t, l, alice, usdc, 400, 100)

	if err := l.Lock(alice, usdc, amt(401)); !errors.Is(err, core.ErrInsufficientFreeBalance) {
		t.Fatalf("over-lock: err = %v", err)
	}
	// Locked funds are not withdrawable.
	if err := l.DebitFree(alice, usdc, amt(500)); !errors.Is(err, core.ErrInsufficientFreeBalance) {
		t.Fatalf("debit locked: err = %v", err)
	}

	l.ReleaseLock(alice, usdc, amt(60))
	assertBalance(t, l, alice, usdc, 460, 40)
}

func TestUnlockAndTransfer(t *testing.T) {
	l := New()
	l.Credit(alice, bond, amt(50))
	l.Lock(alice, bond, amt(50))

	l.UnlockAndTransfer(alice, bob, bond, amt(30))
	assertBalance(t, l, alice, bond, 0, 20)
	assertBalance(t, l, bob, bond, 30, 0)
}

func TestTransferFree(t *testing.T) {
	l := New()
	l.Credit(bob, usdc, amt(1000))
	l.TransferFree(bob, alice, usdc, amt(500))
	assertBalance(t, l, bob, usdc, 500, 0)
	assertBalance(t, l, alice, usdc, 500, 0)
}

func TestInvariantViolationsPanic(t *testing.T) {
	tests := []struct {
		name string
		fn   func(l *Ledger)
	}{
		{"release more than locked", func(l *Ledger) { l.ReleaseLock(alice, usdc, amt(11)) }},
		{"unlock more than locked", func(l *Ledger) { l.UnlockAndTransfer(alice, bob, usdc, amt(11)) }},
		{"unlock unknown entry", func(l *Ledger) { l.UnlockAndTransfer(bob, alice, usdc, amt(1)) }},
		{"transfer more than free", func(l *Ledger) { l.TransferFree(alice, bob, usdc, amt(91)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New()
			l.Credit(alice, usdc, amt(100))
			l.Lock(alice, usdc, amt(10))
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			tt.fn(l)
		})
	}
}

func TestBalanceDoesNotCreateEntries(t *testing.T) {
	l := New()
	l.Balance(alice, usdc)
	if _, ok := l.Entry(alice, usdc); ok {
		t.Fatal("Balance created an entry")
	}
	if err := l.Lock(alice, usdc, amt(1)); err == nil {
		t.Fatal("lock on empty entry succeeded")
	}
	if len(l.Entries()) != 0 {
		t.Fatal("failed lock created an entry")
	}
}

func TestTouchedJournal(t *testing.T) {
	l := New()
	l.Credit(bob, usdc, amt(10))
	l.Credit(alice, usdc, amt(10))
	l.Credit(alice, bond, amt(5))

	touched := l.Touched()
	if len(touched) != 3 {
		t.Fatalf("touched = %d entries, want 3", len(touched))
	}
	// bob's address sorts first; alice's BOND precedes her USDC.
	if touched[0].Party != bob || touched[1].Symbol != bond || touched[2].Symbol != usdc {
		t.Errorf("journal not sorted: %+v", touched)
	}
	if again := l.Touched(); len(again) != 0 {
		t.Fatalf("journal not reset: %d entries", len(again))
	}

	l.Lock(alice, usdc, amt(3))
	touched = l.Touched()
	if len(touched) != 1 || touched[0].Locked.Uint64() != 3 {
		t.Fatalf("after lock: %+v", touched)
	}
}

func TestRestore(t *testing.T) {
	l := New()
	l.Credit(alice, usdc, amt(70))
	l.Lock(alice, usdc, amt(20))
	l.Credit(bob, bond, amt(9))

	r := New()
	if err := r.Restore(l.Entries()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	assertBalance(t, r, alice, usdc, 50, 20)
	assertBalance(t, r, bob, bond, 9, 0)
	if len(r.Touched()) != 0 {
		t.Fatal("restore populated the journal")
	}

	dup := []Entry{{Party: alice, Symbol: usdc}, {Party: alice, Symbol: usdc}}
	if err := r.Restore(dup); err == nil {
		t.Fatal("restore accepted duplicate entries")
	}
}

// Deposits and withdrawals alone leave free = Σcredits − Σdebits.
func TestDepositWithdrawAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		var expected uint64
		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			v := rapid.Uint64Range(1, 1_000).Draw(t, "amount")
			if rapid.Bool().Draw(t, "credit") {
				if err := l.Credit(alice, usdc, amt(v)); err != nil {
					t.Fatalf("credit: %v", err)
				}
				expected += v
				continue
			}
			err := l.DebitFree(alice, usdc, amt(v))
			if v > expected {
				if !errors.Is(err, core.ErrInsufficientFreeBalance) {
					t.Fatalf("overdraw of %d with %d: err = %v", v, expected, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("debit: %v", err)
			}
			expected -= v
		}
		free, locked := l.Balance(alice, usdc)
		if free.Uint64() != expected || !locked.IsZero() {
			t.Fatalf("free=%s locked=%s, want %d/0", free.Dec(), locked.Dec(), expected)
		}
	})
}

// Lock, release and transfer move value between buckets but never change the
// per-symbol total.
func TestMovesConserveTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New()
		parties := []common.Address{alice, bob}
		l.Credit(alice, usdc, amt(10_000))
		l.Credit(bob, usdc, amt(10_000))

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			from := rapid.SampledFrom(parties).Draw(t, "from")
			to := rapid.SampledFrom(parties).Draw(t, "to")
			v := amt(rapid.Uint64Range(0, 2_000).Draw(t, "amount"))
			free, locked := l.Balance(from, usdc)
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				l.Lock(from, usdc, v)
			case 1:
				if !locked.Lt(&v) {
					l.ReleaseLock(from, usdc, v)
				}
			case 2:
				if !locked.Lt(&v) {
					l.UnlockAndTransfer(from, to, usdc, v)
				}
			case 3:
				if !free.Lt(&v) {
					l.TransferFree(from, to, usdc, v)
				}
			}
		}
		total, err := l.Total(usdc)
		if err != nil {
			t.Fatalf("total: %v", err)
		}
		if total.Uint64() != 20_000 {
			t.Fatalf("total = %s, want 20000", total.Dec())
		}
	})
}
