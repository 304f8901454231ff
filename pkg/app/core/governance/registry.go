// Package governance implements quorum-gated token listing: quorum members
// propose symbols and approve proposals by id until a threshold is reached.
package governance

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/xchange/pkg/app/core"
)

// Status of a listing proposal.
type Status int8

const (
	Proposed Status = iota // collecting approvals
	Listed                 // symbol is tradeable, record is frozen
)

func (s Status) String() string {
	switch s {
	case Proposed:
		return "proposed"
	case Listed:
		return "listed"
	default:
		return "unknown"
	}
}

// Listing is the governance record that makes a symbol tradeable.
type Listing struct {
	ProposalID uint64
	Symbol     core.Symbol
	Token      common.Address
	Approvals  []common.Address // append-only, in approval order
	Status     Status
}

func (l *Listing) clone() Listing {
	cp := *l
	cp.Approvals = append([]common.Address(nil), l.Approvals...)
	return cp
}

func (l *Listing) approvedBy(addr common.Address) bool {
	for _, a := range l.Approvals {
		if a == addr {
			return true
		}
	}
	return false
}

// Registry holds the quorum, the approval threshold and every listing
// proposal. Membership and threshold are fixed at construction.
type Registry struct {
	mu        sync.RWMutex
	quorum    map[common.Address]struct{}
	members   []common.Address // construction order
	required  int
	proposals []*Listing               // index == proposal id
	listed    map[core.Symbol]*Listing // symbol -> Listed entry
}

// New creates a registry. requiredApprovals must be in [1, len(quorum)].
func New(quorum []common.Address, requiredApprovals int) (*Registry, error) {
	if len(quorum) == 0 {
		return nil, fmt.Errorf("%w: empty quorum", core.ErrInvalidQuorum)
	}
	if requiredApprovals < 1 || requiredApprovals > len(quorum) {
		return nil, fmt.Errorf("%w: required approvals %d not in [1, %d]",
			core.ErrInvalidQuorum, requiredApprovals, len(quorum))
	}

	r := &Registry{
		quorum:   make(map[common.Address]struct{}, len(quorum)),
		required: requiredApprovals,
		listed:   make(map[core.Symbol]*Listing),
	}
	for _, m := range quorum {
		if m == (common.Address{}) {
			return nil, fmt.Errorf("%w: zero address member", core.ErrInvalidQuorum)
		}
		if _, dup := r.quorum[m]; dup {
			return nil, fmt.Errorf("%w: duplicate member %s", core.ErrInvalidQuorum, m.Hex())
		}
		r.quorum[m] = struct{}{}
		r.members = append(r.members, m)
	}
	return r, nil
}

// Propose opens a listing proposal for symbol backed by token and returns
// its id. The proposer does not implicitly approve.
func (r *Registry) Propose(symbol core.Symbol, token common.Address, caller common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMember(caller) {
		return 0, fmt.Errorf("%w: %s is not a quorum member", core.ErrUnauthorized, caller.Hex())
	}
	if symbol.IsZero() {
		return 0, core.ErrInvalidSymbol
	}
	if token == (common.Address{}) {
		return 0, core.ErrInvalidToken
	}
	if _, ok := r.listed[symbol]; ok {
		return 0, fmt.Errorf("%w: %s", core.ErrAlreadyListed, symbol)
	}

	id := uint64(len(r.proposals))
	r.proposals = append(r.proposals, &Listing{
		ProposalID: id,
		Symbol:     symbol,
		Token:      token,
		Status:     Proposed,
	})
	return id, nil
}

// Approve records caller's approval of proposal id. The approval that brings
// the set to the threshold lists the symbol; there is no separate finalize.
// The returned listing reflects the state after the call.
func (r *Registry) Approve(id uint64, caller common.Address) (Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isMember(caller) {
		return Listing{}, fmt.Errorf("%w: %s is not a quorum member", core.ErrUnauthorized, caller.Hex())
	}
	if id >= uint64(len(r.proposals)) {
		return Listing{}, fmt.Errorf("%w: %d", core.ErrUnknownProposal, id)
	}
	l := r.proposals[id]
	if l.approvedBy(caller) {
		return Listing{}, fmt.Errorf("%w: %s on proposal %d", core.ErrDuplicateApproval, caller.Hex(), id)
	}
	if l.Status == Listed {
		return Listing{}, fmt.Errorf("%w: proposal %d", core.ErrAlreadyFinalized, id)
	}
	// A competing proposal for the same symbol may have crossed first.
	if _, ok := r.listed[l.Symbol]; ok {
		return Listing{}, fmt.Errorf("%w: %s", core.ErrAlreadyListed, l.Symbol)
	}

	l.Approvals = append(l.Approvals, caller)
	if len(l.Approvals) >= r.required {
		l.Status = Listed
		r.listed[l.Symbol] = l
	}
	return l.clone(), nil
}

// IsListed reports whether symbol is tradeable.
func (r *Registry) IsListed(symbol core.Symbol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listed[symbol]
	return ok
}

// TokenAddressFor returns the backing token of a listed symbol.
func (r *Registry) TokenAddressFor(symbol core.Symbol) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listed[symbol]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", core.ErrNotListed, symbol)
	}
	return l.Token, nil
}

// Listing returns a copy of proposal id.
func (r *Registry) Listing(id uint64) (Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id >= uint64(len(r.proposals)) {
		return Listing{}, fmt.Errorf("%w: %d", core.ErrUnknownProposal, id)
	}
	return r.proposals[id].clone(), nil
}

// Listings returns copies of all proposals in id order.
func (r *Registry) Listings() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listing, len(r.proposals))
	for i, l := range r.proposals {
		out[i] = l.clone()
	}
	return out
}

func (r *Registry) Quorum() []common.Address {
	return append([]common.Address(nil), r.members...)
}

func (r *Registry) RequiredApprovals() int { return r.required }

func (r *Registry) isMember(addr common.Address) bool {
	_, ok := r.quorum[addr]
	return ok
}

// Restore replaces the proposal table with persisted records. Records must
// carry consecutive ids starting at 0.
func (r *Registry) Restore(listings []Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := append([]Listing(nil), listings...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProposalID < sorted[j].ProposalID })

	proposals := make([]*Listing, 0, len(sorted))
	listed := make(map[core.Symbol]*Listing)
	for i := range sorted {
		l := sorted[i].clone()
		if l.ProposalID != uint64(i) {
			return fmt.Errorf("restore listings: gap at proposal %d (found %d)", i, l.ProposalID)
		}
		if l.Status == Listed {
			if _, dup := listed[l.Symbol]; dup {
				return fmt.Errorf("restore listings: %s listed twice", l.Symbol)
			}
			listed[l.Symbol] = &l
		}
		proposals = append(proposals, &l)
	}
	r.proposals = proposals
	r.listed = listed
	return nil
}
