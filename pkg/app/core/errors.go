package core

import "errors"

// Errors returned by the exchange core. Every one of them aborts the call
// that produced it with no state change. Callers match with errors.Is.
var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidQuorum     = errors.New("invalid quorum")
	ErrNotListed         = errors.New("symbol not listed")
	ErrAlreadyListed     = errors.New("symbol already listed")
	ErrUnknownProposal   = errors.New("unknown proposal")
	ErrDuplicateApproval = errors.New("duplicate approval")
	ErrAlreadyFinalized  = errors.New("proposal already finalized")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidToken      = errors.New("invalid token address")

	ErrInsufficientFreeBalance = errors.New("insufficient free balance")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidPrice            = errors.New("invalid price")
	ErrOverflow                = errors.New("arithmetic overflow")

	ErrQuoteSymbol  = errors.New("quote symbol cannot be traded")
	ErrSelfTrade    = errors.New("self trade")
	ErrUnknownOrder = errors.New("unknown order")

	ErrTokenTransferFailed = errors.New("token transfer failed")
	ErrInsolvent           = errors.New("ledger exceeds custody")
	ErrHalted              = errors.New("exchange halted")
)
