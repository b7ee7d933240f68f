package model

import (
	"errors"
	"fmt"
	"math/big"
)

// Error taxonomy shared by adapters, routers and the chain boundary
var (
	ErrVenueUnavailable            = errors.New("venue unavailable")
	ErrVenueTimeout                = errors.New("venue timeout")
	ErrNoRouteAvailable            = errors.New("no route available")
	ErrUnsupportedProtocol         = errors.New("unsupported protocol")
	ErrUnsupportedChain            = errors.New("unsupported chain")
	ErrInvalidBridgeQuoteInputs    = errors.New("invalid bridge quote inputs")
	ErrSlippageExceeded            = errors.New("slippage exceeded")
	ErrBridgeContractNotConfigured = errors.New("bridge contract not configured")
	ErrTransactionFailed           = errors.New("transaction failed")
	ErrInvalidInput                = errors.New("invalid input")
)

// VenueError attributes an adapter failure to its venue
type VenueError struct {
	Venue string
	Err   error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s: %v", e.Venue, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError wraps cause under one of ErrVenueUnavailable / ErrVenueTimeout
func NewVenueError(venue string, kind, cause error) error {
	if cause == nil || errors.Is(cause, kind) {
		return &VenueError{Venue: venue, Err: kind}
	}
	return &VenueError{Venue: venue, Err: fmt.Errorf("%w: %v", kind, cause)}
}

// IntentError carries the intent that produced a caller-visible failure
type IntentError struct {
	Intent string
	Err    error
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("%v (intent: %s)", e.Err, e.Intent)
}

func (e *IntentError) Unwrap() error { return e.Err }

// TransactionError wraps a revert or submission error with routing context.
// errors.Is(err, ErrTransactionFailed) holds for every TransactionError.
type TransactionError struct {
	Intent string
	Venue  string
	Amount *big.Int
	Err    error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed on %s for amount %s (intent: %s): %v",
		e.Venue, amountString(e.Amount), e.Intent, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransactionFailed
}
