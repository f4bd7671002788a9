// Package market implements the escrow marketplace: sell offers, buy
// requests, and the deal state machine that carries one offer from a buyer's
// commitment through deposits, completion, disputes and payout claims.
//
// Every mutation runs in one store transaction that loads the deal and its
// offer, re-validates the caller's role and the current status, applies the
// transition and records notifications for the affected parties. Chain reads
// happen before the transaction and only their outcome is applied inside it.
// Timeouts are data: a deal carries an expiry and only the Sweeper acts on it.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOfferNotFound = errors.New("market: offer not found")
	ErrDealNotFound  = errors.New("market: deal not found")
	ErrWTBNotFound   = errors.New("market: buy request not found")

	ErrUnauthorized = errors.New("market: caller is not allowed to perform this action")

	ErrInvalidStatus   = errors.New("market: action not allowed in the current status")
	ErrOfferTaken      = errors.New("market: offer already taken")
	ErrOfferLocked     = errors.New("market: offer is locked by a deal")
	ErrAlreadyDisputed = errors.New("market: deal already disputed")
	ErrAlreadyResolved = errors.New("market: arbitration already resolved")
	ErrNothingToClaim  = errors.New("market: no payout to claim")
	ErrFeedbackExists  = errors.New("market: feedback already left")
	ErrNotSigned       = errors.New("market: deal has not been signed yet")
	ErrAlreadySigned   = errors.New("market: deal already signed with different terms")

	ErrChainUnavailable = errors.New("market: chain state unavailable")
	ErrIntegrity        = errors.New("market: integrity violation")

	ErrInvalidAmount  = errors.New("market: invalid amount")
	ErrInvalidNetwork = errors.New("market: invalid network")
	ErrInvalidOffer   = errors.New("market: invalid offer")
	ErrInvalidInput   = errors.New("market: invalid input")
)

// IsInvalidState reports whether err means the caller acted on stale state
// and should reload before retrying.
func IsInvalidState(err error) bool {
	for _, target := range []error{
		ErrInvalidStatus, ErrOfferTaken, ErrOfferLocked, ErrAlreadyDisputed,
		ErrAlreadyResolved, ErrNothingToClaim, ErrFeedbackExists,
		ErrNotSigned, ErrAlreadySigned,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidNetwork) ||
		errors.Is(err, ErrInvalidOffer) || errors.Is(err, ErrInvalidInput)
}

// IsNotFound reports whether err is a missing offer, deal or buy request.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOfferNotFound) || errors.Is(err, ErrDealNotFound) || errors.Is(err, ErrWTBNotFound)
}

// Action tells the client what to do after a chain-checked call.
type Action string

const (
	ActionReload Action = "reload" // state advanced, fetch the deal again
	ActionWait   Action = "wait"   // chain not there yet, poll later
)

// Config holds the marketplace's economic and timing parameters.
type Config struct {
	FeePercent        decimal.Decimal
	MinPrice          decimal.Decimal
	StatusTimeout     time.Duration // per-step deadline while waiting on a party
	CompletionTimeout time.Duration // delay between buyer completion and seller claim
	ModerationDelay   time.Duration // age at which offers and buy requests go live
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FeePercent:        decimal.NewFromInt(1),
		MinPrice:          decimal.NewFromInt(1),
		StatusTimeout:     60 * time.Minute,
		CompletionTimeout: 180 * time.Minute,
		ModerationDelay:   60 * time.Minute,
	}
}

// Fee computes the platform fee for price.
func (c Config) Fee(price decimal.Decimal) decimal.Decimal {
	return price.Div(decimal.NewFromInt(100)).Mul(c.FeePercent)
}
