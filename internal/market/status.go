package market

import (
	"database/sql/driver"
	"fmt"
)

// DealStatus is the closed set of deal lifecycle states. Transition code
// switches over these constants; the string form exists only at the storage
// and JSON boundaries.
type DealStatus uint8

const (
	DealStatusUnknown DealStatus = iota
	DealWaitingSellerConfirm
	DealWaitingBuyerPayment
	DealWaitingBuyerPaymentConfirm
	DealWaitingSellerCollateral
	DealWaitingSellerCollateralConfirm
	DealWaitingForCompletion
	DealCompletionDelay
	DealWaitingSellerClaim
	DealWaitingBuyerClaim   // abandoned after payment, buyer reclaims funds on chain
	DealWaitingModerator    // disputed
	DealWaitingSidesClaim   // arbitration resolved, payouts being claimed
	DealConfirmedFinish
	DealClosed
	DealDeleted
)

var dealStatusNames = [...]string{
	DealStatusUnknown:                  "unknown",
	DealWaitingSellerConfirm:           "waiting_seller_confirm",
	DealWaitingBuyerPayment:            "waiting_buyer_payment",
	DealWaitingBuyerPaymentConfirm:     "waiting_buyer_payment_confirm",
	DealWaitingSellerCollateral:        "waiting_seller_collateral",
	DealWaitingSellerCollateralConfirm: "waiting_seller_collateral_confirm",
	DealWaitingForCompletion:           "waiting_for_completion",
	DealCompletionDelay:                "completion_delay",
	DealWaitingSellerClaim:             "waiting_seller_claim",
	DealWaitingBuyerClaim:              "waiting_buyer_claim",
	DealWaitingModerator:               "waiting_moderator",
	DealWaitingSidesClaim:              "waiting_sides_claim",
	DealConfirmedFinish:                "confirmed_finish",
	DealClosed:                         "closed",
	DealDeleted:                        "deleted",
}

func (s DealStatus) String() string {
	if int(s) < len(dealStatusNames) {
		return dealStatusNames[s]
	}
	return dealStatusNames[DealStatusUnknown]
}

// ParseDealStatus converts the stored name back to a DealStatus.
func ParseDealStatus(name string) (DealStatus, error) {
	for i, n := range dealStatusNames {
		if n == name && i != int(DealStatusUnknown) {
			return DealStatus(i), nil
		}
	}
	return DealStatusUnknown, fmt.Errorf("market: unknown deal status %q", name)
}

// Terminal reports whether no further transition is possible.
func (s DealStatus) Terminal() bool {
	return s == DealClosed || s == DealDeleted
}

// FundsCommitted reports whether money may already sit in the escrow
// contract, which is what makes a dispute meaningful.
func (s DealStatus) FundsCommitted() bool {
	switch s {
	case DealWaitingBuyerPaymentConfirm,
		DealWaitingSellerCollateral,
		DealWaitingSellerCollateralConfirm,
		DealWaitingForCompletion,
		DealCompletionDelay,
		DealWaitingSellerClaim:
		return true
	}
	return false
}

// Stage maps a status to the six-step progress shown to users. Dispute and
// abandonment states have no stage.
func (s DealStatus) Stage() int {
	switch s {
	case DealWaitingSellerConfirm:
		return 1
	case DealWaitingBuyerPayment, DealWaitingBuyerPaymentConfirm:
		return 2
	case DealWaitingSellerCollateral, DealWaitingSellerCollateralConfirm:
		return 3
	case DealWaitingForCompletion, DealCompletionDelay:
		return 4
	case DealWaitingSellerClaim, DealConfirmedFinish:
		return 5
	case DealClosed:
		return 6
	}
	return 0
}

func (s DealStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *DealStatus) UnmarshalText(b []byte) error {
	v, err := ParseDealStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s DealStatus) Value() (driver.Value, error) { return s.String(), nil }

func (s *DealStatus) Scan(src any) error {
	return scanEnum(src, s.UnmarshalText)
}

// OfferStatus is the listing lifecycle.
type OfferStatus uint8

const (
	OfferStatusUnknown OfferStatus = iota
	OfferModeration
	OfferActive
	OfferInDeal
	OfferClosed
	OfferDeleted
	OfferRejected
)

var offerStatusNames = [...]string{
	OfferStatusUnknown: "unknown",
	OfferModeration:    "moderation",
	OfferActive:        "active",
	OfferInDeal:        "deal",
	OfferClosed:        "closed",
	OfferDeleted:       "deleted",
	OfferRejected:      "rejected",
}

func (s OfferStatus) String() string {
	if int(s) < len(offerStatusNames) {
		return offerStatusNames[s]
	}
	return offerStatusNames[OfferStatusUnknown]
}

// ParseOfferStatus converts the stored name back to an OfferStatus.
func ParseOfferStatus(name string) (OfferStatus, error) {
	for i, n := range offerStatusNames {
		if n == name && i != int(OfferStatusUnknown) {
			return OfferStatus(i), nil
		}
	}
	return OfferStatusUnknown, fmt.Errorf("market: unknown offer status %q", name)
}

// Locked reports whether the seller may no longer edit or delete the offer.
func (s OfferStatus) Locked() bool {
	return s != OfferModeration && s != OfferActive
}

func (s OfferStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OfferStatus) UnmarshalText(b []byte) error {
	v, err := ParseOfferStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s OfferStatus) Value() (driver.Value, error) { return s.String(), nil }

func (s *OfferStatus) Scan(src any) error {
	return scanEnum(src, s.UnmarshalText)
}

// OfferType is what is being sold.
type OfferType string

const (
	OfferTypeNFT    OfferType = "nft"
	OfferTypeIDO    OfferType = "ido"
	OfferTypeWorker OfferType = "worker"
	OfferTypeOther  OfferType = "other"
)

// Valid reports whether t is a known offer type.
func (t OfferType) Valid() bool {
	switch t {
	case OfferTypeNFT, OfferTypeIDO, OfferTypeWorker, OfferTypeOther:
		return true
	}
	return false
}

// WTBStatus is the lifecycle of a buy request.
type WTBStatus string

const (
	WTBModeration WTBStatus = "moderation"
	WTBActive     WTBStatus = "active"
	WTBDeleted    WTBStatus = "deleted"
)

// CancelReason is a dispute or abandonment reason code. Parties may add
// free-text reasons next to the fixed codes.
type CancelReason string

const (
	ReasonCanceledBySeller CancelReason = "canceled_by_seller"
	ReasonCanceledByBuyer  CancelReason = "canceled_by_buyer"
	ReasonCanceledByTimer  CancelReason = "canceled_by_timer"
	ReasonItemNotProvided  CancelReason = "item_not_provided"
	ReasonSellerNotReplied CancelReason = "seller_not_replied"
	ReasonOther            CancelReason = "other"
)

// origin reports whether r records who or what cancelled the deal. Those
// codes are set by the system and cannot be supplied by a party.
func (r CancelReason) origin() bool {
	return r == ReasonCanceledBySeller || r == ReasonCanceledByBuyer || r == ReasonCanceledByTimer
}

func scanEnum(src any, set func([]byte) error) error {
	switch v := src.(type) {
	case string:
		return set([]byte(v))
	case []byte:
		return set(v)
	default:
		return fmt.Errorf("market: cannot scan %T into status", src)
	}
}
