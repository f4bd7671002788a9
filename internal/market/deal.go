package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one party of a deal.
type Side uint8

const (
	SideSeller Side = iota + 1
	SideBuyer
)

func (s Side) String() string {
	switch s {
	case SideSeller:
		return "seller"
	case SideBuyer:
		return "buyer"
	}
	return "none"
}

// sideOf resolves account's role on o, or 0 when it has none.
func sideOf(o *Offer, account string) Side {
	switch {
	case o.IsSeller(account):
		return SideSeller
	case o.IsBuyer(account):
		return SideBuyer
	}
	return 0
}

// Deal is the escrow transaction bound to one offer once a buyer commits.
// Expires is nil while the deal waits on something other than a clock.
type Deal struct {
	ID             string          `json:"id"`
	OfferID        string          `json:"offerId"`
	Status         DealStatus      `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	Expires        *time.Time      `json:"expires,omitempty"`
	Fee            decimal.Decimal `json:"fee"`
	HashID         string          `json:"hashId,omitempty"`
	BuyerApproved  bool            `json:"buyerApproved"`
	SellerApproved bool            `json:"sellerApproved"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Expired reports whether the deal's deadline has passed.
func (d *Deal) Expired(now time.Time) bool {
	return d.Expires != nil && !d.Expires.After(now)
}

// ExpireIn sets the deadline to now+after, or clears it when after is zero.
func (d *Deal) ExpireIn(now time.Time, after time.Duration) {
	if after <= 0 {
		d.Expires = nil
		return
	}
	t := now.Add(after)
	d.Expires = &t
}

// SecondsLeft is the remaining time before expiry, zero when none applies.
func (d *Deal) SecondsLeft(now time.Time) int64 {
	if d.Expires == nil || !d.Expires.After(now) {
		return 0
	}
	return int64(d.Expires.Sub(now).Seconds())
}

// DealCancelation records why a deal left the happy path. It is written once.
type DealCancelation struct {
	DealID    string         `json:"dealId"`
	Reasons   []CancelReason `json:"reasons"`
	Details   string         `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// HasReason reports whether r is among the recorded reasons.
func (c *DealCancelation) HasReason(r CancelReason) bool {
	for _, have := range c.Reasons {
		if have == r {
			return true
		}
	}
	return false
}

// DealArbitration is a moderator's split of the escrowed funds. Payout
// amounts never change; only the claim flags do.
type DealArbitration struct {
	DealID        string          `json:"dealId"`
	PayToSeller   decimal.Decimal `json:"payToSeller"`
	PayToBuyer    decimal.Decimal `json:"payToBuyer"`
	SellerClaimed bool            `json:"sellerClaimed"`
	BuyerClaimed  bool            `json:"buyerClaimed"`
	Receipt       json.RawMessage `json:"receipt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// BuyerClaimAllowed reports whether the buyer has anything to withdraw.
func (a *DealArbitration) BuyerClaimAllowed() bool { return a.PayToBuyer.IsPositive() }

// SellerClaimAllowed reports whether the seller has anything to withdraw.
func (a *DealArbitration) SellerClaimAllowed() bool { return a.PayToSeller.IsPositive() }

// Settled reports whether every side with a payout has claimed it. A side
// with nothing to claim counts as done.
func (a *DealArbitration) Settled() bool {
	sellerDone := !a.SellerClaimAllowed() || a.SellerClaimed
	buyerDone := !a.BuyerClaimAllowed() || a.BuyerClaimed
	return sellerDone && buyerDone
}

// DealFeedback is one party's rating of the other.
type DealFeedback struct {
	ID        string    `json:"id"`
	DealID    string    `json:"dealId"`
	Author    string    `json:"author"`
	For       string    `json:"for"`
	Rating    int       `json:"rating"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// DealView is a deal with everything a client needs to render it.
type DealView struct {
	Deal        *Deal            `json:"deal"`
	Offer       *Offer           `json:"offer"`
	Stage       int              `json:"stage"`
	SecondsLeft int64            `json:"secondsLeft"`
	Cancelation *DealCancelation `json:"cancelation,omitempty"`
	Arbitration *DealArbitration `json:"arbitration,omitempty"`
}

// OfferView is an offer and its current deal, if any.
type OfferView struct {
	Offer *Offer    `json:"offer"`
	Deal  *DealView `json:"deal,omitempty"`
}
