package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/validation"
)

const (
	maxExtraReasons = 10
	maxReasonLength = 64
	maxReceiptBytes = 16 << 10
)

// CallArbitration disputes a deal that already has funds in escrow. The
// caller's side is recorded as the origin next to any extra reasons, and the
// other side is notified. A deal can be disputed once.
func (s *Service) CallArbitration(ctx context.Context, dealID, caller string, reasons []string, details string) (*DealView, error) {
	extra := extraReasons(reasons)
	details = validation.SanitizeString(details, maxDetailsLength)

	var cancel *DealCancelation
	d, o, err := s.mutateDeal(ctx, "CallArbitration", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		side := sideOf(o, caller)
		if side == 0 {
			return ErrUnauthorized
		}
		existing, err := tx.GetCancelation(ctx, d.ID)
		if err != nil {
			return err
		}
		if existing != nil || d.Status == DealWaitingModerator {
			return ErrAlreadyDisputed
		}
		if !d.Status.FundsCommitted() {
			return ErrInvalidStatus
		}

		origin := ReasonCanceledByBuyer
		if side == SideSeller {
			origin = ReasonCanceledBySeller
		}
		cancel = &DealCancelation{
			DealID:    d.ID,
			Reasons:   append([]CancelReason{origin}, extra...),
			Details:   details,
			CreatedAt: now,
		}
		if err := tx.CreateCancelation(ctx, cancel); err != nil {
			return err
		}

		d.Status = DealWaitingModerator
		d.Expires = nil
		o.Touch(now)
		emit(ctx, tx, notify.KindDealCanceled, counterparty(o, side), notify.Ref{OfferID: o.ID, Actor: normalize(caller)}, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DealDisputesTotal.Inc()
	return &DealView{Deal: d, Offer: o, Stage: d.Status.Stage(), Cancelation: cancel}, nil
}

// extraReasons normalizes party-supplied reasons. Entries may themselves be
// comma separated. Origin codes are reserved and dropped.
func extraReasons(raw []string) []CancelReason {
	var out []CancelReason
	seen := make(map[CancelReason]bool)
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ",") {
			part = validation.SanitizeString(part, maxReasonLength)
			if part == "" {
				continue
			}
			r := CancelReason(strings.ToLower(part))
			if r.origin() || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
			if len(out) == maxExtraReasons {
				return out
			}
		}
	}
	return out
}

// Resolution is a moderator's split of a disputed deal's escrow.
type Resolution struct {
	PayToSeller string          `json:"payToSeller"`
	PayToBuyer  string          `json:"payToBuyer"`
	Receipt     json.RawMessage `json:"receipt,omitempty"`
}

func parsePayout(field, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: invalid amount format", ErrInvalidAmount, field)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s: must not be negative", ErrInvalidAmount, field)
	}
	return d, nil
}

// ResolveArbitration records the moderator's payout split and lets both
// sides claim. The split is written once and never recomputed.
func (s *Service) ResolveArbitration(ctx context.Context, dealID string, res Resolution) (*DealArbitration, error) {
	toSeller, err := parsePayout("payToSeller", res.PayToSeller)
	if err != nil {
		return nil, err
	}
	toBuyer, err := parsePayout("payToBuyer", res.PayToBuyer)
	if err != nil {
		return nil, err
	}
	total := toSeller.Add(toBuyer)
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: payouts must not both be zero", ErrInvalidAmount)
	}
	receipt := res.Receipt
	if len(receipt) > maxReceiptBytes || (len(receipt) > 0 && !json.Valid(receipt)) {
		return nil, fmt.Errorf("%w: receipt must be a JSON document", ErrInvalidInput)
	}

	var arb *DealArbitration
	_, _, err = s.mutateDeal(ctx, "ResolveArbitration", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		existing, err := tx.GetArbitration(ctx, d.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyResolved
		}
		if d.Status != DealWaitingModerator {
			return ErrInvalidStatus
		}
		if escrowed := o.Price.Add(o.Collateral); total.GreaterThan(escrowed) {
			return fmt.Errorf("%w: payouts exceed the escrowed %s", ErrInvalidAmount, escrowed)
		}

		arb = &DealArbitration{
			DealID:      d.ID,
			PayToSeller: toSeller,
			PayToBuyer:  toBuyer,
			Receipt:     receipt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateArbitration(ctx, arb); err != nil {
			return err
		}

		d.Status = DealWaitingSidesClaim
		o.Touch(now)
		ref := notify.Ref{OfferID: o.ID}
		emit(ctx, tx, notify.KindDealResolved, o.Seller, ref, now)
		emit(ctx, tx, notify.KindDealResolved, o.Buyer, ref, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info("arbitration resolved", "deal", dealID,
		"pay_to_seller", toSeller.String(), "pay_to_buyer", toBuyer.String())
	return arb, nil
}

// BuyerClaimAfterArbitration records the buyer's withdrawal of their payout.
func (s *Service) BuyerClaimAfterArbitration(ctx context.Context, dealID, caller string) (*DealView, error) {
	return s.claimAfterArbitration(ctx, "BuyerClaimAfterArbitration", dealID, caller, SideBuyer)
}

// SellerClaimAfterArbitration records the seller's withdrawal of their payout.
func (s *Service) SellerClaimAfterArbitration(ctx context.Context, dealID, caller string) (*DealView, error) {
	return s.claimAfterArbitration(ctx, "SellerClaimAfterArbitration", dealID, caller, SideSeller)
}

// claimAfterArbitration flips side's claim flag. A side whose payout is zero
// has nothing to claim and is rejected. Repeating a claim is a no-op. Once
// every side with a payout has claimed, the deal finishes and the offer
// closes.
func (s *Service) claimAfterArbitration(ctx context.Context, op, dealID, caller string, side Side) (*DealView, error) {
	var arb *DealArbitration
	d, o, err := s.mutateDeal(ctx, op, dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, side); err != nil {
			return err
		}
		a, err := tx.GetArbitration(ctx, d.ID)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrInvalidStatus
		}
		arb = a

		allowed, claimed := a.BuyerClaimAllowed(), &a.BuyerClaimed
		if side == SideSeller {
			allowed, claimed = a.SellerClaimAllowed(), &a.SellerClaimed
		}
		if !allowed {
			return ErrNothingToClaim
		}
		if *claimed {
			return errNoChange
		}
		if d.Status != DealWaitingSidesClaim {
			return ErrInvalidStatus
		}

		*claimed = true
		a.UpdatedAt = now
		if err := tx.UpdateArbitrationClaims(ctx, a); err != nil {
			return err
		}
		if a.Settled() {
			d.Status = DealConfirmedFinish
			d.Expires = nil
			o.Close(now)
		} else {
			o.Touch(now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DealView{Deal: d, Offer: o, Stage: d.Status.Stage(), Arbitration: arb}, nil
}
