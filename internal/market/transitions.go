package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/fomorip/internal/chain"
	"github.com/mbd888/fomorip/internal/idgen"
	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/validation"
)

const maxFeedbackLength = 1000

func requireSide(o *Offer, caller string, want Side) error {
	if sideOf(o, caller) != want {
		return ErrUnauthorized
	}
	return nil
}

// counterparty returns the other party's account.
func counterparty(o *Offer, side Side) string {
	if side == SideSeller {
		return o.Buyer
	}
	return o.Seller
}

func (s *Service) load(ctx context.Context, dealID string) (*Deal, *Offer, error) {
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}
	o, err := s.store.GetOffer(ctx, d.OfferID)
	if err != nil {
		return nil, nil, err
	}
	return d, o, nil
}

// SellerConfirm accepts the buyer's commitment and starts the payment window.
func (s *Service) SellerConfirm(ctx context.Context, dealID, caller string) (*Deal, error) {
	d, _, err := s.mutateDeal(ctx, "SellerConfirm", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, SideSeller); err != nil {
			return err
		}
		if d.Status != DealWaitingSellerConfirm {
			return ErrInvalidStatus
		}
		d.Status = DealWaitingBuyerPayment
		d.ExpireIn(now, s.cfg.StatusTimeout)
		o.Touch(now)
		emit(ctx, tx, notify.KindSellerConfirm, o.Buyer, notify.Ref{OfferID: o.ID, Actor: o.Seller}, now)
		return nil
	})
	return d, err
}

// SignDeal returns the signed terms the buyer submits with the deposit and
// records the deal hash. Signing is deterministic, so repeated calls return
// the same signature.
func (s *Service) SignDeal(ctx context.Context, dealID, caller string) (*chain.SignedDeal, error) {
	d, o, err := s.load(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := requireSide(o, caller, SideBuyer); err != nil {
		return nil, err
	}
	if d.Status != DealWaitingBuyerPayment {
		return nil, ErrInvalidStatus
	}

	signed, err := s.chain.SignDeal(ctx, chain.DealTerms{
		Network:    o.Network,
		Seller:     o.Seller,
		Buyer:      o.Buyer,
		Price:      o.Price,
		Fee:        d.Fee,
		Collateral: o.Collateral,
		Timestamp:  d.StartedAt.Unix(),
	})
	if err != nil {
		s.log(ctx).Warn("deal signing failed", "deal", dealID, "network", o.Network, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrChainUnavailable, err)
	}

	_, _, err = s.mutateDeal(ctx, "SignDeal", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, SideBuyer); err != nil {
			return err
		}
		if d.Status != DealWaitingBuyerPayment {
			return ErrInvalidStatus
		}
		switch d.HashID {
		case signed.Hash:
			return errNoChange
		case "":
			d.HashID = signed.Hash
			return nil
		default:
			return ErrAlreadySigned
		}
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// BuyerMarkPaid reports the buyer's deposit. The escrow contract is checked
// first; the deal advances to the collateral step when the deposit matches
// the price and otherwise parks in waiting_buyer_payment_confirm.
func (s *Service) BuyerMarkPaid(ctx context.Context, dealID, caller string) (Action, *Deal, error) {
	return s.markPaid(ctx, "BuyerMarkPaid", dealID, caller, SideBuyer)
}

// SellerMarkPaid reports the seller's collateral deposit.
func (s *Service) SellerMarkPaid(ctx context.Context, dealID, caller string) (Action, *Deal, error) {
	return s.markPaid(ctx, "SellerMarkPaid", dealID, caller, SideSeller)
}

func (s *Service) markPaid(ctx context.Context, op, dealID, caller string, side Side) (Action, *Deal, error) {
	waiting, confirming := DealWaitingBuyerPayment, DealWaitingBuyerPaymentConfirm
	if side == SideSeller {
		waiting, confirming = DealWaitingSellerCollateral, DealWaitingSellerCollateralConfirm
	}
	allowed := func(st DealStatus) bool { return st == waiting || st == confirming }

	d, o, err := s.load(ctx, dealID)
	if err != nil {
		return "", nil, err
	}
	if err := requireSide(o, caller, side); err != nil {
		return "", nil, err
	}
	if !allowed(d.Status) {
		return "", nil, ErrInvalidStatus
	}

	paid, err := s.depositComplete(ctx, d, o, side)
	if err != nil {
		if errors.Is(err, ErrChainUnavailable) {
			s.log(ctx).Warn("chain check failed", "op", op, "deal", dealID, "error", err)
			return ActionWait, d, err
		}
		return "", nil, err
	}

	d, _, err = s.mutateDeal(ctx, op, dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, side); err != nil {
			return err
		}
		if !allowed(d.Status) {
			return ErrInvalidStatus
		}
		if !paid {
			if d.Status == confirming {
				return errNoChange
			}
			d.Status = confirming
			o.Touch(now)
			return nil
		}
		s.depositConfirmed(ctx, tx, d, o, side, now)
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if paid {
		return ActionReload, d, nil
	}
	return ActionWait, d, nil
}

// depositConfirmed advances a deal whose side's deposit the chain confirmed.
func (s *Service) depositConfirmed(ctx context.Context, tx Tx, d *Deal, o *Offer, side Side, now time.Time) {
	if side == SideBuyer {
		d.Status = DealWaitingSellerCollateral
		d.ExpireIn(now, s.cfg.StatusTimeout)
		emit(ctx, tx, notify.KindBuyerPayed, o.Seller, notify.Ref{OfferID: o.ID, Actor: o.Buyer}, now)
	} else {
		d.Status = DealWaitingForCompletion
		d.Expires = nil
		emit(ctx, tx, notify.KindSellerPayed, o.Buyer, notify.Ref{OfferID: o.ID, Actor: o.Seller}, now)
	}
	o.Touch(now)
}

// readContract fetches the contract's view of d and checks that it describes
// the same parties. Any failure wraps ErrChainUnavailable.
func (s *Service) readContract(ctx context.Context, d *Deal, o *Offer) (*chain.ContractDeal, chain.Network, error) {
	if d.HashID == "" {
		return nil, chain.Network{}, ErrNotSigned
	}
	n, err := s.networks.Get(o.Network)
	if err != nil {
		return nil, chain.Network{}, fmt.Errorf("%w: offer %s on %w", ErrIntegrity, o.ID, err)
	}
	cd, err := s.chain.GetDeal(ctx, o.Network, d.HashID)
	if err != nil {
		return nil, n, fmt.Errorf("%w: %w", ErrChainUnavailable, err)
	}
	if cd.Exists && (!strings.EqualFold(cd.Seller.Hex(), o.Seller) || !strings.EqualFold(cd.Buyer.Hex(), o.Buyer)) {
		return nil, n, fmt.Errorf("%w: %w: parties differ", ErrChainUnavailable, chain.ErrInconsistentState)
	}
	return cd, n, nil
}

// depositComplete reports whether side has deposited its full amount.
func (s *Service) depositComplete(ctx context.Context, d *Deal, o *Offer, side Side) (bool, error) {
	cd, n, err := s.readContract(ctx, d, o)
	if err != nil {
		return false, err
	}
	if !cd.Exists {
		return false, nil
	}
	want, got := o.Price, cd.Price
	paid := cd.BuyerPaid()
	if side == SideSeller {
		want, got = o.Collateral, cd.Collateral
		paid = cd.SellerPaid()
	}
	if got == nil || got.Cmp(chain.ToUnits(want, n.TokenDecimals)) != 0 {
		return false, fmt.Errorf("%w: %w: %s amount differs", ErrChainUnavailable, chain.ErrInconsistentState, side)
	}
	return paid, nil
}

// BuyerComplete confirms delivery. The seller can claim once the completion
// delay has passed. The buyer's rating of the seller is recorded with it;
// zero means the default of five.
func (s *Service) BuyerComplete(ctx context.Context, dealID, caller string, rating int, details string) (*Deal, error) {
	if rating == 0 {
		rating = 5
	}
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	details = validation.SanitizeString(details, maxFeedbackLength)

	d, _, err := s.mutateDeal(ctx, "BuyerComplete", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, SideBuyer); err != nil {
			return err
		}
		if d.Status != DealWaitingForCompletion {
			return ErrInvalidStatus
		}
		d.Status = DealCompletionDelay
		d.ExpireIn(now, s.cfg.CompletionTimeout)
		o.Touch(now)
		_, err := s.recordFeedback(ctx, tx, d, o, SideBuyer, rating, details, now)
		return err
	})
	return d, err
}

// ConfirmFinish is the seller's final step once the completion delay has
// passed. The deal closes and the offer with it.
func (s *Service) ConfirmFinish(ctx context.Context, dealID, caller string) (*Deal, error) {
	d, _, err := s.mutateDeal(ctx, "ConfirmFinish", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, SideSeller); err != nil {
			return err
		}
		if d.Status != DealWaitingSellerClaim {
			return ErrInvalidStatus
		}
		s.closeDeal(ctx, tx, d, o, now)
		return nil
	})
	return d, err
}

// CloseDeal closes a deal that finished through arbitration. Moderator only.
func (s *Service) CloseDeal(ctx context.Context, dealID string) (*Deal, error) {
	d, _, err := s.mutateDeal(ctx, "CloseDeal", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if d.Status != DealConfirmedFinish {
			return ErrInvalidStatus
		}
		s.closeDeal(ctx, tx, d, o, now)
		return nil
	})
	return d, err
}

func (s *Service) closeDeal(ctx context.Context, tx Tx, d *Deal, o *Offer, now time.Time) {
	d.Status = DealClosed
	d.Expires = nil
	o.Close(now)
	ref := notify.Ref{OfferID: o.ID}
	emit(ctx, tx, notify.KindDealClosed, o.Seller, ref, now)
	emit(ctx, tx, notify.KindDealClosed, o.Buyer, ref, now)
}

// ApproveToken records that the caller approved the escrow contract to move
// their tokens.
func (s *Service) ApproveToken(ctx context.Context, dealID, caller string) (*Deal, error) {
	return s.setApproval(ctx, "ApproveToken", dealID, caller, true)
}

// RetryApprove clears the caller's approval so the wallet flow can be
// repeated.
func (s *Service) RetryApprove(ctx context.Context, dealID, caller string) (*Deal, error) {
	return s.setApproval(ctx, "RetryApprove", dealID, caller, false)
}

func (s *Service) setApproval(ctx context.Context, op, dealID, caller string, approved bool) (*Deal, error) {
	d, _, err := s.mutateDeal(ctx, op, dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if d.Status.Terminal() {
			return ErrInvalidStatus
		}
		flag := &d.BuyerApproved
		switch sideOf(o, caller) {
		case SideSeller:
			flag = &d.SellerApproved
		case SideBuyer:
		default:
			return ErrUnauthorized
		}
		if *flag == approved {
			return errNoChange
		}
		*flag = approved
		return nil
	})
	return d, err
}

// LeaveFeedback rates the other party once the item has been delivered.
func (s *Service) LeaveFeedback(ctx context.Context, dealID, caller string, rating int, details string) (*DealFeedback, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	details = validation.SanitizeString(details, maxFeedbackLength)

	var fb *DealFeedback
	_, _, err := s.mutateDeal(ctx, "LeaveFeedback", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		side := sideOf(o, caller)
		if side == 0 {
			return ErrUnauthorized
		}
		switch d.Status {
		case DealCompletionDelay, DealWaitingSellerClaim, DealConfirmedFinish, DealClosed:
		default:
			return ErrInvalidStatus
		}
		var err error
		fb, err = s.recordFeedback(ctx, tx, d, o, side, rating, details, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return fb, nil
}

func (s *Service) recordFeedback(ctx context.Context, tx Tx, d *Deal, o *Offer, author Side, rating int, details string, now time.Time) (*DealFeedback, error) {
	fb := &DealFeedback{
		ID:        idgen.WithPrefix("fb_"),
		DealID:    d.ID,
		Author:    counterparty(o, otherSide(author)),
		For:       counterparty(o, author),
		Rating:    rating,
		Details:   details,
		CreatedAt: now,
	}
	if err := tx.CreateFeedback(ctx, fb); err != nil {
		return nil, err
	}
	emit(ctx, tx, notify.KindDealFeedback, fb.For, notify.Ref{OfferID: o.ID, Actor: fb.Author}, now)
	return fb, nil
}

func otherSide(side Side) Side {
	if side == SideSeller {
		return SideBuyer
	}
	return SideSeller
}

// BuyerClaimAfterCancelation closes out a deal the seller abandoned after
// the buyer paid. The buyer withdraws on chain; the offer returns to the
// market.
func (s *Service) BuyerClaimAfterCancelation(ctx context.Context, dealID, caller string) (*Deal, error) {
	d, _, err := s.mutateDeal(ctx, "BuyerClaimAfterCancelation", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		if err := requireSide(o, caller, SideBuyer); err != nil {
			return err
		}
		if d.Status != DealWaitingBuyerClaim {
			return ErrInvalidStatus
		}
		d.Status = DealDeleted
		d.Expires = nil
		o.Reopen(now)
		return nil
	})
	return d, err
}
