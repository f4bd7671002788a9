package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/fomorip/internal/idgen"
	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/traces"
	"github.com/mbd888/fomorip/internal/validation"
)

// CreateOffer lists a new offer for seller. It starts in moderation.
func (s *Service) CreateOffer(ctx context.Context, seller string, in OfferInput) (*Offer, error) {
	fields, err := s.validateOffer(in)
	if err != nil {
		return nil, err
	}
	seller = normalize(seller)
	if !validation.IsValidEthAddress(seller) {
		return nil, ErrUnauthorized
	}

	now := s.now()
	o := &Offer{
		ID:         idgen.WithPrefix("ofr_"),
		Network:    fields.network,
		Type:       fields.typ,
		Seller:     seller,
		Status:     OfferModeration,
		Name:       fields.name,
		Price:      fields.price,
		Collateral: fields.collateral,
		Details:    fields.details,
		CreatedAt:  now,
	}
	if err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateOffer(ctx, o)
	}); err != nil {
		return nil, err
	}

	s.log(ctx).Info("offer created", "offer", o.ID, "seller", seller, "network", o.Network, "price", o.Price.String())
	return o, nil
}

// mutateOffer applies fn to an offer the caller listed, while it is still
// editable.
func (s *Service) mutateOffer(ctx context.Context, offerID, caller string, fn func(o *Offer, now time.Time)) (*Offer, error) {
	var out *Offer
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !o.IsSeller(caller) {
			return ErrUnauthorized
		}
		if o.Status.Locked() {
			return ErrOfferLocked
		}
		fn(o, s.now())
		out = o
		return tx.UpdateOffer(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOffer edits an offer that is not in a deal.
func (s *Service) UpdateOffer(ctx context.Context, offerID, caller string, in OfferInput) (*Offer, error) {
	fields, err := s.validateOffer(in)
	if err != nil {
		return nil, err
	}
	return s.mutateOffer(ctx, offerID, caller, func(o *Offer, _ time.Time) {
		o.Network = fields.network
		o.Type = fields.typ
		o.Name = fields.name
		o.Price = fields.price
		o.Collateral = fields.collateral
		o.Details = fields.details
	})
}

// DeleteOffer withdraws an offer that is not in a deal.
func (s *Service) DeleteOffer(ctx context.Context, offerID, caller string) (*Offer, error) {
	return s.mutateOffer(ctx, offerID, caller, func(o *Offer, now time.Time) {
		o.Status = OfferDeleted
		o.Touch(now)
	})
}

// RejectOffer takes an offer off the market on a moderator's decision.
func (s *Service) RejectOffer(ctx context.Context, offerID string) (*Offer, error) {
	var out *Offer
	err := s.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if o.Status.Locked() {
			return ErrOfferLocked
		}
		o.Status = OfferRejected
		o.Touch(s.now())
		out = o
		return tx.UpdateOffer(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	s.log(ctx).Info("offer rejected", "offer", offerID)
	return out, nil
}

// GetOffer returns an offer. Its current deal is included when caller is a
// party to it.
func (s *Service) GetOffer(ctx context.Context, offerID, caller string) (*OfferView, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	view := &OfferView{Offer: o}
	if sideOf(o, caller) == 0 {
		return view, nil
	}
	d, err := s.store.CurrentDeal(ctx, offerID)
	switch {
	case errors.Is(err, ErrDealNotFound):
		return view, nil
	case err != nil:
		return nil, err
	}
	view.Deal, err = s.dealView(ctx, d, o)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// ListOffers returns offers matching f, newest first.
func (s *Service) ListOffers(ctx context.Context, f OfferFilter) ([]*Offer, error) {
	return s.store.ListOffers(ctx, f)
}

// PromoteOffers moves offers that have been in moderation long enough to
// active and notifies their sellers.
func (s *Service) PromoteOffers(ctx context.Context) (int, error) {
	now := s.now()
	var promoted []*Offer
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		promoted, err = tx.PromoteOffers(ctx, now.Add(-s.cfg.ModerationDelay), now)
		if err != nil {
			return err
		}
		for _, o := range promoted {
			emit(ctx, tx, notify.KindWTSOfferActive, o.Seller, notify.Ref{OfferID: o.ID}, now)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(promoted), nil
}

// CommitBuyer binds buyer to an active offer and opens its deal. Of any
// number of concurrent callers exactly one succeeds; the others get
// ErrOfferTaken.
func (s *Service) CommitBuyer(ctx context.Context, offerID, buyer string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "market.CommitBuyer", traces.OfferID(offerID), traces.Wallet(buyer))
	defer span.End()

	buyer = normalize(buyer)
	if !validation.IsValidEthAddress(buyer) {
		return nil, ErrUnauthorized
	}

	var deal *Deal
	err := s.store.WithTx(ctx, func(tx Tx) error {
		now := s.now()
		ok, err := tx.ClaimOffer(ctx, offerID, buyer, now)
		if err != nil {
			return err
		}
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !ok {
			if o.IsSeller(buyer) {
				return ErrUnauthorized
			}
			return ErrOfferTaken
		}

		if _, err := tx.CurrentDeal(ctx, offerID); err == nil {
			return fmt.Errorf("%w: offer %s claimed while a deal is open", ErrIntegrity, offerID)
		} else if !errors.Is(err, ErrDealNotFound) {
			return err
		}

		d := &Deal{
			ID:        idgen.WithPrefix("deal_"),
			OfferID:   offerID,
			Status:    DealWaitingSellerConfirm,
			StartedAt: now,
			Fee:       s.cfg.Fee(o.Price),
			UpdatedAt: now,
		}
		d.ExpireIn(now, s.cfg.StatusTimeout)
		if err := tx.CreateDeal(ctx, d); err != nil {
			return err
		}
		emit(ctx, tx, notify.KindBuyerConfirm, o.Seller, notify.Ref{OfferID: offerID, Actor: buyer}, now)
		deal = d
		return nil
	})
	if err != nil {
		s.fail(ctx, span, "CommitBuyer", offerID, err)
		return nil, err
	}

	metrics.DealsCreatedTotal.Inc()
	span.SetAttributes(traces.DealID(deal.ID))
	s.log(ctx).Info("buyer committed", "offer", offerID, "deal", deal.ID, "buyer", buyer)
	return deal, nil
}

// MarkSeen records that caller looked at the offer.
func (s *Service) MarkSeen(ctx context.Context, offerID, caller string) error {
	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return err
	}
	side := sideOf(o, caller)
	if side == 0 {
		return ErrUnauthorized
	}
	return s.store.MarkSeen(ctx, offerID, side, s.now())
}

// ChangedCount counts offers of account whose status changed since the
// account last looked at them.
func (s *Service) ChangedCount(ctx context.Context, account string) (int, error) {
	offers, err := s.store.ListOffers(ctx, OfferFilter{Account: account})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range offers {
		if o.Unread(account) {
			n++
		}
	}
	return n, nil
}

// AccountSummary counts the offers account listed, by status.
func (s *Service) AccountSummary(ctx context.Context, account string) (*AccountSummary, error) {
	account = normalize(account)
	offers, err := s.store.ListOffers(ctx, OfferFilter{Account: account})
	if err != nil {
		return nil, err
	}
	sum := &AccountSummary{Account: account}
	for _, o := range offers {
		if o.Unread(account) {
			sum.Unread++
		}
		if !o.IsSeller(account) {
			continue
		}
		switch o.Status {
		case OfferActive:
			sum.Active++
		case OfferInDeal:
			sum.InDeal++
		case OfferClosed:
			sum.Closed++
		}
	}
	feedback, err := s.store.ListFeedback(ctx, account, 0)
	if err != nil {
		return nil, err
	}
	sum.Feedback = len(feedback)
	return sum, nil
}

// ListFeedback returns feedback left for account.
func (s *Service) ListFeedback(ctx context.Context, account string, limit int) ([]*DealFeedback, error) {
	return s.store.ListFeedback(ctx, normalize(account), limit)
}

// Summary returns closed-deal totals across the marketplace.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	return s.store.Summary(ctx)
}

// -----------------------------------------------------------------------------
// Buy requests
// -----------------------------------------------------------------------------

// CreateWTB posts a buy request. It starts in moderation.
func (s *Service) CreateWTB(ctx context.Context, account string, in WTBInput) (*WTBRequest, error) {
	account = normalize(account)
	if !validation.IsValidEthAddress(account) {
		return nil, ErrUnauthorized
	}
	name := strings.TrimSpace(in.Name)
	errs := validation.Validate(
		validation.Required("name", name),
		validation.Length("name", name, minNameLength, maxNameLength),
		validation.Matches("name", name, offerNameRegex, "may contain letters, digits, spaces, #, _ and -"),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, errs.Error())
	}
	typ := OfferType(strings.ToLower(string(in.Type)))
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidInput, in.Type)
	}
	network := strings.ToLower(strings.TrimSpace(in.Network))
	if _, err := s.networks.Get(network); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
	}
	price, verr := validation.ParseAmount("price", in.Price)
	if verr == nil {
		verr = validation.AtLeast("price", price, s.cfg.MinPrice)()
	}
	if verr != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidAmount, verr.Field, verr.Message)
	}

	w := &WTBRequest{
		ID:        idgen.WithPrefix("wtb_"),
		Account:   account,
		Status:    WTBModeration,
		Network:   network,
		Type:      typ,
		Name:      name,
		Price:     price,
		CreatedAt: s.now(),
	}
	if err := s.store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateWTB(ctx, w)
	}); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteWTB withdraws the caller's buy request.
func (s *Service) DeleteWTB(ctx context.Context, id, caller string) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetWTB(ctx, id)
		if err != nil {
			return err
		}
		if w.Account != normalize(caller) {
			return ErrUnauthorized
		}
		if w.Status == WTBDeleted {
			return nil
		}
		w.Status = WTBDeleted
		return tx.UpdateWTB(ctx, w)
	})
}

// ListWTB returns buy requests matching f, newest first.
func (s *Service) ListWTB(ctx context.Context, f WTBFilter) ([]*WTBRequest, error) {
	return s.store.ListWTB(ctx, f)
}

// PromoteWTB moves buy requests that have been in moderation long enough to
// active and notifies their owners.
func (s *Service) PromoteWTB(ctx context.Context) (int, error) {
	now := s.now()
	var promoted []*WTBRequest
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		promoted, err = tx.PromoteWTB(ctx, now.Add(-s.cfg.ModerationDelay))
		if err != nil {
			return err
		}
		for _, w := range promoted {
			emit(ctx, tx, notify.KindWTBRequestActive, w.Account, notify.Ref{WTBRequestID: w.ID}, now)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(promoted), nil
}

// SuggestOffer points the owner of an active buy request at one of the
// caller's active offers.
func (s *Service) SuggestOffer(ctx context.Context, wtbID, offerID, caller string) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		w, err := tx.GetWTB(ctx, wtbID)
		if err != nil {
			return err
		}
		if w.Status != WTBActive {
			return ErrInvalidStatus
		}
		o, err := tx.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if !o.IsSeller(caller) {
			return ErrUnauthorized
		}
		if o.Status != OfferActive {
			return ErrInvalidStatus
		}
		emit(ctx, tx, notify.KindWTBRequestOffer, w.Account,
			notify.Ref{OfferID: o.ID, WTBRequestID: w.ID, Actor: normalize(caller)}, s.now())
		return nil
	})
}
