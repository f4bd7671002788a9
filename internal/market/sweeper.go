package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/notify"
)

// expiry is what happens to a deal whose deadline passed.
type expiry uint8

const (
	expireAbandon    expiry = iota + 1 // nothing deposited: drop the deal, reopen the offer
	expireCancelPaid                   // funds at risk: buyer may reclaim
	expireComplete                     // completion delay over: seller may claim
)

// ExpireDeal applies the timeout transition for the deal's current status.
// It reports false when the deal is not expired or its status has no
// timeout, so running it twice is harmless. waiting_buyer_payment_confirm
// has none: only the buyer re-polling the chain moves it.
func (s *Service) ExpireDeal(ctx context.Context, dealID string) (bool, error) {
	d, o, err := s.load(ctx, dealID)
	if err != nil {
		return false, err
	}
	if !d.Expired(s.now()) {
		return false, nil
	}

	var outcome expiry
	switch d.Status {
	case DealWaitingSellerConfirm, DealWaitingBuyerPayment:
		outcome = expireAbandon
	case DealWaitingSellerCollateral, DealWaitingSellerCollateralConfirm:
		outcome = expireCancelPaid
	case DealCompletionDelay:
		outcome = expireComplete
	default:
		return false, nil
	}

	expected := d.Status
	changed := false
	_, _, err = s.mutateDeal(ctx, "ExpireDeal", dealID, func(tx Tx, d *Deal, o *Offer, now time.Time) error {
		changed = false
		if d.Status != expected || !d.Expired(now) {
			return errNoChange
		}
		if err := s.applyExpiry(ctx, tx, d, o, outcome, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.SweeperExpiredTotal.WithLabelValues(expected.String()).Inc()
	}
	return changed, nil
}

func (s *Service) applyExpiry(ctx context.Context, tx Tx, d *Deal, o *Offer, outcome expiry, now time.Time) error {
	ref := notify.Ref{OfferID: o.ID}
	switch outcome {
	case expireAbandon:
		if d.Status == DealWaitingSellerConfirm {
			emit(ctx, tx, notify.KindDealExpiredSellerConfirm, o.Buyer, ref, now)
		} else {
			emit(ctx, tx, notify.KindDealExpiredBuyerPayment, o.Seller, ref, now)
		}
		d.Status = DealDeleted
		d.Expires = nil
		o.Reopen(now)

	case expireCancelPaid:
		if err := tx.CreateCancelation(ctx, &DealCancelation{
			DealID:    d.ID,
			Reasons:   []CancelReason{ReasonCanceledByTimer},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		emit(ctx, tx, notify.KindDealExpiredSellerPayment, o.Buyer, ref, now)
		d.Status = DealWaitingBuyerClaim
		d.Expires = nil
		o.Touch(now)

	case expireComplete:
		d.Status = DealWaitingSellerClaim
		d.Expires = nil
		o.Touch(now)
		emit(ctx, tx, notify.KindDealCompleted, o.Seller, ref, now)
		emit(ctx, tx, notify.KindDealCompleted, o.Buyer, ref, now)

	default:
		return fmt.Errorf("%w: unknown expiry outcome %d", ErrIntegrity, outcome)
	}
	return nil
}

// SweepStats summarizes one sweeper pass.
type SweepStats struct {
	OffersPromoted int `json:"offersPromoted"`
	WTBPromoted    int `json:"wtbPromoted"`
	Expired        int `json:"expired"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

// Sweeper periodically promotes moderated listings and applies deal
// timeouts.
type Sweeper struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		interval: time.Minute,
		batch:    500,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (sw *Sweeper) WithInterval(interval time.Duration) *Sweeper {
	if interval > 0 {
		sw.interval = interval
	}
	return sw
}

// Running reports whether the sweep loop is actively running.
func (sw *Sweeper) Running() bool {
	return sw.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.running.Store(true)
	defer sw.running.Store(false)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stop:
			return
		case <-ticker.C:
			sw.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (sw *Sweeper) Stop() {
	select {
	case sw.stop <- struct{}{}:
	default:
	}
}

func (sw *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("panic in sweeper", "panic", fmt.Sprint(r))
		}
	}()
	stats := sw.SweepOnce(ctx)
	if stats.Expired > 0 || stats.Failed > 0 || stats.OffersPromoted > 0 || stats.WTBPromoted > 0 {
		sw.logger.Info("sweep finished",
			"offers_promoted", stats.OffersPromoted,
			"wtb_promoted", stats.WTBPromoted,
			"expired", stats.Expired,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
}

// SweepOnce runs one pass. Deals are processed from a snapshot of expired
// deals; a failure on one is logged and does not stop the others.
func (sw *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats

	n, err := sw.service.PromoteOffers(ctx)
	if err != nil {
		sw.logger.Warn("failed to promote offers", "error", err)
	}
	stats.OffersPromoted = n

	n, err = sw.service.PromoteWTB(ctx)
	if err != nil {
		sw.logger.Warn("failed to promote buy requests", "error", err)
	}
	stats.WTBPromoted = n

	expired, err := sw.service.store.ListExpiredDeals(ctx, sw.service.now(), sw.batch)
	if err != nil {
		sw.logger.Warn("failed to list expired deals", "error", err)
		return stats
	}
	for _, d := range expired {
		changed, err := sw.expireOne(ctx, d)
		switch {
		case err != nil:
			stats.Failed++
			sw.logger.Warn("failed to expire deal", "deal", d.ID, "status", d.Status.String(), "error", err)
		case changed:
			stats.Expired++
			sw.logger.Info("deal expired", "deal", d.ID, "offer", d.OfferID, "status", d.Status.String())
		default:
			stats.Skipped++
		}
	}
	return stats
}

func (sw *Sweeper) expireOne(ctx context.Context, d *Deal) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sw.service.ExpireDeal(ctx, d.ID)
}
