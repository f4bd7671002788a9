package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/fomorip/internal/chain"
	"github.com/mbd888/fomorip/internal/logging"
	"github.com/mbd888/fomorip/internal/metrics"
	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/traces"
	"github.com/mbd888/fomorip/internal/validation"
)

// Settlement is the on-chain side of a deal: signing terms for the buyer's
// deposit and reading the escrow contract's state.
type Settlement interface {
	SignDeal(ctx context.Context, terms chain.DealTerms) (*chain.SignedDeal, error)
	GetDeal(ctx context.Context, network, hashID string) (*chain.ContractDeal, error)
}

// Networks resolves a network identifier to its configuration.
type Networks interface {
	Get(name string) (chain.Network, error)
}

// Service implements the marketplace operations.
type Service struct {
	store    Store
	chain    Settlement
	networks Networks
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a marketplace service.
func NewService(store Store, settlement Settlement, networks Networks, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		chain:    settlement,
		networks: networks,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source. Tests use it to move past deadlines.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the service's parameters.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) log(ctx context.Context) *slog.Logger {
	l := s.logger
	if id := logging.RequestID(ctx); id != "" {
		l = l.With("request_id", id)
	}
	return l
}

func normalize(account string) string {
	return validation.SanitizeAddress(account)
}

func emit(ctx context.Context, tx Tx, kind notify.Kind, account string, ref notify.Ref, now time.Time) {
	tx.Emit(ctx, notify.New(kind, account, ref, now))
}

// errNoChange aborts a transaction whose outcome is already in place. The
// caller treats it as success.
var errNoChange = errors.New("market: no change")

// transition carries what a deal mutation did, for logging and metrics
// after the transaction committed.
type transition struct {
	from, to DealStatus
	deal     *Deal
	offer    *Offer
}

// mutateDeal loads a deal and its offer inside one transaction, applies fn
// and writes both back. fn sees fresh rows on every retry and must validate
// role and status itself. Returning errNoChange rolls back and reports the
// current state without error.
func (s *Service) mutateDeal(ctx context.Context, op, dealID string, fn func(tx Tx, d *Deal, o *Offer, now time.Time) error) (*Deal, *Offer, error) {
	ctx, span := traces.StartSpan(ctx, "market."+op, traces.DealID(dealID))
	defer span.End()

	var t transition
	err := s.store.WithTx(ctx, func(tx Tx) error {
		d, err := tx.GetDeal(ctx, dealID)
		if err != nil {
			return err
		}
		o, err := tx.GetOffer(ctx, d.OfferID)
		if err != nil {
			return err
		}
		now := s.now()
		t = transition{from: d.Status, to: d.Status, deal: d, offer: o}

		if err := fn(tx, d, o, now); err != nil {
			return err
		}
		d.UpdatedAt = now
		if err := tx.UpdateDeal(ctx, d); err != nil {
			return err
		}
		if err := tx.UpdateOffer(ctx, o); err != nil {
			return err
		}
		t.to = d.Status
		return nil
	})

	switch {
	case errors.Is(err, errNoChange):
		return t.deal, t.offer, nil
	case err != nil:
		s.fail(ctx, span, op, dealID, err)
		return nil, nil, err
	}

	s.committed(ctx, span, op, t)
	return t.deal, t.offer, nil
}

func (s *Service) committed(ctx context.Context, span trace.Span, op string, t transition) {
	span.SetAttributes(traces.OfferID(t.offer.ID))
	if t.from == t.to {
		return
	}
	metrics.DealTransitionsTotal.WithLabelValues(t.from.String(), t.to.String()).Inc()
	if t.to == DealClosed {
		metrics.DealDuration.Observe(t.deal.UpdatedAt.Sub(t.deal.StartedAt).Seconds())
	}
	s.log(ctx).Info("deal transition",
		"op", op,
		"deal", t.deal.ID,
		"offer", t.offer.ID,
		"from", t.from.String(),
		"to", t.to.String(),
	)
}

func (s *Service) fail(ctx context.Context, span trace.Span, op, id string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op+" failed")
	switch {
	case errors.Is(err, ErrIntegrity):
		s.log(ctx).Error("integrity violation", "op", op, "id", id, "error", err)
	case errors.Is(err, ErrUnauthorized):
		metrics.DealRejectionsTotal.WithLabelValues(op, "unauthorized").Inc()
	case IsInvalidState(err):
		metrics.DealRejectionsTotal.WithLabelValues(op, "invalid_state").Inc()
	}
}

// dealView assembles a deal with its offer and dispute records.
func (s *Service) dealView(ctx context.Context, d *Deal, o *Offer) (*DealView, error) {
	c, err := s.store.GetCancelation(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetArbitration(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	return &DealView{
		Deal:        d,
		Offer:       o,
		Stage:       d.Status.Stage(),
		SecondsLeft: d.SecondsLeft(s.now()),
		Cancelation: c,
		Arbitration: a,
	}, nil
}

// GetDeal returns a deal to one of its parties.
func (s *Service) GetDeal(ctx context.Context, dealID, caller string) (*DealView, error) {
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.GetOffer(ctx, d.OfferID)
	if err != nil {
		return nil, err
	}
	if sideOf(o, caller) == 0 {
		return nil, ErrUnauthorized
	}
	return s.dealView(ctx, d, o)
}

// InspectDeal returns a deal without a role check, for moderators.
func (s *Service) InspectDeal(ctx context.Context, dealID string) (*DealView, error) {
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	o, err := s.store.GetOffer(ctx, d.OfferID)
	if err != nil {
		return nil, err
	}
	return s.dealView(ctx, d, o)
}

// ListDeals returns deals in status, for moderators.
func (s *Service) ListDeals(ctx context.Context, status DealStatus, limit int) ([]*Deal, error) {
	return s.store.ListDeals(ctx, status, limit)
}
