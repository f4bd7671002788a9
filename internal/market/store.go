package market

import (
	"context"
	"time"

	"github.com/mbd888/fomorip/internal/notify"
)

// Tx is the transactional view of the store. Reads inside a Tx see the
// transaction's own writes; the Postgres implementation locks the rows it
// reads for update.
type Tx interface {
	GetOffer(ctx context.Context, id string) (*Offer, error)
	CreateOffer(ctx context.Context, o *Offer) error
	UpdateOffer(ctx context.Context, o *Offer) error

	// ClaimOffer sets buyer on an active offer that has none and is not
	// listed by buyer. It reports false when the condition did not hold.
	ClaimOffer(ctx context.Context, offerID, buyer string, now time.Time) (bool, error)

	// PromoteOffers moves moderation offers created before cutoff to active
	// and returns them.
	PromoteOffers(ctx context.Context, cutoff, now time.Time) ([]*Offer, error)

	GetDeal(ctx context.Context, id string) (*Deal, error)
	// CurrentDeal returns the offer's non-deleted deal or ErrDealNotFound.
	CurrentDeal(ctx context.Context, offerID string) (*Deal, error)
	// CreateDeal fails with ErrIntegrity when the offer already has a
	// non-deleted deal.
	CreateDeal(ctx context.Context, d *Deal) error
	UpdateDeal(ctx context.Context, d *Deal) error

	// GetCancelation and GetArbitration return nil, nil when none exists.
	GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error)
	// CreateCancelation fails with ErrAlreadyDisputed on a second write.
	CreateCancelation(ctx context.Context, c *DealCancelation) error

	GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error)
	// CreateArbitration fails with ErrAlreadyResolved on a second write.
	CreateArbitration(ctx context.Context, a *DealArbitration) error
	UpdateArbitrationClaims(ctx context.Context, a *DealArbitration) error

	// CreateFeedback fails with ErrFeedbackExists on a second write for the
	// same deal and recipient.
	CreateFeedback(ctx context.Context, f *DealFeedback) error

	GetWTB(ctx context.Context, id string) (*WTBRequest, error)
	CreateWTB(ctx context.Context, w *WTBRequest) error
	UpdateWTB(ctx context.Context, w *WTBRequest) error
	PromoteWTB(ctx context.Context, cutoff time.Time) ([]*WTBRequest, error)

	// Emit records a notification with the transaction. A failure to record
	// it is logged and counted but never fails the transaction.
	Emit(ctx context.Context, n *notify.Notification)
}

// Store persists the marketplace.
type Store interface {
	// WithTx runs fn in one serializable transaction. fn may be invoked
	// more than once when the transaction has to be retried.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOffer(ctx context.Context, id string) (*Offer, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]*Offer, error)
	GetDeal(ctx context.Context, id string) (*Deal, error)
	CurrentDeal(ctx context.Context, offerID string) (*Deal, error)
	ListDeals(ctx context.Context, status DealStatus, limit int) ([]*Deal, error)
	// ListExpiredDeals returns deals whose expiry is at or before now.
	ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]*Deal, error)
	GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error)
	GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error)
	ListFeedback(ctx context.Context, account string, limit int) ([]*DealFeedback, error)

	GetWTB(ctx context.Context, id string) (*WTBRequest, error)
	ListWTB(ctx context.Context, f WTBFilter) ([]*WTBRequest, error)

	// MarkSeen stamps the side's last-seen time on the offer.
	MarkSeen(ctx context.Context, offerID string, side Side, now time.Time) error
	Summary(ctx context.Context) (*Summary, error)
}
