// Package notify records marketplace events for the accounts they concern.
//
// Notifications are an outbox. Deal and offer transitions write them inside
// their own transaction (a failed insert is rolled back to a savepoint and
// never aborts the transition), and the Dispatcher later delivers pending
// records to external consumers (Kafka, live websocket clients) and marks
// them sent. Rendering is left to whoever consumes them.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/mbd888/fomorip/internal/idgen"
)

var (
	ErrUnknownCategory = errors.New("notify: unknown category")
)

// Category groups notifications for unread badges.
type Category string

const (
	CategoryDeal Category = "deal" // deal progress
	CategoryWTS  Category = "wts"  // sell listings
	CategoryWTB  Category = "wtb"  // buy requests
)

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(s)); c {
	case CategoryDeal, CategoryWTS, CategoryWTB:
		return c, nil
	}
	return "", ErrUnknownCategory
}

// Kind is the event that produced a notification.
type Kind string

const (
	KindWTSOfferActive           Kind = "wts_offer_active"
	KindWTBRequestActive         Kind = "wtb_request_active"
	KindWTBRequestOffer          Kind = "wtb_request_offer"
	KindBuyerConfirm             Kind = "buyer_confirm"
	KindSellerConfirm            Kind = "seller_confirm"
	KindDealExpiredSellerConfirm Kind = "deal_expired_seller_confirm"
	KindDealExpiredBuyerPayment  Kind = "deal_expired_buyer_payment"
	KindDealExpiredSellerPayment Kind = "deal_expired_seller_payment"
	KindBuyerPayed               Kind = "buyer_payed"
	KindSellerPayed              Kind = "seller_payed"
	KindDealCompleted            Kind = "deal_completed"
	KindDealCanceled             Kind = "deal_canceled"
	KindDealResolved             Kind = "deal_resolved"
	KindDealClosed               Kind = "deal_closed"
	KindDealFeedback             Kind = "deal_feedback"
)

// Category returns the badge group a kind belongs to.
func (k Kind) Category() Category {
	switch k {
	case KindWTSOfferActive:
		return CategoryWTS
	case KindWTBRequestActive, KindWTBRequestOffer:
		return CategoryWTB
	default:
		return CategoryDeal
	}
}

// Status is the delivery state of a notification.
type Status string

const (
	StatusNew  Status = "new"
	StatusSent Status = "sent"
)

// Notification is one event addressed to one account.
type Notification struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Category     Category  `json:"category"`
	Kind         Kind      `json:"kind"`
	OfferID      string    `json:"offerId,omitempty"`
	WTBRequestID string    `json:"wtbRequestId,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	Status       Status    `json:"status"`
	Seen         bool      `json:"seen"`
	DeliveredTo  []string  `json:"-"` // publishers that already accepted it
	CreatedAt    time.Time `json:"createdAt"`
}

// DeliveredBy reports whether the named publisher already accepted n.
func (n *Notification) DeliveredBy(publisher string) bool {
	for _, name := range n.DeliveredTo {
		if name == publisher {
			return true
		}
	}
	return false
}

// Ref points a notification at the object it is about.
type Ref struct {
	OfferID      string
	WTBRequestID string
	Actor        string // account that caused the event, if any
}

// New builds a pending notification of kind for account.
func New(kind Kind, account string, ref Ref, now time.Time) *Notification {
	return &Notification{
		ID:           idgen.WithPrefix("ntf_"),
		Account:      strings.ToLower(account),
		Category:     kind.Category(),
		Kind:         kind,
		OfferID:      ref.OfferID,
		WTBRequestID: ref.WTBRequestID,
		Actor:        strings.ToLower(ref.Actor),
		Status:       StatusNew,
		CreatedAt:    now,
	}
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	ListByAccount(ctx context.Context, account string, category Category, limit int) ([]*Notification, error)
	CountUnseen(ctx context.Context, account string) (map[Category]int, error)
	MarkSeen(ctx context.Context, account string, category Category) (int, error)
	ListPending(ctx context.Context, limit int) ([]*Notification, error)
	MarkDelivered(ctx context.Context, id, publisher string) error
	MarkSent(ctx context.Context, ids []string) error
}

// Execer is satisfied by *sql.DB and *sql.Tx. Other packages use it to write
// notifications inside their own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert writes n through ex. Inserting the same ID twice is a no-op.
func Insert(ctx context.Context, ex Execer, n *Notification) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO notifications (id, account, category, kind, offer_id, wtb_request_id, actor, status, seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.Account, string(n.Category), string(n.Kind),
		nullString(n.OfferID), nullString(n.WTBRequestID), nullString(n.Actor),
		string(n.Status), n.Seen, n.CreatedAt,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
