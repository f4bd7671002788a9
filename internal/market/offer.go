package market

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fomorip/internal/pagination"
	"github.com/mbd888/fomorip/internal/validation"
)

var (
	offerNameRegex    = regexp.MustCompile(`(?i)^[a-z0-9 #_-]+$`)
	offerDetailsRegex = regexp.MustCompile(`(?i)^[a-z0-9 \-.,]+$`)
)

const (
	minNameLength    = 3
	maxNameLength    = 128
	maxDetailsLength = 2000
)

// Offer is a sell listing. Buyer is empty until a buyer commits.
type Offer struct {
	ID              string          `json:"id"`
	Network         string          `json:"network"`
	Type            OfferType       `json:"type"`
	Seller          string          `json:"seller"`
	Buyer           string          `json:"buyer,omitempty"`
	Status          OfferStatus     `json:"status"`
	Name            string          `json:"name"`
	Price           decimal.Decimal `json:"price"`
	Collateral      decimal.Decimal `json:"collateral"`
	Details         string          `json:"details,omitempty"`
	StatusChangedAt *time.Time      `json:"statusChangedAt,omitempty"`
	LastSeenSeller  *time.Time      `json:"-"`
	LastSeenBuyer   *time.Time      `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Touch stamps a status change so both parties see it as unread.
func (o *Offer) Touch(now time.Time) {
	t := now
	o.StatusChangedAt = &t
}

// Reopen returns a deal-abandoned offer to the market.
func (o *Offer) Reopen(now time.Time) {
	o.Status = OfferActive
	o.Buyer = ""
	o.Touch(now)
}

// Close finalizes the offer after a finished deal.
func (o *Offer) Close(now time.Time) {
	o.Status = OfferClosed
	o.Touch(now)
}

// IsSeller reports whether account listed the offer.
func (o *Offer) IsSeller(account string) bool {
	return account != "" && strings.EqualFold(o.Seller, account)
}

// IsBuyer reports whether account committed to the offer.
func (o *Offer) IsBuyer(account string) bool {
	return account != "" && o.Buyer != "" && strings.EqualFold(o.Buyer, account)
}

// Unread reports whether account has not looked at the offer since its last
// status change.
func (o *Offer) Unread(account string) bool {
	if o.StatusChangedAt == nil {
		return false
	}
	var seen *time.Time
	switch {
	case o.IsSeller(account):
		seen = o.LastSeenSeller
	case o.IsBuyer(account):
		seen = o.LastSeenBuyer
	default:
		return false
	}
	return seen == nil || o.StatusChangedAt.After(*seen)
}

// OfferInput is the seller-editable part of an offer. Amounts arrive as
// decimal strings.
type OfferInput struct {
	Network    string    `json:"network"`
	Type       OfferType `json:"type"`
	Name       string    `json:"name"`
	Price      string    `json:"price"`
	Collateral string    `json:"collateral"`
	Details    string    `json:"details"`
}

// offerFields is a validated OfferInput.
type offerFields struct {
	network    string
	typ        OfferType
	name       string
	price      decimal.Decimal
	collateral decimal.Decimal
	details    string
}

func (s *Service) validateOffer(in OfferInput) (*offerFields, error) {
	name := strings.TrimSpace(in.Name)
	details := validation.SanitizeString(in.Details, maxDetailsLength)

	errs := validation.Validate(
		validation.Required("name", name),
		validation.Length("name", name, minNameLength, maxNameLength),
		validation.Matches("name", name, offerNameRegex, "may contain letters, digits, spaces, #, _ and -"),
		validation.Matches("details", details, offerDetailsRegex, "may contain letters, digits, spaces, -, . and ,"),
	)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOffer, errs.Error())
	}

	typ := OfferType(strings.ToLower(strings.TrimSpace(string(in.Type))))
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOffer, in.Type)
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
	collateral, verr := validation.ParseAmount("collateral", in.Collateral)
	if verr == nil {
		verr = validation.AtLeast("collateral", collateral, s.cfg.MinPrice)()
	}
	if verr != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidAmount, verr.Field, verr.Message)
	}

	return &offerFields{
		network:    network,
		typ:        typ,
		name:       name,
		price:      price,
		collateral: collateral,
		details:    details,
	}, nil
}

// WTBRequest is a buy request: an account asking sellers for an item.
type WTBRequest struct {
	ID        string          `json:"id"`
	Account   string          `json:"account"`
	Status    WTBStatus       `json:"status"`
	Network   string          `json:"network"`
	Type      OfferType       `json:"type"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WTBInput describes a new buy request.
type WTBInput struct {
	Network string    `json:"network"`
	Type    OfferType `json:"type"`
	Name    string    `json:"name"`
	Price   string    `json:"price"`
}

// OfferFilter narrows offer listings. Zero fields match everything.
type OfferFilter struct {
	Status  OfferStatus
	Type    OfferType
	Network string
	Account string // seller or buyer
	Before  *pagination.Cursor
	Limit   int
}

// WTBFilter narrows buy request listings.
type WTBFilter struct {
	Status  WTBStatus
	Network string
	Account string
	Limit   int
}

// Summary is the marketplace's closed-deal volume.
type Summary struct {
	ClosedOffers int             `json:"closedOffers"`
	Volume       decimal.Decimal `json:"volume"`
}

// AccountSummary counts one wallet's offers by status.
type AccountSummary struct {
	Account  string `json:"account"`
	Active   int    `json:"active"`
	InDeal   int    `json:"inDeal"`
	Closed   int    `json:"closed"`
	Unread   int    `json:"unread"`
	Feedback int    `json:"feedback"`
}
