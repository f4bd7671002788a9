package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fomorip/internal/notify"
)

// MemoryStore is an in-memory marketplace store for demo/development mode
// and tests. Transactions are serialized by one mutex and their writes are
// staged until fn returns without error.
type MemoryStore struct {
	mu       sync.RWMutex
	offers   map[string]*Offer
	deals    map[string]*Deal
	cancels  map[string]*DealCancelation
	arbs     map[string]*DealArbitration
	feedback map[string]*DealFeedback // keyed by deal id and recipient
	wtb      map[string]*WTBRequest

	notes  notify.Store
	logger *slog.Logger
}

// NewMemoryStore creates an in-memory store that records notifications in
// notes once a transaction commits.
func NewMemoryStore(notes notify.Store, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		offers:   make(map[string]*Offer),
		deals:    make(map[string]*Deal),
		cancels:  make(map[string]*DealCancelation),
		arbs:     make(map[string]*DealArbitration),
		feedback: make(map[string]*DealFeedback),
		wtb:      make(map[string]*WTBRequest),
		notes:    notes,
		logger:   logger,
	}
}

func feedbackKey(dealID, recipient string) string {
	return dealID + "|" + strings.ToLower(recipient)
}

// WithTx implements Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		m:        m,
		offers:   make(map[string]*Offer),
		deals:    make(map[string]*Deal),
		cancels:  make(map[string]*DealCancelation),
		arbs:     make(map[string]*DealArbitration),
		feedback: make(map[string]*DealFeedback),
		wtb:      make(map[string]*WTBRequest),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit(ctx)
	return nil
}

// -----------------------------------------------------------------------------
// Non-transactional reads
// -----------------------------------------------------------------------------

func (m *MemoryStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, f OfferFilter) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account := strings.ToLower(f.Account)
	var result []*Offer
	for _, o := range m.offers {
		if f.Status != OfferStatusUnknown && o.Status != f.Status {
			continue
		}
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.Network != "" && o.Network != f.Network {
			continue
		}
		if account != "" && o.Seller != account && o.Buyer != account {
			continue
		}
		if !f.Before.After(o.CreatedAt, o.ID) {
			continue
		}
		result = append(result, copyOffer(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return truncate(result, f.Limit), nil
}

func (m *MemoryStore) GetDeal(ctx context.Context, id string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deals[id]
	if !ok {
		return nil, ErrDealNotFound
	}
	return copyDeal(d), nil
}

func (m *MemoryStore) CurrentDeal(ctx context.Context, offerID string) (*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return currentDeal(offerID, func(yield func(*Deal)) {
		for _, d := range m.deals {
			yield(d)
		}
	})
}

func (m *MemoryStore) ListDeals(ctx context.Context, status DealStatus, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if status != DealStatusUnknown && d.Status != status {
			continue
		}
		result = append(result, copyDeal(d))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]*Deal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Deal
	for _, d := range m.deals {
		if d.Expired(now) {
			result = append(result, copyDeal(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Expires.Before(*result[j].Expires) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cancels[dealID]
	if !ok {
		return nil, nil
	}
	return copyCancelation(c), nil
}

func (m *MemoryStore) GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.arbs[dealID]
	if !ok {
		return nil, nil
	}
	return copyArbitration(a), nil
}

func (m *MemoryStore) ListFeedback(ctx context.Context, account string, limit int) ([]*DealFeedback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account = strings.ToLower(account)
	var result []*DealFeedback
	for _, f := range m.feedback {
		if f.For == account {
			cp := *f
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return truncate(result, limit), nil
}

func (m *MemoryStore) GetWTB(ctx context.Context, id string) (*WTBRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wtb[id]
	if !ok {
		return nil, ErrWTBNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWTB(ctx context.Context, f WTBFilter) ([]*WTBRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account := strings.ToLower(f.Account)
	var result []*WTBRequest
	for _, w := range m.wtb {
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Network != "" && w.Network != f.Network {
			continue
		}
		if account != "" && w.Account != account {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return truncate(result, f.Limit), nil
}

func (m *MemoryStore) MarkSeen(ctx context.Context, offerID string, side Side, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	t := now
	switch side {
	case SideSeller:
		o.LastSeenSeller = &t
	case SideBuyer:
		o.LastSeenBuyer = &t
	}
	return nil
}

func (m *MemoryStore) Summary(ctx context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Summary{Volume: decimal.Zero}
	for _, o := range m.offers {
		if o.Status == OfferClosed {
			s.ClosedOffers++
			s.Volume = s.Volume.Add(o.Price)
		}
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

// memTx stages writes over the store's maps. The store's write lock is held
// for the lifetime of the transaction.
type memTx struct {
	m        *MemoryStore
	offers   map[string]*Offer
	deals    map[string]*Deal
	cancels  map[string]*DealCancelation
	arbs     map[string]*DealArbitration
	feedback map[string]*DealFeedback
	wtb      map[string]*WTBRequest
	notes    []*notify.Notification
}

func (t *memTx) commit(ctx context.Context) {
	m := t.m
	for id, o := range t.offers {
		m.offers[id] = o
	}
	for id, d := range t.deals {
		m.deals[id] = d
	}
	for id, c := range t.cancels {
		m.cancels[id] = c
	}
	for id, a := range t.arbs {
		m.arbs[id] = a
	}
	for k, f := range t.feedback {
		m.feedback[k] = f
	}
	for id, w := range t.wtb {
		m.wtb[id] = w
	}
	if m.notes == nil {
		return
	}
	for _, n := range t.notes {
		if err := m.notes.Create(ctx, n); err != nil {
			notify.RecordErrors.WithLabelValues(string(n.Kind)).Inc()
			m.logger.Warn("failed to record notification", "kind", n.Kind, "account", n.Account, "error", err)
		}
	}
}

func (t *memTx) offer(id string) *Offer {
	if o, ok := t.offers[id]; ok {
		return o
	}
	return t.m.offers[id]
}

func (t *memTx) eachOffer(fn func(*Offer)) {
	for _, o := range t.offers {
		fn(o)
	}
	for id, o := range t.m.offers {
		if _, staged := t.offers[id]; !staged {
			fn(o)
		}
	}
}

func (t *memTx) eachDeal(fn func(*Deal)) {
	for _, d := range t.deals {
		fn(d)
	}
	for id, d := range t.m.deals {
		if _, staged := t.deals[id]; !staged {
			fn(d)
		}
	}
}

func (t *memTx) GetOffer(ctx context.Context, id string) (*Offer, error) {
	o := t.offer(id)
	if o == nil {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (t *memTx) CreateOffer(ctx context.Context, o *Offer) error {
	t.offers[o.ID] = copyOffer(o)
	return nil
}

func (t *memTx) UpdateOffer(ctx context.Context, o *Offer) error {
	if t.offer(o.ID) == nil {
		return ErrOfferNotFound
	}
	t.offers[o.ID] = copyOffer(o)
	return nil
}

func (t *memTx) ClaimOffer(ctx context.Context, offerID, buyer string, now time.Time) (bool, error) {
	o := t.offer(offerID)
	if o == nil || o.Status != OfferActive || o.Buyer != "" || o.IsSeller(buyer) {
		return false, nil
	}
	cp := copyOffer(o)
	cp.Buyer = strings.ToLower(buyer)
	cp.Status = OfferInDeal
	cp.Touch(now)
	t.offers[offerID] = cp
	return true, nil
}

func (t *memTx) PromoteOffers(ctx context.Context, cutoff, now time.Time) ([]*Offer, error) {
	var promoted []*Offer
	t.eachOffer(func(o *Offer) {
		if o.Status != OfferModeration || !o.CreatedAt.Before(cutoff) {
			return
		}
		cp := copyOffer(o)
		cp.Status = OfferActive
		cp.Touch(now)
		promoted = append(promoted, cp)
	})
	for _, o := range promoted {
		t.offers[o.ID] = copyOffer(o)
	}
	return promoted, nil
}

func (t *memTx) GetDeal(ctx context.Context, id string) (*Deal, error) {
	d, ok := t.deals[id]
	if !ok {
		d, ok = t.m.deals[id]
	}
	if !ok {
		return nil, ErrDealNotFound
	}
	return copyDeal(d), nil
}

func (t *memTx) CurrentDeal(ctx context.Context, offerID string) (*Deal, error) {
	return currentDeal(offerID, t.eachDeal)
}

func (t *memTx) CreateDeal(ctx context.Context, d *Deal) error {
	if d.Status != DealDeleted {
		if _, err := t.CurrentDeal(ctx, d.OfferID); err == nil {
			return ErrIntegrity
		}
	}
	t.deals[d.ID] = copyDeal(d)
	return nil
}

func (t *memTx) UpdateDeal(ctx context.Context, d *Deal) error {
	if _, err := t.GetDeal(ctx, d.ID); err != nil {
		return err
	}
	if d.Status != DealDeleted {
		cur, err := t.CurrentDeal(ctx, d.OfferID)
		if err == nil && cur.ID != d.ID {
			return ErrIntegrity
		}
	}
	t.deals[d.ID] = copyDeal(d)
	return nil
}

func (t *memTx) GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error) {
	if c, ok := t.cancels[dealID]; ok {
		return copyCancelation(c), nil
	}
	if c, ok := t.m.cancels[dealID]; ok {
		return copyCancelation(c), nil
	}
	return nil, nil
}

func (t *memTx) CreateCancelation(ctx context.Context, c *DealCancelation) error {
	if existing, _ := t.GetCancelation(ctx, c.DealID); existing != nil {
		return ErrAlreadyDisputed
	}
	t.cancels[c.DealID] = copyCancelation(c)
	return nil
}

func (t *memTx) GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error) {
	if a, ok := t.arbs[dealID]; ok {
		return copyArbitration(a), nil
	}
	if a, ok := t.m.arbs[dealID]; ok {
		return copyArbitration(a), nil
	}
	return nil, nil
}

func (t *memTx) CreateArbitration(ctx context.Context, a *DealArbitration) error {
	if existing, _ := t.GetArbitration(ctx, a.DealID); existing != nil {
		return ErrAlreadyResolved
	}
	t.arbs[a.DealID] = copyArbitration(a)
	return nil
}

func (t *memTx) UpdateArbitrationClaims(ctx context.Context, a *DealArbitration) error {
	existing, _ := t.GetArbitration(ctx, a.DealID)
	if existing == nil {
		return ErrInvalidStatus
	}
	existing.SellerClaimed = a.SellerClaimed
	existing.BuyerClaimed = a.BuyerClaimed
	existing.UpdatedAt = a.UpdatedAt
	t.arbs[a.DealID] = existing
	return nil
}

func (t *memTx) CreateFeedback(ctx context.Context, f *DealFeedback) error {
	key := feedbackKey(f.DealID, f.For)
	if _, ok := t.feedback[key]; ok {
		return ErrFeedbackExists
	}
	if _, ok := t.m.feedback[key]; ok {
		return ErrFeedbackExists
	}
	cp := *f
	t.feedback[key] = &cp
	return nil
}

func (t *memTx) GetWTB(ctx context.Context, id string) (*WTBRequest, error) {
	w, ok := t.wtb[id]
	if !ok {
		w, ok = t.m.wtb[id]
	}
	if !ok {
		return nil, ErrWTBNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) CreateWTB(ctx context.Context, w *WTBRequest) error {
	cp := *w
	t.wtb[w.ID] = &cp
	return nil
}

func (t *memTx) UpdateWTB(ctx context.Context, w *WTBRequest) error {
	if _, err := t.GetWTB(ctx, w.ID); err != nil {
		return err
	}
	cp := *w
	t.wtb[w.ID] = &cp
	return nil
}

func (t *memTx) PromoteWTB(ctx context.Context, cutoff time.Time) ([]*WTBRequest, error) {
	var promoted []*WTBRequest
	visit := func(w *WTBRequest) {
		if w.Status == WTBModeration && w.CreatedAt.Before(cutoff) {
			cp := *w
			cp.Status = WTBActive
			promoted = append(promoted, &cp)
		}
	}
	for _, w := range t.wtb {
		visit(w)
	}
	for id, w := range t.m.wtb {
		if _, staged := t.wtb[id]; !staged {
			visit(w)
		}
	}
	for _, w := range promoted {
		cp := *w
		t.wtb[w.ID] = &cp
	}
	return promoted, nil
}

func (t *memTx) Emit(ctx context.Context, n *notify.Notification) {
	t.notes = append(t.notes, n)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func currentDeal(offerID string, each func(func(*Deal))) (*Deal, error) {
	var found []*Deal
	each(func(d *Deal) {
		if d.OfferID == offerID && d.Status != DealDeleted {
			found = append(found, d)
		}
	})
	switch len(found) {
	case 0:
		return nil, ErrDealNotFound
	case 1:
		return copyDeal(found[0]), nil
	default:
		return nil, ErrIntegrity
	}
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	cp.StatusChangedAt = copyTime(o.StatusChangedAt)
	cp.LastSeenSeller = copyTime(o.LastSeenSeller)
	cp.LastSeenBuyer = copyTime(o.LastSeenBuyer)
	return &cp
}

func copyDeal(d *Deal) *Deal {
	cp := *d
	cp.Expires = copyTime(d.Expires)
	return &cp
}

func copyCancelation(c *DealCancelation) *DealCancelation {
	cp := *c
	cp.Reasons = append([]CancelReason(nil), c.Reasons...)
	return &cp
}

func copyArbitration(a *DealArbitration) *DealArbitration {
	cp := *a
	if a.Receipt != nil {
		cp.Receipt = append(json.RawMessage(nil), a.Receipt...)
	}
	return &cp
}
