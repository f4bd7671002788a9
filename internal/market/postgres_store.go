package market

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fomorip/internal/notify"
	"github.com/mbd888/fomorip/internal/retry"
)

// PostgresStore persists the marketplace in PostgreSQL. Transactions run at
// SERIALIZABLE isolation and are retried on serialization failures.
type PostgresStore struct {
	db        *sql.DB
	logger    *slog.Logger
	attempts  int
	baseDelay time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed marketplace store.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger, attempts: 5, baseDelay: 20 * time.Millisecond}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// isSerializationFailure reports whether Postgres aborted the transaction
// because of a concurrent conflict that a retry may resolve.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// WithTx implements Store.
func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return retry.DoIf(ctx, p.attempts, p.baseDelay, isSerializationFailure, func() error {
		return p.runTx(ctx, fn)
	})
}

func (p *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(&pgTx{tx: sqlTx, logger: p.logger}); err != nil {
		return err
	}
	err = sqlTx.Commit()
	return err
}

// -----------------------------------------------------------------------------
// Offers
// -----------------------------------------------------------------------------

const offerColumns = `id, network, offer_type, seller, buyer, status, name, price, collateral, details,
		       status_changed_at, last_seen_seller, last_seen_buyer, created_at`

func scanOffer(row scanner) (*Offer, error) {
	var (
		o                          Offer
		typ                        string
		buyer, details             sql.NullString
		changed, seenSell, seenBuy sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.Network, &typ, &o.Seller, &buyer, &o.Status, &o.Name,
		&o.Price, &o.Collateral, &details,
		&changed, &seenSell, &seenBuy, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = OfferType(typ)
	o.Buyer = buyer.String
	o.Details = details.String
	o.StatusChangedAt = timePtr(changed)
	o.LastSeenSeller = timePtr(seenSell)
	o.LastSeenBuyer = timePtr(seenBuy)
	return &o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func getOffer(ctx context.Context, q queryer, id string, forUpdate bool) (*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffers(ctx context.Context, f OfferFilter) ([]*Offer, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != OfferStatusUnknown {
		add("status = $%d", f.Status.String())
	}
	if f.Type != "" {
		add("offer_type = $%d", string(f.Type))
	}
	if f.Network != "" {
		add("network = $%d", f.Network)
	}
	if f.Account != "" {
		add("(seller = $%[1]d OR buyer = $%[1]d)", strings.ToLower(f.Account))
	}
	if f.Before != nil {
		args = append(args, f.Before.CreatedAt, f.Before.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, pgLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (p *PostgresStore) MarkSeen(ctx context.Context, offerID string, side Side, now time.Time) error {
	column := "last_seen_seller"
	if side == SideBuyer {
		column = "last_seen_buyer"
	}
	result, err := p.db.ExecContext(ctx, `UPDATE offers SET `+column+` = $1 WHERE id = $2`, now, offerID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(price), 0)
		FROM offers
		WHERE status = 'closed'`).Scan(&s.ClosedOffers, &s.Volume)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// -----------------------------------------------------------------------------
// Deals
// -----------------------------------------------------------------------------

const dealColumns = `id, offer_id, status, started_at, expires, fee, hash_id,
		       buyer_approved, seller_approved, updated_at`

func scanDeal(row scanner) (*Deal, error) {
	var (
		d       Deal
		expires sql.NullTime
		hashID  sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.OfferID, &d.Status, &d.StartedAt, &expires, &d.Fee, &hashID,
		&d.BuyerApproved, &d.SellerApproved, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Expires = timePtr(expires)
	d.HashID = hashID.String
	return &d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func getDeal(ctx context.Context, q queryer, id string, forUpdate bool) (*Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	d, err := scanDeal(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

func currentDealFrom(ctx context.Context, q queryer, offerID string) (*Deal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE offer_id = $1 AND status <> 'deleted'
		LIMIT 2`, offerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	deals, err := scanDeals(rows)
	if err != nil {
		return nil, err
	}
	switch len(deals) {
	case 0:
		return nil, ErrDealNotFound
	case 1:
		return deals[0], nil
	default:
		return nil, ErrIntegrity
	}
}

func (p *PostgresStore) GetDeal(ctx context.Context, id string) (*Deal, error) {
	return getDeal(ctx, p.db, id, false)
}

func (p *PostgresStore) CurrentDeal(ctx context.Context, offerID string) (*Deal, error) {
	return currentDealFrom(ctx, p.db, offerID)
}

func (p *PostgresStore) ListDeals(ctx context.Context, status DealStatus, limit int) ([]*Deal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == DealStatusUnknown {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+dealColumns+` FROM deals
			ORDER BY started_at DESC LIMIT $1`, pgLimit(limit))
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+dealColumns+` FROM deals
			WHERE status = $1
			ORDER BY started_at DESC LIMIT $2`, status.String(), pgLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListExpiredDeals(ctx context.Context, now time.Time, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE expires IS NOT NULL AND expires <= $1
		ORDER BY expires ASC
		LIMIT $2`, now, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

// -----------------------------------------------------------------------------
// Cancelations, arbitrations, feedback
// -----------------------------------------------------------------------------

func getCancelation(ctx context.Context, q queryer, dealID string) (*DealCancelation, error) {
	var (
		c       DealCancelation
		reasons []string
		details sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT deal_id, reasons, details, created_at
		FROM deal_cancelations WHERE deal_id = $1`, dealID,
	).Scan(&c.DealID, pq.Array(&reasons), &details, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, r := range reasons {
		c.Reasons = append(c.Reasons, CancelReason(r))
	}
	c.Details = details.String
	return &c, nil
}

func getArbitration(ctx context.Context, q queryer, dealID string, forUpdate bool) (*DealArbitration, error) {
	query := `
		SELECT deal_id, pay_to_seller, pay_to_buyer, seller_claimed, buyer_claimed,
		       receipt, created_at, updated_at
		FROM deal_arbitrations WHERE deal_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		a       DealArbitration
		receipt []byte
	)
	err := q.QueryRowContext(ctx, query, dealID).Scan(
		&a.DealID, &a.PayToSeller, &a.PayToBuyer, &a.SellerClaimed, &a.BuyerClaimed,
		&receipt, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.Receipt = receipt
	return &a, nil
}

func (p *PostgresStore) GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error) {
	return getCancelation(ctx, p.db, dealID)
}

func (p *PostgresStore) GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error) {
	return getArbitration(ctx, p.db, dealID, false)
}

func (p *PostgresStore) ListFeedback(ctx context.Context, account string, limit int) ([]*DealFeedback, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, deal_id, author, feedback_for, rating, details, created_at
		FROM deal_feedback
		WHERE feedback_for = $1
		ORDER BY created_at DESC
		LIMIT $2`, strings.ToLower(account), pgLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*DealFeedback
	for rows.Next() {
		var (
			f       DealFeedback
			details sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.DealID, &f.Author, &f.For, &f.Rating, &details, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Details = details.String
		result = append(result, &f)
	}
	return result, rows.Err()
}

// -----------------------------------------------------------------------------
// Buy requests
// -----------------------------------------------------------------------------

const wtbColumns = `id, account, status, network, offer_type, name, price, created_at`

func scanWTB(row scanner) (*WTBRequest, error) {
	var (
		w           WTBRequest
		status, typ string
	)
	if err := row.Scan(&w.ID, &w.Account, &status, &w.Network, &typ, &w.Name, &w.Price, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Status = WTBStatus(status)
	w.Type = OfferType(typ)
	return &w, nil
}

func scanWTBs(rows *sql.Rows) ([]*WTBRequest, error) {
	var result []*WTBRequest
	for rows.Next() {
		w, err := scanWTB(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func getWTB(ctx context.Context, q queryer, id string, forUpdate bool) (*WTBRequest, error) {
	query := `SELECT ` + wtbColumns + ` FROM wtb_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	w, err := scanWTB(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWTBNotFound
	}
	return w, err
}

func (p *PostgresStore) GetWTB(ctx context.Context, id string) (*WTBRequest, error) {
	return getWTB(ctx, p.db, id, false)
}

func (p *PostgresStore) ListWTB(ctx context.Context, f WTBFilter) ([]*WTBRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Network != "" {
		add("network = $%d", f.Network)
	}
	if f.Account != "" {
		add("account = $%d", strings.ToLower(f.Account))
	}

	query := `SELECT ` + wtbColumns + ` FROM wtb_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, pgLimit(f.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWTBs(rows)
}

// -----------------------------------------------------------------------------
// Transaction
// -----------------------------------------------------------------------------

type pgTx struct {
	tx         *sql.Tx
	logger     *slog.Logger
	savepoints int
}

func (t *pgTx) GetOffer(ctx context.Context, id string) (*Offer, error) {
	return getOffer(ctx, t.tx, id, true)
}

func (t *pgTx) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO offers (
			id, network, offer_type, seller, buyer, status, name, price, collateral, details,
			status_changed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.Network, string(o.Type), o.Seller, nullString(o.Buyer), o.Status,
		o.Name, o.Price, o.Collateral, nullString(o.Details),
		nullTime(o.StatusChangedAt), o.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *Offer) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET
			network = $1, offer_type = $2, buyer = $3, status = $4, name = $5,
			price = $6, collateral = $7, details = $8, status_changed_at = $9
		WHERE id = $10`,
		o.Network, string(o.Type), nullString(o.Buyer), o.Status, o.Name,
		o.Price, o.Collateral, nullString(o.Details), nullTime(o.StatusChangedAt),
		o.ID,
	)
	return expectOne(result, err, ErrOfferNotFound)
}

func (t *pgTx) ClaimOffer(ctx context.Context, offerID, buyer string, now time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE offers SET buyer = $2, status = 'deal', status_changed_at = $3
		WHERE id = $1 AND status = 'active' AND buyer IS NULL AND seller <> $2`,
		offerID, strings.ToLower(buyer), now,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *pgTx) PromoteOffers(ctx context.Context, cutoff, now time.Time) ([]*Offer, error) {
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE offers SET status = 'active', status_changed_at = $2
		WHERE status = 'moderation' AND created_at < $1
		RETURNING `+offerColumns, cutoff, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOffers(rows)
}

func (t *pgTx) GetDeal(ctx context.Context, id string) (*Deal, error) {
	return getDeal(ctx, t.tx, id, true)
}

func (t *pgTx) CurrentDeal(ctx context.Context, offerID string) (*Deal, error) {
	return currentDealFrom(ctx, t.tx, offerID)
}

func (t *pgTx) CreateDeal(ctx context.Context, d *Deal) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deals (
			id, offer_id, status, started_at, expires, fee, hash_id,
			buyer_approved, seller_approved, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OfferID, d.Status, d.StartedAt, nullTime(d.Expires), d.Fee, nullString(d.HashID),
		d.BuyerApproved, d.SellerApproved, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: offer %s already has a deal", ErrIntegrity, d.OfferID)
	}
	return err
}

func (t *pgTx) UpdateDeal(ctx context.Context, d *Deal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE deals SET
			status = $1, expires = $2, hash_id = $3,
			buyer_approved = $4, seller_approved = $5, updated_at = $6
		WHERE id = $7`,
		d.Status, nullTime(d.Expires), nullString(d.HashID),
		d.BuyerApproved, d.SellerApproved, d.UpdatedAt,
		d.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: offer %s already has a deal", ErrIntegrity, d.OfferID)
	}
	return expectOne(result, err, ErrDealNotFound)
}

func (t *pgTx) GetCancelation(ctx context.Context, dealID string) (*DealCancelation, error) {
	return getCancelation(ctx, t.tx, dealID)
}

func (t *pgTx) CreateCancelation(ctx context.Context, c *DealCancelation) error {
	reasons := make([]string, len(c.Reasons))
	for i, r := range c.Reasons {
		reasons[i] = string(r)
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deal_cancelations (deal_id, reasons, details, created_at)
		VALUES ($1, $2, $3, $4)`,
		c.DealID, pq.Array(reasons), nullString(c.Details), c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyDisputed
	}
	return err
}

func (t *pgTx) GetArbitration(ctx context.Context, dealID string) (*DealArbitration, error) {
	return getArbitration(ctx, t.tx, dealID, true)
}

func (t *pgTx) CreateArbitration(ctx context.Context, a *DealArbitration) error {
	receipt := []byte(a.Receipt)
	if len(receipt) == 0 {
		receipt = []byte("{}")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deal_arbitrations (
			deal_id, pay_to_seller, pay_to_buyer, seller_claimed, buyer_claimed,
			receipt, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.DealID, a.PayToSeller, a.PayToBuyer, a.SellerClaimed, a.BuyerClaimed,
		receipt, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyResolved
	}
	return err
}

func (t *pgTx) UpdateArbitrationClaims(ctx context.Context, a *DealArbitration) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE deal_arbitrations SET seller_claimed = $1, buyer_claimed = $2, updated_at = $3
		WHERE deal_id = $4`,
		a.SellerClaimed, a.BuyerClaimed, a.UpdatedAt, a.DealID,
	)
	return expectOne(result, err, ErrInvalidStatus)
}

func (t *pgTx) CreateFeedback(ctx context.Context, f *DealFeedback) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deal_feedback (id, deal_id, author, feedback_for, rating, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.DealID, f.Author, f.For, f.Rating, nullString(f.Details), f.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrFeedbackExists
	}
	return err
}

func (t *pgTx) GetWTB(ctx context.Context, id string) (*WTBRequest, error) {
	return getWTB(ctx, t.tx, id, true)
}

func (t *pgTx) CreateWTB(ctx context.Context, w *WTBRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO wtb_requests (id, account, status, network, offer_type, name, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.Account, string(w.Status), w.Network, string(w.Type), w.Name, w.Price, w.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateWTB(ctx context.Context, w *WTBRequest) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE wtb_requests SET status = $1, name = $2, price = $3 WHERE id = $4`,
		string(w.Status), w.Name, w.Price, w.ID,
	)
	return expectOne(result, err, ErrWTBNotFound)
}

func (t *pgTx) PromoteWTB(ctx context.Context, cutoff time.Time) ([]*WTBRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		UPDATE wtb_requests SET status = 'active'
		WHERE status = 'moderation' AND created_at < $1
		RETURNING `+wtbColumns, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWTBs(rows)
}

// Emit writes n behind a savepoint so a failed insert leaves the rest of the
// transaction intact.
func (t *pgTx) Emit(ctx context.Context, n *notify.Notification) {
	t.savepoints++
	sp := fmt.Sprintf("notify_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		t.dropped(n, err)
		return
	}
	if err := notify.Insert(ctx, t.tx, n); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			t.logger.Error("rollback to notification savepoint failed", "error", rbErr)
		}
		t.dropped(n, err)
		return
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		t.logger.Warn("release notification savepoint failed", "error", err)
	}
}

func (t *pgTx) dropped(n *notify.Notification, err error) {
	notify.RecordErrors.WithLabelValues(string(n.Kind)).Inc()
	t.logger.Warn("failed to record notification", "kind", n.Kind, "account", n.Account, "error", err)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func expectOne(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func pgLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
