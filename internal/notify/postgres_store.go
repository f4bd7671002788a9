package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `id, account, category, kind, offer_id, wtb_request_id, actor, status, seen, delivered_to, created_at`

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	return Insert(ctx, p.db, n)
}

func (p *PostgresStore) ListByAccount(ctx context.Context, account string, category Category, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE account = $1`
	args := []any{strings.ToLower(account)}
	if category != "" {
		query += ` AND category = $2 ORDER BY created_at DESC, id DESC LIMIT $3`
		args = append(args, string(category), limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

func (p *PostgresStore) CountUnseen(ctx context.Context, account string) (map[Category]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM notifications
		WHERE account = $1 AND seen = FALSE
		GROUP BY category`, strings.ToLower(account))
	if err != nil {
		return nil, fmt.Errorf("count unseen: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[Category]int{CategoryDeal: 0, CategoryWTS: 0, CategoryWTB: 0}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		counts[Category(cat)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) MarkSeen(ctx context.Context, account string, category Category) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET seen = TRUE
		WHERE account = $1 AND category = $2 AND seen = FALSE`,
		strings.ToLower(account), string(category))
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE status = 'new'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanNotifications(rows)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, id, publisher string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET delivered_to = array_append(delivered_to, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(delivered_to))`, id, publisher)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (p *PostgresStore) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET status = 'sent' WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var category, kind, status string
		var offerID, wtbID, actor sql.NullString
		if err := rows.Scan(
			&n.ID, &n.Account, &category, &kind, &offerID, &wtbID, &actor,
			&status, &n.Seen, pq.Array(&n.DeliveredTo), &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		n.Category = Category(category)
		n.Kind = Kind(kind)
		n.Status = Status(status)
		n.OfferID = offerID.String
		n.WTBRequestID = wtbID.String
		n.Actor = actor.String
		out = append(out, n)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
