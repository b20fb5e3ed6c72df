package postgres

import (
	"context"
	"fmt"
	"strings"

	"dealflow/internal/common/database"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/money"
	"dealflow/internal/negotiation/domain"
	"dealflow/internal/store"
)

const offerColumns = `id, marketer_id, creator_id, amount_minor, currency, platforms, deliverables,
	review_date, post_date, description, status, rejection_reason, sent_at, responded_at,
	created_at, updated_at`

// CreateOffer inserts an offer and any counters it already carries
func (s *Store) CreateOffer(ctx context.Context, o *domain.Offer) error {
	query := `INSERT INTO offers (` + offerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.q.Exec(ctx, query,
		o.ID,
		o.MarketerID,
		o.CreatorID,
		o.Terms.Amount.AmountMinor,
		string(o.Terms.Amount.Currency),
		nonNil(o.Terms.Platforms),
		nonNil(o.Terms.Deliverables),
		o.Terms.ReviewDate,
		o.Terms.PostDate,
		o.Terms.Description,
		string(o.Status),
		o.RejectionReason,
		o.SentAt,
		o.RespondedAt,
		o.CreatedAt,
		o.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("offer %s: %w", o.ID, database.ErrConflict)
		}
		return fmt.Errorf("creating offer: %w", err)
	}

	for _, c := range o.Counters {
		if err := s.AppendCounter(ctx, o.ID, c); err != nil {
			return err
		}
	}
	return nil
}

// GetOffer retrieves an offer with its counters
func (s *Store) GetOffer(ctx context.Context, id string) (*domain.Offer, error) {
	return s.getOffer(ctx, id, "")
}

// GetOfferForUpdate retrieves an offer and locks its row
func (s *Store) GetOfferForUpdate(ctx context.Context, id string) (*domain.Offer, error) {
	if !s.inTx {
		return nil, errNoTx
	}
	return s.getOffer(ctx, id, " FOR UPDATE")
}

func (s *Store) getOffer(ctx context.Context, id, lock string) (*domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1` + lock

	o, err := scanOffer(s.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, database.NoRows(err, "offer "+id)
	}

	counters, err := s.counters(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	o.Counters = append(o.Counters, counters[id]...)
	return o, nil
}

// ListOffers lists offers newest first
func (s *Store) ListOffers(ctx context.Context, f store.OfferFilter) ([]*domain.Offer, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		p := arg(f.UserID)
		switch f.Role {
		case identity.RoleMarketer:
			where = append(where, "marketer_id = "+p)
		case identity.RoleCreator:
			where = append(where, "creator_id = "+p)
		default:
			where = append(where, "(marketer_id = "+p+" OR creator_id = "+p+")")
		}
	}
	if f.Status != nil {
		where = append(where, "status = "+arg(string(*f.Status)))
	}

	query := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	query += fmt.Sprintf(` OFFSET %d`, f.Offset)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	defer rows.Close()

	var offers []*domain.Offer
	var ids []string
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		offers = append(offers, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return offers, nil
	}
	counters, err := s.counters(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range offers {
		o.Counters = append(o.Counters, counters[o.ID]...)
	}
	return offers, nil
}

// SaveOfferState updates status fields if the stored status is still from
func (s *Store) SaveOfferState(ctx context.Context, o *domain.Offer, from domain.Status) error {
	query := `
		UPDATE offers
		SET status = $2, sent_at = $3, responded_at = $4, rejection_reason = $5, updated_at = $6
		WHERE id = $1 AND status = $7
	`

	tag, err := s.q.Exec(ctx, query,
		o.ID, string(o.Status), o.SentAt, o.RespondedAt, o.RejectionReason, o.UpdatedAt, string(from))
	if err != nil {
		return fmt.Errorf("updating offer %s: %w", o.ID, err)
	}
	return conflictIfNone(tag.RowsAffected(), "offer "+o.ID+" is no longer "+string(from))
}

// AppendCounter stores the next counter of an offer
func (s *Store) AppendCounter(ctx context.Context, offerID string, c domain.Counter) error {
	query := `
		INSERT INTO offer_counters (
			offer_id, seq, proposed_by, amount_minor, currency, notes, review_date, post_date, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.q.Exec(ctx, query,
		offerID, c.Seq, string(c.By), c.Amount.AmountMinor, string(c.Amount.Currency),
		c.Notes, c.ReviewDate, c.PostDate, c.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("counter %d on offer %s: %w", c.Seq, offerID, database.ErrConflict)
		}
		return fmt.Errorf("appending counter: %w", err)
	}
	return nil
}

func (s *Store) counters(ctx context.Context, offerIDs []string) (map[string][]domain.Counter, error) {
	query := `
		SELECT offer_id, seq, proposed_by, amount_minor, currency, notes, review_date, post_date, created_at
		FROM offer_counters
		WHERE offer_id = ANY($1)
		ORDER BY offer_id, seq
	`

	rows, err := s.q.Query(ctx, query, offerIDs)
	if err != nil {
		return nil, fmt.Errorf("loading counters: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.Counter, len(offerIDs))
	for rows.Next() {
		var (
			offerID, by, currency string
			c                     domain.Counter
		)
		if err := rows.Scan(&offerID, &c.Seq, &by, &c.Amount.AmountMinor, &currency,
			&c.Notes, &c.ReviewDate, &c.PostDate, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning counter: %w", err)
		}
		c.By = identity.Role(by)
		c.Amount.Currency = money.Currency(currency)
		out[offerID] = append(out[offerID], c)
	}
	return out, rows.Err()
}

func scanOffer(row scanner) (*domain.Offer, error) {
	var (
		o                domain.Offer
		currency, status string
	)
	err := row.Scan(
		&o.ID,
		&o.MarketerID,
		&o.CreatorID,
		&o.Terms.Amount.AmountMinor,
		&currency,
		&o.Terms.Platforms,
		&o.Terms.Deliverables,
		&o.Terms.ReviewDate,
		&o.Terms.PostDate,
		&o.Terms.Description,
		&status,
		&o.RejectionReason,
		&o.SentAt,
		&o.RespondedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Terms.Amount.Currency = money.Currency(currency)
	o.Status = domain.Status(status)
	o.Counters = []domain.Counter{}
	return &o, nil
}
