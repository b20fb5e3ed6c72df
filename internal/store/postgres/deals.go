package postgres

import (
	"context"
	"fmt"
	"time"

	"dealflow/internal/common/database"
	"dealflow/internal/common/money"
	"dealflow/internal/deals/domain"
)

const dealColumns = `id, offer_id, marketer_id, creator_id, name, agreed_amount_minor, currency,
	payment_status, created_at, updated_at`

// InsertDeal stores a deal with its milestones and transactions. The
// ON CONFLICT keeps a lost race on offer_id from aborting the transaction.
func (s *Store) InsertDeal(ctx context.Context, d *domain.Deal) error {
	query := `INSERT INTO deals (` + dealColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (offer_id) DO NOTHING`

	tag, err := s.q.Exec(ctx, query,
		d.ID,
		d.OfferID,
		d.MarketerID,
		d.CreatorID,
		d.Name,
		d.AgreedAmount.AmountMinor,
		string(d.AgreedAmount.Currency),
		string(d.PaymentInfo.PaymentStatus),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("deal %s: %w", d.ID, database.ErrConflict)
		}
		return fmt.Errorf("creating deal: %w", err)
	}
	if err := conflictIfNone(tag.RowsAffected(), "deal for offer "+d.OfferID); err != nil {
		return err
	}

	for _, m := range d.Milestones {
		_, err := s.q.Exec(ctx, `
			INSERT INTO milestones (
				id, deal_id, seq, name, amount_minor, currency, due_date, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			m.ID, d.ID, m.Seq, m.Name, m.Amount.AmountMinor, string(m.Amount.Currency),
			m.DueDate, string(m.Status), m.CreatedAt, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("creating milestone %d: %w", m.Seq, err)
		}
	}
	for _, t := range d.PaymentInfo.Transactions {
		if _, err := s.AppendDealTransaction(ctx, d.ID, t); err != nil {
			return err
		}
	}
	return nil
}

// GetDeal retrieves a deal with milestones and transactions
func (s *Store) GetDeal(ctx context.Context, id string) (*domain.Deal, error) {
	return s.getDeal(ctx, `WHERE id = $1`, id, "deal "+id)
}

// GetDealForUpdate retrieves a deal and locks its row
func (s *Store) GetDealForUpdate(ctx context.Context, id string) (*domain.Deal, error) {
	if !s.inTx {
		return nil, errNoTx
	}
	return s.getDeal(ctx, `WHERE id = $1 FOR UPDATE`, id, "deal "+id)
}

// GetDealByOfferID retrieves the deal created from an offer
func (s *Store) GetDealByOfferID(ctx context.Context, offerID string) (*domain.Deal, error) {
	return s.getDeal(ctx, `WHERE offer_id = $1`, offerID, "deal for offer "+offerID)
}

func (s *Store) getDeal(ctx context.Context, where, arg, what string) (*domain.Deal, error) {
	var (
		d                       domain.Deal
		currency, paymentStatus string
	)
	err := s.q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals `+where, arg).Scan(
		&d.ID,
		&d.OfferID,
		&d.MarketerID,
		&d.CreatorID,
		&d.Name,
		&d.AgreedAmount.AmountMinor,
		&currency,
		&paymentStatus,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, database.NoRows(err, what)
	}
	d.AgreedAmount.Currency = money.Currency(currency)
	d.PaymentInfo.PaymentStatus = domain.PaymentStatus(paymentStatus)

	if d.Milestones, err = s.milestones(ctx, d.ID); err != nil {
		return nil, err
	}
	if d.PaymentInfo.Transactions, err = s.dealTransactions(ctx, d.ID); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) milestones(ctx context.Context, dealID string) ([]*domain.Milestone, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, deal_id, seq, name, amount_minor, currency, due_date, status, created_at, updated_at
		FROM milestones
		WHERE deal_id = $1
		ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("loading milestones: %w", err)
	}
	defer rows.Close()

	var out []*domain.Milestone
	for rows.Next() {
		var (
			m                domain.Milestone
			currency, status string
		)
		if err := rows.Scan(&m.ID, &m.DealID, &m.Seq, &m.Name, &m.Amount.AmountMinor, &currency,
			&m.DueDate, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning milestone: %w", err)
		}
		m.Amount.Currency = money.Currency(currency)
		m.Status = domain.MilestoneStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) dealTransactions(ctx context.Context, dealID string) ([]domain.Transaction, error) {
	rows, err := s.q.Query(ctx, `
		SELECT type, transaction_id, amount_minor, currency, created_at
		FROM deal_transactions
		WHERE deal_id = $1
		ORDER BY created_at, transaction_id`, dealID)
	if err != nil {
		return nil, fmt.Errorf("loading deal transactions: %w", err)
	}
	defer rows.Close()

	out := []domain.Transaction{}
	for rows.Next() {
		var (
			t             domain.Transaction
			typ, currency string
		)
		if err := rows.Scan(&typ, &t.TransactionID, &t.Amount.AmountMinor, &currency, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning deal transaction: %w", err)
		}
		t.Type = domain.TransactionType(typ)
		t.Amount.Currency = money.Currency(currency)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionMilestone moves a milestone from one status to another
func (s *Store) TransitionMilestone(ctx context.Context, dealID, milestoneID string, from, to domain.MilestoneStatus, at time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE milestones SET status = $4, updated_at = $5
		WHERE deal_id = $1 AND id = $2 AND status = $3`,
		dealID, milestoneID, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("updating milestone %s: %w", milestoneID, err)
	}
	if err := conflictIfNone(tag.RowsAffected(), "milestone "+milestoneID+" is not "+string(from)); err != nil {
		return err
	}

	if _, err := s.q.Exec(ctx, `UPDATE deals SET updated_at = $2 WHERE id = $1`, dealID, at); err != nil {
		return fmt.Errorf("touching deal %s: %w", dealID, err)
	}
	return nil
}

// AppendDealTransaction records a money movement once per (type, transaction id)
func (s *Store) AppendDealTransaction(ctx context.Context, dealID string, t domain.Transaction) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO deal_transactions (deal_id, type, transaction_id, amount_minor, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (deal_id, type, transaction_id) DO NOTHING`,
		dealID, string(t.Type), t.TransactionID, t.Amount.AmountMinor, string(t.Amount.Currency), t.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("recording deal transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetDealPaymentStatus updates the funding state of a deal
func (s *Store) SetDealPaymentStatus(ctx context.Context, dealID string, status domain.PaymentStatus, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE deals SET payment_status = $2, updated_at = $3 WHERE id = $1`,
		dealID, string(status), at)
	if err != nil {
		return fmt.Errorf("updating deal %s: %w", dealID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deal %s: %w", dealID, database.ErrNotFound)
	}
	return nil
}
