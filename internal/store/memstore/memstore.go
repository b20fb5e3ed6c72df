// Package memstore is an in-memory store.Store for tests and local runs.
// A single mutex serialises transactions; each transaction works on a copy
// of the state that replaces the live state on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dealflow/internal/common/database"
	dealdomain "dealflow/internal/deals/domain"
	ledgerdomain "dealflow/internal/ledger/domain"
	negdomain "dealflow/internal/negotiation/domain"
	"dealflow/internal/store"
)

type state struct {
	offers      map[string]*negdomain.Offer
	deals       map[string]*dealdomain.Deal
	dealByOffer map[string]string
	// earnings and withdrawals are keyed by processor transaction id
	earnings      map[string]*ledgerdomain.Earning
	withdrawals   map[string]*ledgerdomain.Withdrawal
	webhookEvents map[string]string
}

func newState() *state {
	return &state{
		offers:        map[string]*negdomain.Offer{},
		deals:         map[string]*dealdomain.Deal{},
		dealByOffer:   map[string]string{},
		earnings:      map[string]*ledgerdomain.Earning{},
		withdrawals:   map[string]*ledgerdomain.Withdrawal{},
		webhookEvents: map[string]string{},
	}
}

func (st *state) clone() *state {
	out := newState()
	for k, v := range st.offers {
		out.offers[k] = cloneOffer(v)
	}
	for k, v := range st.deals {
		out.deals[k] = cloneDeal(v)
	}
	for k, v := range st.dealByOffer {
		out.dealByOffer[k] = v
	}
	for k, v := range st.earnings {
		e := *v
		out.earnings[k] = &e
	}
	for k, v := range st.withdrawals {
		w := *v
		out.withdrawals[k] = &w
	}
	for k, v := range st.webhookEvents {
		out.webhookEvents[k] = v
	}
	return out
}

// Store is an in-memory store.Store.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState()}
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// lock guards single calls made outside a transaction.
func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// DeleteDeal removes a deal, as an operator purge would. Earnings that
// reference it are left in place.
func (s *Store) DeleteDeal(id string) {
	defer s.lock()()
	if d, ok := s.st.deals[id]; ok {
		delete(s.st.dealByOffer, d.OfferID)
		delete(s.st.deals, id)
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, database.ErrNotFound)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, database.ErrConflict)...)
}

// Offers

func (s *Store) CreateOffer(_ context.Context, offer *negdomain.Offer) error {
	defer s.lock()()
	if _, ok := s.st.offers[offer.ID]; ok {
		return conflict("offer %s exists", offer.ID)
	}
	s.st.offers[offer.ID] = cloneOffer(offer)
	return nil
}

func (s *Store) GetOffer(_ context.Context, id string) (*negdomain.Offer, error) {
	defer s.lock()()
	o, ok := s.st.offers[id]
	if !ok {
		return nil, notFound("offer", id)
	}
	return cloneOffer(o), nil
}

func (s *Store) GetOfferForUpdate(ctx context.Context, id string) (*negdomain.Offer, error) {
	return s.GetOffer(ctx, id)
}

func (s *Store) ListOffers(_ context.Context, f store.OfferFilter) ([]*negdomain.Offer, error) {
	defer s.lock()()
	var out []*negdomain.Offer
	for _, o := range s.st.offers {
		role, ok := o.PartyRole(f.UserID)
		if f.UserID != "" && (!ok || (f.Role != "" && role != f.Role)) {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		out = append(out, cloneOffer(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (s *Store) SaveOfferState(_ context.Context, offer *negdomain.Offer, from negdomain.Status) error {
	defer s.lock()()
	o, ok := s.st.offers[offer.ID]
	if !ok {
		return notFound("offer", offer.ID)
	}
	if o.Status != from {
		return conflict("offer %s is %s, not %s", offer.ID, o.Status, from)
	}
	o.Status = offer.Status
	o.SentAt = offer.SentAt
	o.RespondedAt = offer.RespondedAt
	o.RejectionReason = offer.RejectionReason
	o.UpdatedAt = offer.UpdatedAt
	return nil
}

func (s *Store) AppendCounter(_ context.Context, offerID string, c negdomain.Counter) error {
	defer s.lock()()
	o, ok := s.st.offers[offerID]
	if !ok {
		return notFound("offer", offerID)
	}
	if c.Seq != len(o.Counters)+1 {
		return conflict("counter %d on offer %s out of sequence", c.Seq, offerID)
	}
	o.Counters = append(o.Counters, c)
	return nil
}

// Deals

func (s *Store) InsertDeal(_ context.Context, deal *dealdomain.Deal) error {
	defer s.lock()()
	if _, ok := s.st.dealByOffer[deal.OfferID]; ok {
		return conflict("deal for offer %s exists", deal.OfferID)
	}
	if _, ok := s.st.deals[deal.ID]; ok {
		return conflict("deal %s exists", deal.ID)
	}
	s.st.deals[deal.ID] = cloneDeal(deal)
	s.st.dealByOffer[deal.OfferID] = deal.ID
	return nil
}

func (s *Store) GetDeal(_ context.Context, id string) (*dealdomain.Deal, error) {
	defer s.lock()()
	d, ok := s.st.deals[id]
	if !ok {
		return nil, notFound("deal", id)
	}
	return cloneDeal(d), nil
}

func (s *Store) GetDealForUpdate(ctx context.Context, id string) (*dealdomain.Deal, error) {
	return s.GetDeal(ctx, id)
}

func (s *Store) GetDealByOfferID(_ context.Context, offerID string) (*dealdomain.Deal, error) {
	defer s.lock()()
	id, ok := s.st.dealByOffer[offerID]
	if !ok {
		return nil, notFound("deal for offer", offerID)
	}
	return cloneDeal(s.st.deals[id]), nil
}

func (s *Store) TransitionMilestone(_ context.Context, dealID, milestoneID string, from, to dealdomain.MilestoneStatus, at time.Time) error {
	defer s.lock()()
	d, ok := s.st.deals[dealID]
	if !ok {
		return notFound("deal", dealID)
	}
	m, ok := d.Milestone(milestoneID)
	if !ok {
		return notFound("milestone", milestoneID)
	}
	if m.Status != from {
		return conflict("milestone %s is %s, not %s", milestoneID, m.Status, from)
	}
	m.Status = to
	m.UpdatedAt = at
	d.UpdatedAt = at
	return nil
}

func (s *Store) AppendDealTransaction(_ context.Context, dealID string, t dealdomain.Transaction) (bool, error) {
	defer s.lock()()
	d, ok := s.st.deals[dealID]
	if !ok {
		return false, notFound("deal", dealID)
	}
	for _, existing := range d.PaymentInfo.Transactions {
		if existing.Type == t.Type && existing.TransactionID == t.TransactionID {
			return false, nil
		}
	}
	d.PaymentInfo.Transactions = append(d.PaymentInfo.Transactions, t)
	return true, nil
}

func (s *Store) SetDealPaymentStatus(_ context.Context, dealID string, status dealdomain.PaymentStatus, at time.Time) error {
	defer s.lock()()
	d, ok := s.st.deals[dealID]
	if !ok {
		return notFound("deal", dealID)
	}
	d.PaymentInfo.PaymentStatus = status
	d.UpdatedAt = at
	return nil
}

// Earnings

func (s *Store) InsertEarning(_ context.Context, e *ledgerdomain.Earning) (bool, error) {
	defer s.lock()()
	if _, ok := s.st.earnings[e.TransactionID]; ok {
		return false, nil
	}
	cp := *e
	s.st.earnings[e.TransactionID] = &cp
	return true, nil
}

func (s *Store) MarkEscrowed(_ context.Context, e *ledgerdomain.Earning) (bool, error) {
	defer s.lock()()
	existing, ok := s.st.earnings[e.TransactionID]
	if !ok {
		cp := *e
		cp.Status = ledgerdomain.EarningEscrowed
		s.st.earnings[e.TransactionID] = &cp
		return true, nil
	}
	if existing.Status != ledgerdomain.EarningPending {
		return false, nil
	}
	existing.Status = ledgerdomain.EarningEscrowed
	existing.Amount = e.Amount
	existing.UpdatedAt = e.UpdatedAt
	return true, nil
}

func (s *Store) FailPendingEarning(_ context.Context, transactionID string, at time.Time) (bool, error) {
	defer s.lock()()
	e, ok := s.st.earnings[transactionID]
	if !ok || e.Status != ledgerdomain.EarningPending {
		return false, nil
	}
	e.Status = ledgerdomain.EarningFailed
	e.UpdatedAt = at
	return true, nil
}

func (s *Store) CompleteEarnings(_ context.Context, dealID, milestoneID string, at time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for _, e := range s.st.earnings {
		if e.DealID != dealID || e.Status != ledgerdomain.EarningEscrowed {
			continue
		}
		if milestoneID != "" && e.MilestoneID != milestoneID {
			continue
		}
		e.Status = ledgerdomain.EarningCompleted
		e.UpdatedAt = at
		n++
	}
	return n, nil
}

func (s *Store) GetEarningByTransactionID(_ context.Context, transactionID string) (*ledgerdomain.Earning, error) {
	defer s.lock()()
	e, ok := s.st.earnings[transactionID]
	if !ok {
		return nil, notFound("earning", transactionID)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListEarnings(_ context.Context, q ledgerdomain.EarningsQuery) ([]ledgerdomain.EarningRecord, int64, error) {
	defer s.lock()()
	var matched []ledgerdomain.EarningRecord
	for _, e := range s.st.earnings {
		if e.UserID != q.UserID {
			continue
		}
		if q.Status != nil && e.Status != *q.Status {
			continue
		}
		if q.From != nil && e.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && !e.CreatedAt.Before(*q.To) {
			continue
		}
		rec := ledgerdomain.EarningRecord{Earning: *e, DealName: ledgerdomain.UnknownDealName}
		if d, ok := s.st.deals[e.DealID]; ok {
			rec.DealName = d.Name
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	total := int64(len(matched))

	if q.After != nil {
		rest := matched[:0:0]
		for _, r := range matched {
			if q.After.Before(r.CreatedAt, r.ID) {
				rest = append(rest, r)
			}
		}
		matched = rest
	}
	return page(matched, q.Offset, q.Limit), total, nil
}

func (s *Store) EarningTotals(_ context.Context, userID string, since *time.Time) ([]ledgerdomain.Total, error) {
	defer s.lock()()
	sums := map[[2]string]*ledgerdomain.Total{}
	for _, e := range s.st.earnings {
		if e.UserID != userID || (since != nil && e.CreatedAt.Before(*since)) {
			continue
		}
		addTotal(sums, string(e.Status), e.Amount.Currency, e.Amount.AmountMinor)
	}
	return flatten(sums), nil
}

// Withdrawals

func (s *Store) LockUserLedger(context.Context, string) error {
	// the transaction already holds the store mutex
	return nil
}

func (s *Store) InsertWithdrawal(_ context.Context, w *ledgerdomain.Withdrawal) error {
	defer s.lock()()
	if _, ok := s.st.withdrawals[w.TransactionID]; ok {
		return conflict("withdrawal %s exists", w.TransactionID)
	}
	cp := *w
	s.st.withdrawals[w.TransactionID] = &cp
	return nil
}

func (s *Store) GetWithdrawalByTransactionID(_ context.Context, transactionID string) (*ledgerdomain.Withdrawal, error) {
	defer s.lock()()
	w, ok := s.st.withdrawals[transactionID]
	if !ok {
		return nil, notFound("withdrawal", transactionID)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWithdrawal(_ context.Context, w *ledgerdomain.Withdrawal) error {
	defer s.lock()()
	existing, ok := s.st.withdrawals[w.TransactionID]
	if !ok {
		return notFound("withdrawal", w.TransactionID)
	}
	existing.Status = w.Status
	existing.FailureCode = w.FailureCode
	existing.FailureMessage = w.FailureMessage
	existing.UpdatedAt = w.UpdatedAt
	return nil
}

func (s *Store) ListWithdrawals(_ context.Context, q ledgerdomain.WithdrawalQuery) ([]*ledgerdomain.Withdrawal, int64, error) {
	defer s.lock()()
	var out []*ledgerdomain.Withdrawal
	for _, w := range s.st.withdrawals {
		if w.UserID != q.UserID || (q.Status != nil && w.Status != *q.Status) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, q.Offset, q.Limit), int64(len(out)), nil
}

func (s *Store) WithdrawalTotals(_ context.Context, userID string) ([]ledgerdomain.Total, error) {
	defer s.lock()()
	sums := map[[2]string]*ledgerdomain.Total{}
	for _, w := range s.st.withdrawals {
		if w.UserID == userID {
			addTotal(sums, string(w.Status), w.Amount.Currency, w.Amount.AmountMinor)
		}
	}
	return flatten(sums), nil
}

// Webhooks

func (s *Store) RecordWebhookEvent(_ context.Context, eventID, eventType string, _ time.Time) (bool, error) {
	defer s.lock()()
	if _, ok := s.st.webhookEvents[eventID]; ok {
		return false, nil
	}
	s.st.webhookEvents[eventID] = eventType
	return true, nil
}
