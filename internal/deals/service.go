package deals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/deals/domain"
	"dealflow/internal/store"
)

// Service provides deal operations
type Service struct {
	store  store.Store
	events *events.Emitter
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new deal service
func NewService(st store.Store, emitter *events.Emitter, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		events: emitter,
		logger: logger,
		now:    time.Now,
	}
}

// DisputeRequest is the body of a dispute
type DisputeRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// Get retrieves a deal visible to actor
func (s *Service) Get(ctx context.Context, dealID string, actor identity.Actor) (*domain.Deal, error) {
	deal, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, store.AppErr(err, "deal")
	}
	if !deal.CanView(actor) {
		return nil, apperr.Forbidden("not a party to this deal")
	}
	return deal, nil
}

// ReleaseMilestone pays out a funded milestone. The milestone's escrowed
// earnings complete; once every milestone is released the remaining deal
// earnings complete and a final payment is recorded.
func (s *Service) ReleaseMilestone(ctx context.Context, dealID, milestoneID string, actor identity.Actor) (*domain.Deal, error) {
	var deal *domain.Deal
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, m, err := s.lockMilestone(ctx, tx, dealID, milestoneID, actor)
		if err != nil {
			return err
		}
		if actor.Role != identity.RoleMarketer {
			return apperr.Forbidden("only the marketer can release a milestone")
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		if err := m.Release(now); err != nil {
			return err
		}
		if err := tx.TransitionMilestone(ctx, d.ID, m.ID, domain.MilestoneFunded, domain.MilestoneReleased, now); err != nil {
			return store.AppErr(err, "milestone")
		}
		if _, err := tx.CompleteEarnings(ctx, d.ID, m.ID, now); err != nil {
			return err
		}

		if d.AllReleased() {
			// whole-deal escrow earnings carry no milestone
			if _, err := tx.CompleteEarnings(ctx, d.ID, "", now); err != nil {
				return err
			}
			final := domain.Transaction{
				Type:          domain.TransactionFinalPayment,
				Amount:        d.AgreedAmount,
				TransactionID: d.ID + ":final",
				CreatedAt:     now,
			}
			added, err := tx.AppendDealTransaction(ctx, d.ID, final)
			if err != nil {
				return err
			}
			if added {
				d.PaymentInfo.Transactions = append(d.PaymentInfo.Transactions, final)
			}
		}
		d.UpdatedAt = now
		deal = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("releasing milestone %s: %w", milestoneID, err)
	}

	s.logger.Info("milestone released", "deal_id", dealID, "milestone_id", milestoneID, "user_id", actor.UserID)
	s.events.Emit(ctx, actor.UserID, events.EventMilestoneReleased, "deal", dealID, events.MilestoneData{
		DealID:      dealID,
		MilestoneID: milestoneID,
		Status:      string(domain.MilestoneReleased),
	})
	return deal, nil
}

// DisputeMilestone flags a funded milestone. Either party may dispute.
func (s *Service) DisputeMilestone(ctx context.Context, dealID, milestoneID string, actor identity.Actor, req DisputeRequest) (*domain.Deal, error) {
	var deal *domain.Deal
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		d, m, err := s.lockMilestone(ctx, tx, dealID, milestoneID, actor)
		if err != nil {
			return err
		}

		now := s.now().UTC().Truncate(time.Microsecond)
		if err := m.Dispute(now); err != nil {
			return err
		}
		if err := tx.TransitionMilestone(ctx, d.ID, m.ID, domain.MilestoneFunded, domain.MilestoneDisputed, now); err != nil {
			return store.AppErr(err, "milestone")
		}
		d.UpdatedAt = now
		deal = d
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disputing milestone %s: %w", milestoneID, err)
	}

	s.logger.Warn("milestone disputed",
		"deal_id", dealID,
		"milestone_id", milestoneID,
		"user_id", actor.UserID,
		"role", actor.Role,
	)
	s.events.Emit(ctx, actor.UserID, events.EventMilestoneDisputed, "deal", dealID, events.MilestoneData{
		DealID:      dealID,
		MilestoneID: milestoneID,
		Status:      string(domain.MilestoneDisputed),
		Reason:      req.Reason,
	})
	return deal, nil
}

func (s *Service) lockMilestone(ctx context.Context, tx store.Store, dealID, milestoneID string, actor identity.Actor) (*domain.Deal, *domain.Milestone, error) {
	d, err := tx.GetDealForUpdate(ctx, dealID)
	if err != nil {
		return nil, nil, store.AppErr(err, "deal")
	}
	if _, err := d.Authorize(actor); err != nil {
		return nil, nil, err
	}
	m, ok := d.Milestone(milestoneID)
	if !ok {
		return nil, nil, apperr.NotFound("milestone not found")
	}
	return d, m, nil
}
