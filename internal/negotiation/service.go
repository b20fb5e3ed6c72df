// Package negotiation runs the offer negotiation between marketers and
// creators.
package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"dealflow/internal/common/api"
	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/metrics"
	"dealflow/internal/deals"
	dealdomain "dealflow/internal/deals/domain"
	"dealflow/internal/negotiation/domain"
	"dealflow/internal/store"
)

// Service provides offer negotiation operations
type Service struct {
	store     store.Store
	converter *deals.Converter
	events    *events.Emitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new negotiation service
func NewService(st store.Store, converter *deals.Converter, emitter *events.Emitter, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		converter: converter,
		events:    emitter,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateOfferRequest is the request to create an offer
type CreateOfferRequest struct {
	CreatorID    string          `json:"creator_id" validate:"required,max=64"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" validate:"required,len=3"`
	Platforms    []string        `json:"platforms" validate:"max=20,dive,required,max=64"`
	Deliverables []string        `json:"deliverables" validate:"max=50,dive,required,max=500"`
	ReviewDate   *time.Time      `json:"review_date"`
	PostDate     *time.Time      `json:"post_date"`
	Description  string          `json:"description" validate:"max=5000"`

	// Send publishes the offer to the creator straight away.
	Send bool `json:"send"`
}

// CounterRequest proposes different terms
type CounterRequest struct {
	Amount decimal.Decimal `json:"amount"`

	// Currency defaults to the offer's currency.
	Currency   string     `json:"currency" validate:"omitempty,len=3"`
	Notes      string     `json:"notes" validate:"max=2000"`
	ReviewDate *time.Time `json:"review_date"`
	PostDate   *time.Time `json:"post_date"`
}

// RejectRequest ends a negotiation
type RejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// MilestoneRequest describes one milestone of the deal created on accept
type MilestoneRequest struct {
	Name    string          `json:"name" validate:"max=200"`
	Amount  decimal.Decimal `json:"amount"`
	DueDate *time.Time      `json:"due_date"`
}

// AcceptRequest accepts the terms on the table
type AcceptRequest struct {
	DealName   string             `json:"deal_name" validate:"max=200"`
	Milestones []MilestoneRequest `json:"milestones" validate:"max=50,dive"`
}

// AcceptResult is the accepted offer and the deal created from it
type AcceptResult struct {
	Offer *domain.Offer    `json:"offer"`
	Deal  *dealdomain.Deal `json:"deal"`
}

// ListOffersRequest filters an offer listing
type ListOffersRequest struct {
	// UserID lists on behalf of another user; admins only.
	UserID string
	Role   string
	Status string
	Page   int
	Limit  int
}

// OfferPage is one page of offers
type OfferPage struct {
	Offers  []*domain.Offer
	Page    int
	Limit   int
	HasMore bool
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create creates an offer as the acting marketer
func (s *Service) Create(ctx context.Context, actor identity.Actor, req CreateOfferRequest) (*domain.Offer, error) {
	if actor.Role != identity.RoleMarketer {
		return nil, apperr.Forbidden("only marketers can create offers")
	}
	amount, err := api.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	offer, err := domain.NewOffer(ulid.Make().String(), actor.UserID, req.CreatorID, domain.Terms{
		Amount:       amount,
		Platforms:    req.Platforms,
		Deliverables: req.Deliverables,
		ReviewDate:   req.ReviewDate,
		PostDate:     req.PostDate,
		Description:  req.Description,
	}, now)
	if err != nil {
		return nil, err
	}
	if req.Send {
		if err := offer.Send(identity.RoleMarketer, now); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateOffer(ctx, offer); err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}

	s.logger.Info("offer created",
		"offer_id", offer.ID,
		"marketer_id", offer.MarketerID,
		"creator_id", offer.CreatorID,
		"status", offer.Status,
	)
	s.emit(ctx, actor, events.EventOfferCreated, offer)
	if offer.Status == domain.StatusSent {
		s.metrics.NegotiationTransition(string(domain.ActionSend))
		s.emit(ctx, actor, events.EventOfferSent, offer)
	}
	return offer, nil
}

// Send moves a draft offer to sent
func (s *Service) Send(ctx context.Context, offerID string, actor identity.Actor) (*domain.Offer, error) {
	offer, err := s.transition(ctx, offerID, actor, domain.ActionSend,
		func(_ store.Store, o *domain.Offer, role identity.Role, now time.Time) error {
			return o.Send(role, now)
		})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, actor, events.EventOfferSent, offer)
	return offer, nil
}

// Accept accepts the terms on the table and creates the deal in the same
// transaction.
func (s *Service) Accept(ctx context.Context, offerID string, actor identity.Actor, req AcceptRequest) (*AcceptResult, error) {
	var (
		deal    *dealdomain.Deal
		created bool
	)
	offer, err := s.transition(ctx, offerID, actor, domain.ActionAccept,
		func(tx store.Store, o *domain.Offer, role identity.Role, now time.Time) error {
			if err := o.Accept(role, now); err != nil {
				return err
			}
			opts, err := dealOptions(o, req)
			if err != nil {
				return err
			}
			deal, created, err = s.converter.Convert(ctx, tx, o, opts)
			return err
		})
	if err != nil {
		return nil, err
	}

	s.logger.Info("offer accepted",
		"offer_id", offer.ID,
		"deal_id", deal.ID,
		"amount", deal.AgreedAmount.String(),
		"accepted_by", actor.Role,
	)
	s.emit(ctx, actor, events.EventOfferAccepted, offer)
	if created {
		s.events.Emit(ctx, actor.UserID, events.EventDealCreated, "deal", deal.ID, events.DealCreatedData{
			DealID:      deal.ID,
			OfferID:     offer.ID,
			AmountMinor: deal.AgreedAmount.AmountMinor,
			Currency:    string(deal.AgreedAmount.Currency),
			Milestones:  len(deal.Milestones),
		})
	}
	return &AcceptResult{Offer: offer, Deal: deal}, nil
}

func dealOptions(o *domain.Offer, req AcceptRequest) (deals.Options, error) {
	opts := deals.Options{DealName: req.DealName}
	currency := string(o.Terms.Amount.Currency)
	for i, m := range req.Milestones {
		amount, err := api.ParseMoney(m.Amount, currency)
		if err != nil {
			return opts, apperr.Validation("milestone %d: %s", i+1, apperr.MessageOf(err))
		}
		opts.Milestones = append(opts.Milestones, dealdomain.MilestoneSpec{
			Name:    m.Name,
			Amount:  amount,
			DueDate: m.DueDate,
		})
	}
	return opts, nil
}

// Reject ends the negotiation
func (s *Service) Reject(ctx context.Context, offerID string, actor identity.Actor, req RejectRequest) (*domain.Offer, error) {
	offer, err := s.transition(ctx, offerID, actor, domain.ActionReject,
		func(_ store.Store, o *domain.Offer, role identity.Role, now time.Time) error {
			return o.Reject(role, req.Reason, now)
		})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, actor, events.EventOfferRejected, offer)
	return offer, nil
}

// Counter records a counter-proposal by the acting party
func (s *Service) Counter(ctx context.Context, offerID string, actor identity.Actor, req CounterRequest) (*domain.Offer, error) {
	offer, err := s.transition(ctx, offerID, actor, domain.ActionCounter,
		func(tx store.Store, o *domain.Offer, role identity.Role, now time.Time) error {
			currency := req.Currency
			if currency == "" {
				currency = string(o.Terms.Amount.Currency)
			}
			amount, err := api.ParseMoney(req.Amount, currency)
			if err != nil {
				return err
			}
			c, err := o.Counter(role, domain.CounterProposal{
				Amount:     amount,
				Notes:      req.Notes,
				ReviewDate: req.ReviewDate,
				PostDate:   req.PostDate,
			}, now)
			if err != nil {
				return err
			}
			return store.AppErr(tx.AppendCounter(ctx, o.ID, c), "offer")
		})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, actor, events.EventOfferCountered, offer)
	return offer, nil
}

// Get retrieves an offer visible to actor
func (s *Service) Get(ctx context.Context, offerID string, actor identity.Actor) (*domain.Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, store.AppErr(err, "offer")
	}
	if !offer.CanView(actor) {
		return nil, apperr.Forbidden("not a party to this offer")
	}
	return offer, nil
}

// List lists the offers actor takes part in. Admins may list on behalf of
// any user.
func (s *Service) List(ctx context.Context, actor identity.Actor, req ListOffersRequest) (*OfferPage, error) {
	filter := store.OfferFilter{UserID: actor.UserID}
	if req.UserID != "" && req.UserID != actor.UserID {
		if !actor.IsAdmin() {
			return nil, apperr.Forbidden("Insufficient permissions")
		}
		filter.UserID = req.UserID
	} else if actor.IsAdmin() && req.UserID == "" {
		filter.UserID = ""
	}

	if req.Role != "" {
		role := identity.Role(req.Role)
		if !role.IsParty() {
			return nil, apperr.Validation("role must be marketer or creator")
		}
		filter.Role = role
	}
	if req.Status != "" {
		st, err := domain.ParseStatus(req.Status)
		if err != nil {
			return nil, err
		}
		filter.Status = &st
	}

	page := &OfferPage{Page: max(req.Page, 1), Limit: req.Limit}
	if page.Limit <= 0 {
		page.Limit = 20
	}
	page.Limit = min(page.Limit, 100)
	filter.Limit = page.Limit + 1
	filter.Offset = (page.Page - 1) * page.Limit

	offers, err := s.store.ListOffers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	if len(offers) > page.Limit {
		offers = offers[:page.Limit]
		page.HasMore = true
	}
	page.Offers = offers
	return page, nil
}

type mutation func(tx store.Store, o *domain.Offer, role identity.Role, now time.Time) error

// transition loads and locks the offer, authorises actor, applies fn and
// saves the new state only if no other request changed it meanwhile.
func (s *Service) transition(ctx context.Context, offerID string, actor identity.Actor, action domain.Action, fn mutation) (*domain.Offer, error) {
	var offer *domain.Offer
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		o, err := tx.GetOfferForUpdate(ctx, offerID)
		if err != nil {
			return store.AppErr(err, "offer")
		}
		role, err := o.Authorize(actor)
		if err != nil {
			return err
		}

		from := o.Status
		if err := fn(tx, o, role, s.clock()); err != nil {
			return err
		}
		if err := tx.SaveOfferState(ctx, o, from); err != nil {
			return store.AppErr(err, "offer")
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s offer %s: %w", action, offerID, err)
	}

	s.metrics.NegotiationTransition(string(action))
	s.logger.Info("offer transitioned",
		"offer_id", offerID,
		"action", action,
		"status", offer.Status,
		"user_id", actor.UserID,
		"role", actor.Role,
	)
	return offer, nil
}

func (s *Service) emit(ctx context.Context, actor identity.Actor, eventType string, o *domain.Offer) {
	terms := o.EffectiveTerms()
	s.events.Emit(ctx, actor.UserID, eventType, "offer", o.ID, events.OfferTransitionedData{
		OfferID:     o.ID,
		Status:      string(o.Status),
		By:          string(actor.Role),
		AmountMinor: terms.Amount.AmountMinor,
		Currency:    string(terms.Amount.Currency),
	})
}
