// Package deals turns accepted offers into deals and manages their
// milestones.
package deals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"dealflow/internal/common/database"
	"dealflow/internal/deals/domain"
	negdomain "dealflow/internal/negotiation/domain"
	"dealflow/internal/store"
)

// Options customise the deal created on acceptance.
type Options struct {
	DealName   string
	Milestones []domain.MilestoneSpec
}

// Converter creates the deal for an accepted offer.
type Converter struct {
	now func() time.Time
}

// NewConverter creates a converter
func NewConverter() *Converter {
	return &Converter{now: time.Now}
}

// Convert returns the deal for offer, creating it on the first call. It
// must run in the transaction that accepts the offer. created is false
// when the deal already existed.
func (c *Converter) Convert(ctx context.Context, tx store.Store, offer *negdomain.Offer, opts Options) (deal *domain.Deal, created bool, err error) {
	existing, err := tx.GetDealByOfferID(ctx, offer.ID)
	if err == nil {
		return existing, false, nil
	}
	if !database.IsNotFound(err) {
		return nil, false, fmt.Errorf("looking up deal for offer %s: %w", offer.ID, err)
	}

	terms := offer.EffectiveTerms()
	b := domain.NewDealBuilder(ulid.Make().String(), offer.ID, offer.MarketerID, offer.CreatorID, terms.Amount).
		WithName(domain.DealName(opts.DealName, terms.Description, offer.ID))
	for _, spec := range opts.Milestones {
		spec.ID = ulid.Make().String()
		b.AddMilestone(spec)
	}

	deal, err = b.Build(ulid.Make().String(), c.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return nil, false, err
	}

	if err := tx.InsertDeal(ctx, deal); err != nil {
		if errors.Is(err, database.ErrConflict) {
			existing, getErr := tx.GetDealByOfferID(ctx, offer.ID)
			if getErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("creating deal for offer %s: %w", offer.ID, err)
	}
	return deal, true, nil
}
