package domain

import (
	"strconv"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/money"
)

// DealBuilder assembles a deal and its milestones.
type DealBuilder struct {
	deal  *Deal
	specs []MilestoneSpec
}

// NewDealBuilder starts a deal for the agreed amount.
func NewDealBuilder(id, offerID, marketerID, creatorID string, agreed money.Money) *DealBuilder {
	return &DealBuilder{
		deal: &Deal{
			ID:           id,
			OfferID:      offerID,
			MarketerID:   marketerID,
			CreatorID:    creatorID,
			AgreedAmount: agreed,
			PaymentInfo: PaymentInfo{
				PaymentStatus: PaymentPending,
				Transactions:  []Transaction{},
			},
		},
	}
}

// WithName sets the display name
func (b *DealBuilder) WithName(name string) *DealBuilder {
	b.deal.Name = name
	return b
}

// AddMilestone appends a milestone
func (b *DealBuilder) AddMilestone(spec MilestoneSpec) *DealBuilder {
	b.specs = append(b.specs, spec)
	return b
}

// Build validates and returns the deal. With no milestones added, a single
// milestone for the full amount is created under defaultID.
func (b *DealBuilder) Build(defaultID string, now time.Time) (*Deal, error) {
	d := b.deal
	if !d.AgreedAmount.IsPositive() {
		return nil, apperr.Validation("agreed amount must be greater than zero")
	}

	specs := b.specs
	if len(specs) == 0 {
		specs = []MilestoneSpec{{ID: defaultID, Name: "Full payment", Amount: d.AgreedAmount}}
	}

	total := money.Zero(d.AgreedAmount.Currency)
	d.Milestones = make([]*Milestone, 0, len(specs))
	for i, spec := range specs {
		if !spec.Amount.IsPositive() {
			return nil, apperr.Validation("milestone %d amount must be greater than zero", i+1)
		}
		var err error
		total, err = total.Add(spec.Amount)
		if err != nil {
			return nil, apperr.Validation("milestone %d currency must be %s", i+1, d.AgreedAmount.Currency)
		}
		name := spec.Name
		if name == "" {
			name = "Milestone " + strconv.Itoa(i+1)
		}
		d.Milestones = append(d.Milestones, &Milestone{
			ID:        spec.ID,
			DealID:    d.ID,
			Seq:       i + 1,
			Name:      name,
			Amount:    spec.Amount,
			DueDate:   spec.DueDate,
			Status:    MilestonePending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if !total.Equal(d.AgreedAmount) {
		return nil, apperr.Validation("milestone amounts total %s but the agreed amount is %s", total, d.AgreedAmount)
	}

	d.CreatedAt = now
	d.UpdatedAt = now
	return d, nil
}
