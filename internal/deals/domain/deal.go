package domain

import (
	"strings"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/money"
)

// MilestoneStatus is the funding state of a milestone.
type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneFunded   MilestoneStatus = "funded"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneDisputed MilestoneStatus = "disputed"
)

// PaymentStatus is the funding state of a whole deal.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// TransactionType classifies money movements recorded on a deal.
type TransactionType string

const (
	TransactionEscrow           TransactionType = "escrow"
	TransactionMilestoneFunding TransactionType = "milestoneFunding"
	TransactionFinalPayment     TransactionType = "finalPayment"
	TransactionRefund           TransactionType = "refund"
)

// ParseTransactionType validates a payment type carried in processor metadata.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case TransactionEscrow, TransactionMilestoneFunding, TransactionFinalPayment, TransactionRefund:
		return t, nil
	}
	return "", apperr.Validation("unknown payment type %q", s)
}

// Milestone is an independently fundable portion of a deal.
type Milestone struct {
	ID        string          `json:"id"`
	DealID    string          `json:"deal_id"`
	Seq       int             `json:"seq"`
	Name      string          `json:"name"`
	Amount    money.Money     `json:"amount"`
	DueDate   *time.Time      `json:"due_date,omitempty"`
	Status    MilestoneStatus `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction is one money movement recorded on a deal.
type Transaction struct {
	Type          TransactionType `json:"type"`
	Amount        money.Money     `json:"amount"`
	TransactionID string          `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PaymentInfo summarises how far a deal has been funded.
type PaymentInfo struct {
	PaymentStatus PaymentStatus `json:"payment_status"`
	Transactions  []Transaction `json:"transactions"`
}

// Deal is the contract created from an accepted offer.
type Deal struct {
	ID           string       `json:"id"`
	OfferID      string       `json:"offer_id"`
	MarketerID   string       `json:"marketer_id"`
	CreatorID    string       `json:"creator_id"`
	Name         string       `json:"name"`
	AgreedAmount money.Money  `json:"agreed_amount"`
	Milestones   []*Milestone `json:"milestones"`
	PaymentInfo  PaymentInfo  `json:"payment_info"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// MilestoneSpec describes a milestone to create with a deal.
type MilestoneSpec struct {
	ID      string
	Name    string
	Amount  money.Money
	DueDate *time.Time
}

// Milestone returns the milestone with the given id.
func (d *Deal) Milestone(id string) (*Milestone, bool) {
	for _, m := range d.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// PartyRole returns the role userID plays in this deal.
func (d *Deal) PartyRole(userID string) (identity.Role, bool) {
	switch userID {
	case d.MarketerID:
		return identity.RoleMarketer, true
	case d.CreatorID:
		return identity.RoleCreator, true
	}
	return "", false
}

// Authorize checks that actor is a party to the deal acting in its own
// role and returns that role.
func (d *Deal) Authorize(actor identity.Actor) (identity.Role, error) {
	role, ok := d.PartyRole(actor.UserID)
	if !ok || role != actor.Role {
		return "", apperr.Forbidden("not a party to this deal")
	}
	return role, nil
}

// CanView reports whether actor may read the deal.
func (d *Deal) CanView(actor identity.Actor) bool {
	if actor.IsAdmin() {
		return true
	}
	_, ok := d.PartyRole(actor.UserID)
	return ok
}

// AllReleased reports whether every milestone has been paid out.
func (d *Deal) AllReleased() bool {
	for _, m := range d.Milestones {
		if m.Status != MilestoneReleased {
			return false
		}
	}
	return len(d.Milestones) > 0
}

// FundedTotal sums escrow and milestone funding transactions.
func (d *Deal) FundedTotal() money.Money {
	total := money.Zero(d.AgreedAmount.Currency)
	for _, t := range d.PaymentInfo.Transactions {
		if t.Type != TransactionEscrow && t.Type != TransactionMilestoneFunding {
			continue
		}
		if sum, err := total.Add(t.Amount); err == nil {
			total = sum
		}
	}
	return total
}

// FullyFunded reports whether the deal's funding covers its agreed amount,
// or every milestone has been funded individually.
func (d *Deal) FullyFunded() bool {
	if d.FundedTotal().AmountMinor >= d.AgreedAmount.AmountMinor {
		return true
	}
	for _, m := range d.Milestones {
		if m.Status == MilestonePending {
			return false
		}
	}
	return len(d.Milestones) > 0
}

// Fund moves a pending milestone to funded.
func (m *Milestone) Fund(now time.Time) error {
	return m.transition(MilestonePending, MilestoneFunded, now)
}

// Release pays out a funded milestone.
func (m *Milestone) Release(now time.Time) error {
	return m.transition(MilestoneFunded, MilestoneReleased, now)
}

// Dispute flags a funded milestone.
func (m *Milestone) Dispute(now time.Time) error {
	return m.transition(MilestoneFunded, MilestoneDisputed, now)
}

func (m *Milestone) transition(from, to MilestoneStatus, now time.Time) error {
	if m.Status != from {
		return apperr.InvalidTransition("milestone %s is %s, expected %s", m.ID, m.Status, from)
	}
	m.Status = to
	m.UpdatedAt = now
	return nil
}

// DealName picks the display name for a deal built from an offer.
func DealName(requested, description, offerID string) string {
	if name := strings.TrimSpace(requested); name != "" {
		return name
	}
	if desc := strings.TrimSpace(description); desc != "" {
		if r := []rune(desc); len(r) > 80 {
			return string(r[:80])
		}
		return desc
	}
	return "Offer " + offerID
}
