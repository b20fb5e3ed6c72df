package domain

import (
	"strings"
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/money"
)

// Status is the negotiation state of an offer.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusSent              Status = "sent"
	StatusAccepted          Status = "accepted"
	StatusRejected          Status = "rejected"
	StatusRejectedCountered Status = "rejected_countered"
)

// ParseStatus validates a status filter value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusSent, StatusAccepted, StatusRejected, StatusRejectedCountered:
		return st, nil
	}
	return "", apperr.Validation("unknown offer status %q", s)
}

// Terms are the commercial terms of a collaboration.
type Terms struct {
	Amount       money.Money `json:"amount"`
	Platforms    []string    `json:"platforms"`
	Deliverables []string    `json:"deliverables"`
	ReviewDate   *time.Time  `json:"review_date,omitempty"`
	PostDate     *time.Time  `json:"post_date,omitempty"`
	Description  string      `json:"description"`
}

// Validate checks the amount and date ordering.
func (t Terms) Validate() error {
	if !t.Amount.IsPositive() {
		return apperr.Validation("amount must be greater than zero")
	}
	if _, ok := money.GetCurrencyInfo(t.Amount.Currency); !ok {
		return apperr.Validation("unsupported currency %q", t.Amount.Currency)
	}
	if t.ReviewDate != nil && t.PostDate != nil && t.ReviewDate.After(*t.PostDate) {
		return apperr.Validation("review date cannot be after post date")
	}
	return nil
}

// Counter is one alternative proposal in the negotiation history.
type Counter struct {
	Seq        int           `json:"seq"`
	By         identity.Role `json:"by"`
	Amount     money.Money   `json:"amount"`
	Notes      string        `json:"notes,omitempty"`
	ReviewDate *time.Time    `json:"review_date,omitempty"`
	PostDate   *time.Time    `json:"post_date,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Offer is a proposed collaboration between a marketer and a creator.
type Offer struct {
	ID              string     `json:"id"`
	MarketerID      string     `json:"marketer_id"`
	CreatorID       string     `json:"creator_id"`
	Terms           Terms      `json:"terms"`
	Status          Status     `json:"status"`
	Counters        []Counter  `json:"counters"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewOffer creates a draft offer.
func NewOffer(id, marketerID, creatorID string, terms Terms, now time.Time) (*Offer, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, apperr.Validation("creator id is required")
	}
	if marketerID == creatorID {
		return nil, apperr.Validation("marketer and creator must be different users")
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	return &Offer{
		ID:         id,
		MarketerID: marketerID,
		CreatorID:  creatorID,
		Terms:      terms,
		Status:     StatusDraft,
		Counters:   []Counter{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// EffectiveTerms returns the original terms overlaid with the latest
// counter's amount and dates.
func (o *Offer) EffectiveTerms() Terms {
	t := o.Terms
	if len(o.Counters) == 0 {
		return t
	}
	last := o.Counters[len(o.Counters)-1]
	t.Amount = last.Amount
	if last.ReviewDate != nil {
		t.ReviewDate = last.ReviewDate
	}
	if last.PostDate != nil {
		t.PostDate = last.PostDate
	}
	return t
}

// LastProposer is the role that authored the proposal currently on the
// table: the last counter's author, or the marketer for the original terms.
func (o *Offer) LastProposer() identity.Role {
	if n := len(o.Counters); n > 0 {
		return o.Counters[n-1].By
	}
	return identity.RoleMarketer
}

// PartyRole returns the role userID plays in this offer.
func (o *Offer) PartyRole(userID string) (identity.Role, bool) {
	switch userID {
	case o.MarketerID:
		return identity.RoleMarketer, true
	case o.CreatorID:
		return identity.RoleCreator, true
	}
	return "", false
}

// Authorize checks that actor is a party to the offer acting in its own
// role and returns that role.
func (o *Offer) Authorize(actor identity.Actor) (identity.Role, error) {
	role, ok := o.PartyRole(actor.UserID)
	if !ok || role != actor.Role {
		return "", apperr.Forbidden("not a party to this offer")
	}
	return role, nil
}

// CanView reports whether actor may read the offer.
func (o *Offer) CanView(actor identity.Actor) bool {
	if actor.IsAdmin() {
		return true
	}
	_, ok := o.PartyRole(actor.UserID)
	return ok
}
