package domain

import (
	"time"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/money"
)

// Action names a negotiation step.
type Action string

const (
	ActionSend    Action = "send"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCounter Action = "counter"
)

// negotiable reports whether the offer is waiting on a response.
func (o *Offer) negotiable() bool {
	return o.Status == StatusSent || o.Status == StatusRejectedCountered
}

func (o *Offer) invalid(action Action) error {
	return apperr.InvalidTransition("cannot %s an offer in status %s", action, o.Status)
}

// Send moves a draft to sent.
func (o *Offer) Send(by identity.Role, now time.Time) error {
	if by != identity.RoleMarketer {
		return apperr.Forbidden("only the marketer can send an offer")
	}
	if o.Status != StatusDraft {
		return o.invalid(ActionSend)
	}
	o.Status = StatusSent
	o.SentAt = &now
	o.UpdatedAt = now
	return nil
}

// Accept closes the negotiation on the terms currently on the table. The
// accepting role must not be the author of those terms.
func (o *Offer) Accept(by identity.Role, now time.Time) error {
	if o.Status == StatusAccepted {
		return apperr.Conflict("offer has already been accepted")
	}
	if !o.negotiable() {
		return o.invalid(ActionAccept)
	}
	if by == o.LastProposer() {
		return apperr.InvalidTransition("the %s cannot accept their own proposal", by)
	}
	o.Status = StatusAccepted
	o.RespondedAt = &now
	o.UpdatedAt = now
	return nil
}

// Reject terminates the negotiation.
func (o *Offer) Reject(by identity.Role, reason string, now time.Time) error {
	if !o.negotiable() {
		return o.invalid(ActionReject)
	}
	o.Status = StatusRejected
	o.RejectionReason = reason
	o.RespondedAt = &now
	o.UpdatedAt = now
	return nil
}

// CounterProposal is the input to Counter.
type CounterProposal struct {
	Amount     money.Money
	Notes      string
	ReviewDate *time.Time
	PostDate   *time.Time
}

// Counter appends a proposal by the given role and returns it.
func (o *Offer) Counter(by identity.Role, p CounterProposal, now time.Time) (Counter, error) {
	if !o.negotiable() {
		return Counter{}, o.invalid(ActionCounter)
	}
	if !p.Amount.IsPositive() {
		return Counter{}, apperr.Validation("counter amount must be greater than zero")
	}
	if p.Amount.Currency != o.Terms.Amount.Currency {
		return Counter{}, apperr.Validation("counter currency must be %s", o.Terms.Amount.Currency)
	}

	current := o.EffectiveTerms()
	review, post := current.ReviewDate, current.PostDate
	if p.ReviewDate != nil {
		review = p.ReviewDate
	}
	if p.PostDate != nil {
		post = p.PostDate
	}
	if review != nil && post != nil && review.After(*post) {
		return Counter{}, apperr.Validation("review date cannot be after post date")
	}

	c := Counter{
		Seq:        len(o.Counters) + 1,
		By:         by,
		Amount:     p.Amount,
		Notes:      p.Notes,
		ReviewDate: p.ReviewDate,
		PostDate:   p.PostDate,
		CreatedAt:  now,
	}
	o.Counters = append(o.Counters, c)
	o.Status = StatusRejectedCountered
	o.RespondedAt = &now
	o.UpdatedAt = now
	return c, nil
}
