package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"dealflow/internal/common/middleware"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ActorID       string          `json:"actor_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher publishes events to a message broker
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher discards events. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []*Event
}

func (r *Recorder) Publish(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
	return nil
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Type)
	}
	return out
}

// Emitter builds envelopes and publishes them after the owning transaction
// has committed. Publish failures are logged; the database stays the source
// of truth.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewEmitter creates an emitter. A nil publisher discards events.
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{publisher: publisher, logger: logger}
}

// Emit publishes one event.
func (e *Emitter) Emit(ctx context.Context, actorID, eventType, aggregateType, aggregateID string, data interface{}) {
	evt, err := NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		e.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	evt.CorrelationID = middleware.GetCorrelationID(ctx)
	evt.ActorID = actorID
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Warn("publishing event",
			"type", eventType,
			"aggregate_id", aggregateID,
			"error", err,
		)
	}
}

// Event types
const (
	EventOfferCreated    = "offer.created"
	EventOfferSent       = "offer.sent"
	EventOfferCountered  = "offer.countered"
	EventOfferAccepted   = "offer.accepted"
	EventOfferRejected   = "offer.rejected"
	EventDealCreated     = "deal.created"
	EventMilestoneFunded = "deal.milestone.funded"

	EventMilestoneReleased = "deal.milestone.released"
	EventMilestoneDisputed = "deal.milestone.disputed"

	EventEarningEscrowed     = "ledger.earning.escrowed"
	EventWithdrawalRequested = "ledger.withdrawal.requested"
	EventWithdrawalUpdated   = "ledger.withdrawal.updated"
)

// Event data structures

// OfferTransitionedData is the data for offer.* events
type OfferTransitionedData struct {
	OfferID     string `json:"offer_id"`
	Status      string `json:"status"`
	By          string `json:"by,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// DealCreatedData is the data for deal.created events
type DealCreatedData struct {
	DealID      string `json:"deal_id"`
	OfferID     string `json:"offer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Milestones  int    `json:"milestones"`
}

// MilestoneData is the data for deal.milestone.* events
type MilestoneData struct {
	DealID      string `json:"deal_id"`
	MilestoneID string `json:"milestone_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

// EarningData is the data for ledger.earning.* events
type EarningData struct {
	EarningID     string `json:"earning_id"`
	UserID        string `json:"user_id"`
	DealID        string `json:"deal_id"`
	TransactionID string `json:"transaction_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
}

// WithdrawalData is the data for ledger.withdrawal.* events
type WithdrawalData struct {
	WithdrawalID  string `json:"withdrawal_id"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	AmountMinor   int64  `json:"amount_minor"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureCode   string `json:"failure_code,omitempty"`
}
