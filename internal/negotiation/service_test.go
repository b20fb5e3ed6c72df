package negotiation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealflow/internal/common/apperr"
	"dealflow/internal/common/events"
	"dealflow/internal/common/identity"
	"dealflow/internal/common/metrics"
	"dealflow/internal/deals"
	"dealflow/internal/negotiation/domain"
	"dealflow/internal/store/memstore"
)

var (
	marketer = identity.Actor{UserID: "marketer-1", Role: identity.RoleMarketer}
	creator  = identity.Actor{UserID: "creator-1", Role: identity.RoleCreator}
	admin    = identity.Actor{UserID: "admin-1", Role: identity.RoleAdmin}
)

type fixture struct {
	svc     *Service
	store   *memstore.Store
	events  *events.Recorder
	metrics *metrics.Metrics
}

func newFixture() *fixture {
	st := memstore.New()
	rec := &events.Recorder{}
	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		svc:     NewService(st, deals.NewConverter(), events.NewEmitter(rec, logger), m, logger),
		store:   st,
		events:  rec,
		metrics: m,
	}
}

func (f *fixture) sentOffer(t *testing.T, amount string) *domain.Offer {
	t.Helper()
	o, err := f.svc.Create(context.Background(), marketer, CreateOfferRequest{
		CreatorID:   creator.UserID,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "usd",
		Platforms:   []string{"instagram"},
		Description: "Product launch reel",
		Send:        true,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSent, o.Status)
	return o
}

func counter(amount string) CounterRequest {
	return CounterRequest{Amount: decimal.RequireFromString(amount)}
}

func TestNegotiationToDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.sentOffer(t, "1000")

	_, err := f.svc.Counter(ctx, o.ID, creator, counter("1200"))
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, o.ID, creator, AcceptRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition), "creator cannot accept their own counter")

	_, err = f.svc.Counter(ctx, o.ID, marketer, counter("1100"))
	require.NoError(t, err)

	res, err := f.svc.Accept(ctx, o.ID, creator, AcceptRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, res.Offer.Status)
	assert.Equal(t, int64(110000), res.Deal.AgreedAmount.AmountMinor)
	assert.Equal(t, "Product launch reel", res.Deal.Name)

	got, err := f.store.GetDealByOfferID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Deal.ID, got.ID)

	stored, err := f.svc.Get(ctx, o.ID, marketer)
	require.NoError(t, err)
	require.Len(t, stored.Counters, 2)
	assert.Equal(t, identity.RoleCreator, stored.Counters[0].By)
	assert.Equal(t, identity.RoleMarketer, stored.Counters[1].By)

	assert.Equal(t, []string{
		events.EventOfferCreated,
		events.EventOfferSent,
		events.EventOfferCountered,
		events.EventOfferCountered,
		events.EventOfferAccepted,
		events.EventDealCreated,
	}, f.events.Types())
}

func TestAcceptTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.sentOffer(t, "500")

	_, err := f.svc.Accept(ctx, o.ID, creator, AcceptRequest{})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, o.ID, creator, AcceptRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestConcurrentAcceptCreatesOneDeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.sentOffer(t, "750")

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, o.ID, creator, AcceptRequest{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if apperr.IsKind(err, apperr.KindConflict) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)

	deals := 0
	for _, typ := range f.events.Types() {
		if typ == events.EventDealCreated {
			deals++
		}
	}
	assert.Equal(t, 1, deals)
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.sentOffer(t, "300")

	rejected, err := f.svc.Reject(ctx, o.ID, creator, RejectRequest{Reason: "busy"})
	require.NoError(t, err)
	assert.Equal(t, "busy", rejected.RejectionReason)

	_, err = f.svc.Reject(ctx, o.ID, marketer, RejectRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))

	stored, err := f.svc.Get(ctx, o.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, stored.Status)
	assert.Equal(t, "busy", stored.RejectionReason)

	_, err = f.svc.Counter(ctx, o.ID, marketer, counter("400"))
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidTransition))
}

func TestAcceptWithMilestones(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	o := f.sentOffer(t, "1000")

	_, err := f.svc.Accept(ctx, o.ID, creator, AcceptRequest{Milestones: []MilestoneRequest{
		{Name: "Draft", Amount: decimal.RequireFromString("400")},
		{Name: "Publish", Amount: decimal.RequireFromString("500")},
	}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	stored, err := f.svc.Get(ctx, o.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status, "a failed conversion rolls back the accept")

	res, err := f.svc.Accept(ctx, o.ID, creator, AcceptRequest{DealName: "Launch", Milestones: []MilestoneRequest{
		{Name: "Draft", Amount: decimal.RequireFromString("400")},
		{Name: "Publish", Amount: decimal.RequireFromString("600.00")},
	}})
	require.NoError(t, err)
	assert.Equal(t, "Launch", res.Deal.Name)
	require.Len(t, res.Deal.Milestones, 2)
	assert.Equal(t, int64(60000), res.Deal.Milestones[1].Amount.AmountMinor)
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	_, err := f.svc.Create(ctx, creator, CreateOfferRequest{
		CreatorID: "someone", Amount: decimal.NewFromInt(10), Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = f.svc.Create(ctx, marketer, CreateOfferRequest{
		CreatorID: creator.UserID, Amount: decimal.RequireFromString("10.001"), Currency: "USD",
	})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	o := f.sentOffer(t, "100")
	outsider := identity.Actor{UserID: "creator-2", Role: identity.RoleCreator}
	_, err = f.svc.Accept(ctx, o.ID, outsider, AcceptRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
	_, err = f.svc.Get(ctx, o.ID, outsider)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	// the creator may not act as the marketer on the same offer
	_, err = f.svc.Counter(ctx, o.ID, identity.Actor{UserID: creator.UserID, Role: identity.RoleMarketer}, counter("90"))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = f.svc.Counter(ctx, o.ID, creator, counter("0"))
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.Send(ctx, "missing", marketer)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for i := 0; i < 3; i++ {
		f.sentOffer(t, "100")
	}
	_, err := f.svc.Create(ctx, marketer, CreateOfferRequest{CreatorID: "creator-9", Amount: decimal.NewFromInt(5), Currency: "EUR"})
	require.NoError(t, err)

	page, err := f.svc.List(ctx, creator, ListOffersRequest{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Offers, 2)
	assert.True(t, page.HasMore)

	page, err = f.svc.List(ctx, creator, ListOffersRequest{Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Offers, 1)
	assert.False(t, page.HasMore)

	page, err = f.svc.List(ctx, marketer, ListOffersRequest{Status: "draft"})
	require.NoError(t, err)
	assert.Len(t, page.Offers, 1)

	page, err = f.svc.List(ctx, marketer, ListOffersRequest{Role: "creator"})
	require.NoError(t, err)
	assert.Empty(t, page.Offers)

	_, err = f.svc.List(ctx, creator, ListOffersRequest{UserID: marketer.UserID})
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	page, err = f.svc.List(ctx, admin, ListOffersRequest{UserID: "creator-9"})
	require.NoError(t, err)
	assert.Len(t, page.Offers, 1)

	_, err = f.svc.List(ctx, marketer, ListOffersRequest{Status: "archived"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
