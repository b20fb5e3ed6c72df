package memstore

import (
	"sort"

	"dealflow/internal/common/money"
	dealdomain "dealflow/internal/deals/domain"
	ledgerdomain "dealflow/internal/ledger/domain"
	negdomain "dealflow/internal/negotiation/domain"
)

func cloneOffer(o *negdomain.Offer) *negdomain.Offer {
	cp := *o
	cp.Terms.Platforms = append([]string(nil), o.Terms.Platforms...)
	cp.Terms.Deliverables = append([]string(nil), o.Terms.Deliverables...)
	cp.Counters = append([]negdomain.Counter{}, o.Counters...)
	return &cp
}

func cloneDeal(d *dealdomain.Deal) *dealdomain.Deal {
	cp := *d
	cp.Milestones = make([]*dealdomain.Milestone, len(d.Milestones))
	for i, m := range d.Milestones {
		mc := *m
		cp.Milestones[i] = &mc
	}
	cp.PaymentInfo.Transactions = append([]dealdomain.Transaction{}, d.PaymentInfo.Transactions...)
	return &cp
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func addTotal(sums map[[2]string]*ledgerdomain.Total, status string, c money.Currency, amount int64) {
	key := [2]string{status, string(c)}
	t, ok := sums[key]
	if !ok {
		t = &ledgerdomain.Total{Status: status, Currency: c}
		sums[key] = t
	}
	t.Amount += amount
}

func flatten(sums map[[2]string]*ledgerdomain.Total) []ledgerdomain.Total {
	out := make([]ledgerdomain.Total, 0, len(sums))
	for _, t := range sums {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
