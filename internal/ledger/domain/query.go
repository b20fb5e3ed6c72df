package domain

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"dealflow/internal/common/apperr"
)

// Filter is a named date window for earnings queries.
type Filter string

const (
	FilterAll        Filter = "all"
	FilterLast7Days  Filter = "last7days"
	FilterLast30Days Filter = "last30days"
	FilterThisMonth  Filter = "thisMonth"
	FilterThisYear   Filter = "thisYear"
	FilterDateRange  Filter = "dateRange"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// EarningsRequest is an earnings query as received from a client.
type EarningsRequest struct {
	Filter    string
	StartDate string
	EndDate   string
	Status    string
	Page      int
	Limit     int
	Cursor    string
}

// EarningsQuery is a validated earnings query.
type EarningsQuery struct {
	UserID string
	Status *EarningStatus
	// From is inclusive, To exclusive.
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
	After  *Cursor
}

// BuildEarningsQuery validates req for userID relative to now.
func BuildEarningsQuery(userID string, req EarningsRequest, now time.Time) (EarningsQuery, error) {
	q := EarningsQuery{UserID: userID, Limit: req.Limit}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Limit = min(q.Limit, MaxLimit)

	page := req.Page
	if page == 0 {
		page = 1
	}
	if page < 1 {
		return q, apperr.Validation("page must be a positive integer")
	}

	if req.Status != "" {
		st, err := ParseEarningStatus(req.Status)
		if err != nil {
			return q, err
		}
		q.Status = &st
	}

	from, to, err := window(req, now.UTC())
	if err != nil {
		return q, err
	}
	q.From, q.To = from, to

	if req.Cursor != "" {
		c, err := DecodeCursor(req.Cursor)
		if err != nil {
			return q, err
		}
		q.After = &c
	} else {
		q.Offset = (page - 1) * q.Limit
	}
	return q, nil
}

func window(req EarningsRequest, now time.Time) (*time.Time, *time.Time, error) {
	filter := Filter(req.Filter)
	if filter == "" {
		filter = FilterAll
		if req.StartDate != "" || req.EndDate != "" {
			filter = FilterDateRange
		}
	}

	var from time.Time
	switch filter {
	case FilterAll:
		return nil, nil, nil
	case FilterLast7Days:
		from = now.AddDate(0, 0, -7)
	case FilterLast30Days:
		from = now.AddDate(0, 0, -30)
	case FilterThisMonth:
		from = MonthStart(now)
	case FilterThisYear:
		from = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case FilterDateRange:
		return dateRange(req.StartDate, req.EndDate)
	default:
		return nil, nil, apperr.Validation("Invalid filter %q", req.Filter)
	}
	return &from, nil, nil
}

func dateRange(startRaw, endRaw string) (*time.Time, *time.Time, error) {
	if startRaw == "" || endRaw == "" {
		return nil, nil, apperr.Validation("Both startDate and endDate are required for dateRange filter")
	}
	start, _, err := parseDate(startRaw)
	if err != nil {
		return nil, nil, apperr.Validation("Invalid startDate")
	}
	end, dateOnly, err := parseDate(endRaw)
	if err != nil {
		return nil, nil, apperr.Validation("Invalid endDate")
	}
	if start.After(end) {
		return nil, nil, apperr.Validation("Start date cannot be after end date")
	}
	if end.After(start.AddDate(2, 0, 0)) {
		return nil, nil, apperr.Validation("Date range cannot exceed 2 years")
	}
	if dateOnly {
		// a bare end date covers that whole day
		end = end.AddDate(0, 0, 1)
	} else {
		end = end.Add(time.Microsecond)
	}
	return &start, &end, nil
}

func parseDate(s string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	return t.UTC(), false, err
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Cursor is the sort key of the last row of a page. Rows are ordered by
// created_at DESC, id DESC.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque form of c.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Before reports whether a row with the given key sorts after c, i.e.
// belongs on a later page.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	ts, cts := createdAt.UnixMicro(), c.CreatedAt.UnixMicro()
	return ts < cts || (ts == cts && id < c.ID)
}

// DecodeCursor parses an opaque cursor.
func DecodeCursor(s string) (Cursor, error) {
	invalid := apperr.Validation("Invalid cursor")
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, invalid
	}
	tsPart, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, invalid
	}
	micros, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || micros < 0 {
		return Cursor{}, invalid
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: id}, nil
}
