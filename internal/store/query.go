package store

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SortField selects the ordering column of a query.
type SortField string

// SortOrder selects the ordering direction of a query.
type SortOrder string

const (
	SortID        SortField = "id"
	SortTimestamp SortField = "timestamp"

	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"

	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query is a cursor-style history request. SinceID and SinceTS are exclusive
// lower bounds and may be combined.
type Query struct {
	SinceID *int64
	SinceTS *time.Time
	Sort    SortField
	Order   SortOrder
	Limit   int
}

// Normalize replaces unknown or out-of-range values with the defaults.
func (q Query) Normalize() Query {
	if q.Sort != SortTimestamp {
		q.Sort = SortID
	}
	if q.Order != Desc {
		q.Order = Asc
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.SinceTS != nil {
		ts := stamp(*q.SinceTS)
		q.SinceTS = &ts
	}
	return q
}

// ParseQuery builds a Query from URL parameters. Malformed values never fail;
// they fall back to the defaults.
func ParseQuery(values url.Values) Query {
	var q Query
	if raw := strings.TrimSpace(values.Get("since_id")); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			q.SinceID = &id
		}
	}
	if raw := strings.TrimSpace(values.Get("since_ts")); raw != "" {
		if ts, ok := ParseTimestamp(raw); ok {
			q.SinceTS = &ts
		}
	}
	q.Sort = SortField(strings.ToLower(strings.TrimSpace(values.Get("sort"))))
	q.Order = SortOrder(strings.ToLower(strings.TrimSpace(values.Get("order"))))
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			q.Limit = n
		}
	}
	return q.Normalize()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses an ISO-8601 instant. Values without an offset are UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	// An unescaped "+" in a query string arrives as a space.
	if i := strings.LastIndex(raw, " "); i > len("2006-01-02") {
		raw = raw[:i] + "+" + raw[i+1:]
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// applyQuery filters, sorts and truncates msgs into a new slice.
func applyQuery(msgs []Message, q Query) []Message {
	q = q.Normalize()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if q.SinceID != nil && m.ID <= *q.SinceID {
			continue
		}
		if q.SinceTS != nil && !m.Timestamp.After(*q.SinceTS) {
			continue
		}
		out = append(out, m)
	}

	less := func(a, b Message) bool {
		if q.Sort == SortTimestamp && !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Order == Desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})

	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}
