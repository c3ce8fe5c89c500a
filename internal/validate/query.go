package validate

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/squadklaw/squadklaw/internal/models"
)

// MaxFilterLength bounds each query filter.
const MaxFilterLength = 256

// ClampLimit maps a requested page size into [1, MaxQueryLimit]. Zero
// means unset and yields the default.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return models.DefaultQueryLimit
	case limit < 1:
		return 1
	case limit > models.MaxQueryLimit:
		return models.MaxQueryLimit
	}
	return limit
}

// Query validates a directory query and returns it normalised: filters
// trimmed and the limit clamped.
func Query(q models.DirectoryQuery) (models.DirectoryQuery, error) {
	q.Capability = strings.TrimSpace(q.Capability)
	q.Intent = strings.TrimSpace(q.Intent)
	q.Q = strings.TrimSpace(q.Q)
	q.Limit = ClampLimit(q.Limit)

	err := Check(
		Field{Name: "capability", Value: q.Capability, Optional: true, Rules: []Rule{MaxLen(MaxFilterLength)}},
		Field{Name: "intent", Value: q.Intent, Optional: true, Rules: []Rule{MaxLen(MaxFilterLength)}},
		Field{Name: "q", Value: q.Q, Optional: true, Rules: []Rule{MaxLen(MaxFilterLength)}},
		Field{Name: "cursor", Value: q.Cursor, Optional: true, Rules: []Rule{MaxLen(MaxFilterLength)}},
		Field{Name: "limit", Value: q.Limit, Rules: []Rule{Between(1, models.MaxQueryLimit)}},
	)
	return q, err
}

// ParseQuery reads a directory query from URL parameters.
func ParseQuery(values url.Values) (models.DirectoryQuery, error) {
	q := models.DirectoryQuery{
		Capability: values.Get("capability"),
		Intent:     values.Get("intent"),
		Q:          values.Get("q"),
		Cursor:     values.Get("cursor"),
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, Errors{{Field: "limit", Reason: "must be an integer"}}
		}
		q.Limit = n
	}
	return Query(q)
}

// Values renders q as URL parameters, omitting unset filters.
func Values(q models.DirectoryQuery) url.Values {
	v := url.Values{}
	if q.Capability != "" {
		v.Set("capability", q.Capability)
	}
	if q.Intent != "" {
		v.Set("intent", q.Intent)
	}
	if q.Q != "" {
		v.Set("q", q.Q)
	}
	if q.Limit != 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	return v
}
