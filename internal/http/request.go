package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kas/internal/core"
)

const maxBodyBytes = 1 << 20

// profileID returns the caller's profile from the ProfileHeader.
func profileID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ProfileHeader))
}

// requireOwner rejects requests for records of another profile. They are
// reported as missing so ids of foreign records cannot be probed.
func requireOwner(r *http.Request, resource, id, owner string) error {
	p := profileID(r)
	if p == "" {
		return &core.ValidationError{Field: "profileId", Message: ProfileHeader + " header is required"}
	}
	if p != owner {
		return core.NotFound(resource, id)
	}
	return nil
}

// decodeJSON reads a single JSON object from the body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &core.ValidationError{Field: "body", Message: "request body too large"}
		case errors.Is(err, io.EOF):
			return &core.ValidationError{Field: "body", Message: "request body is empty"}
		default:
			return &core.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
		}
	}
	if dec.More() {
		return &core.ValidationError{Field: "body", Message: "unexpected data after JSON object"}
	}
	return nil
}

// parseAmount accepts a positive amount given as a JSON number or string.
func parseAmount(field string, n json.Number) (core.Money, error) {
	m, err := core.ParseAmount(n.String())
	if err != nil {
		return core.Money{}, &core.ValidationError{Field: field, Message: "must be a positive amount like 12.34"}
	}
	return m, nil
}

// parseBalance is parseAmount that also accepts zero.
func parseBalance(field string, n json.Number) (core.Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(n.String()))
	if err != nil || d.IsNegative() {
		return core.Money{}, &core.ValidationError{Field: field, Message: "must be zero or a positive amount"}
	}
	if d.IsZero() {
		return core.Money{}, nil
	}
	return parseAmount(field, n)
}

// parsePercentage defaults to zero when absent.
func parsePercentage(n json.Number) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	p, err := core.ParsePercentage(n.String())
	if err != nil {
		return decimal.Zero, &core.ValidationError{Field: "allocationPercentage", Message: "must be between 0 and 100"}
	}
	return p, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339. An empty string is the zero time.
func parseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, &core.ValidationError{Field: field, Message: "must be a date like 2024-05-31 or an RFC 3339 timestamp"}
	}
	return t, nil
}

// parseEndDate treats a bare date as the whole day.
func parseEndDate(field, s string) (time.Time, error) {
	t, err := parseDate(field, s)
	if err != nil || t.IsZero() {
		return t, err
	}
	if len(strings.TrimSpace(s)) == len("2006-01-02") {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

func queryInt(q url.Values, key string) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &core.ValidationError{Field: key, Message: "must be a whole number"}
	}
	return n, nil
}

func queryKind(q url.Values) (core.Kind, error) {
	v := strings.TrimSpace(q.Get("kind"))
	if v == "" {
		return "", nil
	}
	return core.ParseKind(v)
}

// parseTransactionFilter reads kind, month, year, startDate and endDate.
func parseTransactionFilter(q url.Values) (core.TransactionFilter, error) {
	var f core.TransactionFilter
	var err error
	if f.Kind, err = queryKind(q); err != nil {
		return f, err
	}
	if f.Month, err = queryInt(q, "month"); err != nil {
		return f, err
	}
	if f.Year, err = queryInt(q, "year"); err != nil {
		return f, err
	}
	if f.Start, err = parseDate("startDate", q.Get("startDate")); err != nil {
		return f, err
	}
	if f.End, err = parseEndDate("endDate", q.Get("endDate")); err != nil {
		return f, err
	}
	return f, nil
}
