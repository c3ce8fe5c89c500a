// Package validate checks protocol records against declarative per-field
// constraint lists. It never touches key material or signatures.
package validate

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Rule inspects a present value and returns a violation reason, or "".
type Rule func(v any) string

// Field is one constraint list: the value under test and the rules it
// must satisfy. Absent values fail unless Optional is set, in which case
// the rules are skipped.
type Field struct {
	Name     string
	Value    any
	Optional bool
	Rules    []Rule
}

// Violation is a single failed constraint.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Errors collects every violation found in one record.
type Errors []Violation

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Reason
	}
	return strings.Join(parts, "; ")
}

// Has reports whether field has at least one violation.
func (e Errors) Has(field string) bool {
	for _, v := range e {
		if v.Field == field {
			return true
		}
	}
	return false
}

// Check evaluates fields in order and returns all violations, or nil.
func Check(fields ...Field) error {
	var errs Errors
	for _, f := range fields {
		if absent(f.Value) {
			if !f.Optional {
				errs = append(errs, Violation{f.Name, "is required"})
			}
			continue
		}
		for _, rule := range f.Rules {
			if reason := rule(f.Value); reason != "" {
				errs = append(errs, Violation{f.Name, reason})
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// absent treats nil, nil pointers/maps/slices and "" as missing. Empty but
// non-nil slices and maps are present so that size rules can reject them.
func absent(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// MaxLen bounds string length in characters.
func MaxLen(n int) Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if utf8.RuneCountInString(s) > n {
			return fmt.Sprintf("must be at most %d characters", n)
		}
		return ""
	}
}

// MinLen bounds string length in characters.
func MinLen(n int) Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if utf8.RuneCountInString(s) < n {
			return fmt.Sprintf("must be at least %d characters", n)
		}
		return ""
	}
}

var idBody = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HasPrefix requires an identifier of the form prefix + non-empty body.
func HasPrefix(prefix string) Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if !strings.HasPrefix(s, prefix) || !idBody.MatchString(s[len(prefix):]) {
			return "must start with " + prefix
		}
		return ""
	}
}

// OneOf restricts a string to a fixed set.
func OneOf(allowed ...string) Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		for _, a := range allowed {
			if s == a {
				return ""
			}
		}
		return "must be one of " + strings.Join(allowed, ", ")
	}
}

// MinItems requires a slice with at least n elements.
func MinItems(n int) Rule {
	return func(v any) string {
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return "must be a list"
		}
		if rv.Len() < n {
			return fmt.Sprintf("must contain at least %d item(s)", n)
		}
		return ""
	}
}

// EachString applies rule to every element of a []string.
func EachString(rule Rule) Rule {
	return func(v any) string {
		items, ok := v.([]string)
		if !ok {
			return "must be a list of strings"
		}
		for i, item := range items {
			if reason := rule(item); reason != "" {
				return fmt.Sprintf("item %d %s", i, reason)
			}
		}
		return ""
	}
}

// NonBlank rejects strings made only of whitespace.
func NonBlank() Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if strings.TrimSpace(s) == "" {
			return "must not be blank"
		}
		return ""
	}
}

// HTTPURL requires an absolute http or https URL.
func HTTPURL() Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		u, err := url.Parse(s)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return "must be an absolute http(s) URL"
		}
		return ""
	}
}

// Timestamp requires an RFC 3339 date-time.
func Timestamp() Rule {
	return func(v any) string {
		s, ok := v.(string)
		if !ok {
			return "must be a string"
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return "must be an RFC 3339 timestamp"
		}
		return ""
	}
}

// Between bounds an int inclusively.
func Between(lo, hi int) Rule {
	return func(v any) string {
		n, ok := v.(int)
		if !ok {
			return "must be an integer"
		}
		if n < lo || n > hi {
			return fmt.Sprintf("must be between %d and %d", lo, hi)
		}
		return ""
	}
}

// Satisfies wraps an arbitrary predicate.
func Satisfies(pred func(any) bool, reason string) Rule {
	return func(v any) string {
		if !pred(v) {
			return reason
		}
		return ""
	}
}
