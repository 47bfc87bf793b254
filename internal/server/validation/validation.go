// Package validation checks request DTOs against rule tables. Rules are
// plain data: each names a field, its label for messages, and the
// constraints that apply.
package validation

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dmitrijs2005/estateauth/internal/common"
)

// Check inspects a non-empty value and returns a message, or "" when it passes.
type Check func(value string) string

// Rule constrains one field. Zero MinLen/MaxLen mean unbounded; lengths
// count runes.
type Rule struct {
	Field    string
	Label    string
	Required bool
	MinLen   int
	MaxLen   int
	Pattern  *regexp.Regexp
	// PatternMessage is reported when Pattern does not match.
	PatternMessage string
	OneOf          []string
	Checks         []Check
	// NoTrim checks the value exactly as given. Passwords set it so the
	// checked string is the one that gets hashed.
	NoTrim bool
}

// Schema is an ordered rule table.
type Schema []Rule

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every failed field. It matches common.ErrValidation.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "Validation failed"
	}
	return "Validation failed: " + e.Fields[0].Message
}

func (e *Error) Unwrap() error { return common.ErrValidation }

// Validate applies the schema to values (keyed by field name). At most one
// message is reported per field. The result is nil when every rule passes.
func (s Schema) Validate(values map[string]string) error {
	var fields []FieldError

	for _, r := range s {
		v := values[r.Field]
		if !r.NoTrim {
			v = strings.TrimSpace(v)
		}
		if msg := r.check(v); msg != "" {
			fields = append(fields, FieldError{Field: r.Field, Message: msg})
		}
	}

	if len(fields) == 0 {
		return nil
	}
	return &Error{Fields: fields}
}

func (r Rule) check(v string) string {
	if v == "" {
		if r.Required {
			return r.Label + " is required"
		}
		return ""
	}

	n := utf8.RuneCountInString(v)
	if r.MinLen > 0 && n < r.MinLen {
		return r.Label + " must be at least " + strconv.Itoa(r.MinLen) + " characters"
	}
	if r.MaxLen > 0 && n > r.MaxLen {
		return r.Label + " must be at most " + strconv.Itoa(r.MaxLen) + " characters"
	}
	if r.Pattern != nil && !r.Pattern.MatchString(v) {
		if r.PatternMessage != "" {
			return r.PatternMessage
		}
		return r.Label + " is invalid"
	}
	if len(r.OneOf) > 0 && !slices.Contains(r.OneOf, v) {
		return r.Label + " must be one of " + strings.Join(r.OneOf, ", ")
	}
	for _, c := range r.Checks {
		if msg := c(v); msg != "" {
			return msg
		}
	}
	return ""
}

// PasswordStrength requires an upper-case letter, a lower-case letter and a digit.
func PasswordStrength(v string) string {
	var upper, lower, digit bool
	for _, r := range v {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if upper && lower && digit {
		return ""
	}
	return "Password must contain at least one uppercase letter, one lowercase letter, and one number"
}
