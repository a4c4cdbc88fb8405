// Package validate implements the field-typed validators described in
// spec §9: each input field on the wire has a declared type, and only
// the GenericString type runs injection-pattern scanning. Running a
// single universal sanitizer over every field (as the teacher's
// internal/security/sanitizer.go did) would misclassify legitimate
// cron syntax like "*/5 * * * *" as an injection attempt, since "*/"
// appears in both.
package validate

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ratchet-run/ratchet/internal/cronexpr"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// FieldType names the declared type of an input field.
type FieldType string

const (
	CronExpression FieldType = "cron_expression"
	Email          FieldType = "email"
	Url            FieldType = "url"
	TaskName       FieldType = "task_name"
	GenericString  FieldType = "generic_string"
)

var taskNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,127}$`)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// dangerousPatterns flags content that looks like an attempt to break
// out of a field's intended use: script tags, SQL comment sequences,
// shell metacharacter chains. Scoped to GenericString only.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\bunion\s+select\b`),
	regexp.MustCompile(`(?i);\s*drop\s+table\b`),
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\([^)]*\)`),
}

// Field validates one named value against its declared type.
func Field(name string, fieldType FieldType, value string) error {
	switch fieldType {
	case CronExpression:
		if err := cronexpr.Validate(value); err != nil {
			return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: %v", name, err)
		}
	case Email:
		if !emailPattern.MatchString(value) {
			return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: not a valid email", name)
		}
	case Url:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: not a valid http(s) url", name)
		}
	case TaskName:
		if !taskNamePattern.MatchString(value) {
			return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: must match %s", name, taskNamePattern.String())
		}
	case GenericString:
		for _, p := range dangerousPatterns {
			if p.MatchString(value) {
				return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: contains disallowed pattern", name)
			}
		}
	default:
		return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: unknown field type %q", name, fieldType)
	}
	return nil
}

// NonEmpty is a small helper for required-field checks that don't need
// a type-specific validator.
func NonEmpty(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return rerrors.Newf(rerrors.KindValidation, "validate", "field %q: must not be empty", name)
	}
	return nil
}
