package detect

import (
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atlascodex/atlas/internal/models"
)

var (
	numberCleanRe = regexp.MustCompile(`[^\d.,\-]`)
	digitRe       = regexp.MustCompile(`\d`)
)

// dateLayouts are tried in order when normalizing a date value
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"02.01.2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"Jan. 2, 2006",
	"2 January 2006",
	"2006/01/02",
}

// Validate checks a raw string value against a field's type and constraints.
// It returns nil when the value is acceptable, otherwise a reason suitable
// for a miss record.
func Validate(field models.FieldSpec, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("empty value")
	}

	if field.MinLength > 0 && len(value) < field.MinLength {
		return fmt.Errorf("shorter than %d characters", field.MinLength)
	}
	if field.MaxLength > 0 && len(value) > field.MaxLength {
		return fmt.Errorf("longer than %d characters", field.MaxLength)
	}

	switch field.Type {
	case models.FieldTypeEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("not a valid email address")
		}
	case models.FieldTypeURL:
		u, err := url.Parse(value)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "") {
			return fmt.Errorf("not a valid url")
		}
		if u.Scheme == "" && !strings.HasPrefix(value, "/") {
			return fmt.Errorf("not a valid url")
		}
	case models.FieldTypePhone:
		digits := len(digitRe.FindAllString(value, -1))
		if digits < 7 || digits > 15 {
			return fmt.Errorf("phone number has %d digits, expected 7-15", digits)
		}
	case models.FieldTypeNumber:
		if _, err := NormalizeNumber(value); err != nil {
			return err
		}
	case models.FieldTypeDate:
		if _, err := NormalizeDate(value); err != nil {
			return err
		}
	case models.FieldTypeBoolean:
		switch strings.ToLower(value) {
		case "true", "false", "yes", "no", "1", "0":
		default:
			return fmt.Errorf("not a boolean value")
		}
	case models.FieldTypeEnum:
		if len(field.EnumValues) > 0 {
			for _, ev := range field.EnumValues {
				if strings.EqualFold(ev, value) {
					return nil
				}
			}
			return fmt.Errorf("value not in enum set")
		}
	case models.FieldTypeString, models.FieldTypeRichText, models.FieldTypeArrayOfString:
		// Length constraints above are the whole check
	default:
		return fmt.Errorf("unknown field type %q", field.Type)
	}
	return nil
}

// NormalizeNumber strips currency symbols and grouping separators and
// returns a canonical numeric value. "1.234,56" and "1,234.56" both
// normalize to 1234.56.
func NormalizeNumber(raw string) (float64, error) {
	s := strings.TrimSpace(numberCleanRe.ReplaceAllString(raw, ""))
	if s == "" || s == "-" {
		return 0, fmt.Errorf("no digits in %q", raw)
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// The later separator is decimal, the other is grouping
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Lone comma: decimal when followed by 1-2 digits, grouping otherwise
		if len(s)-lastComma-1 <= 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || (len(s)-lastDot-1 == 3 && lastDot > 0) {
			// Grouping dots: 1.234 or 1.234.567
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as number", raw)
	}
	return v, nil
}

// NormalizeDate parses common date formats and returns the ISO 8601 date
func NormalizeDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("cannot parse %q as date", raw)
}

// NormalizedValue returns the canonical form of a validated value: numbers
// and dates are normalized, everything else is whitespace-trimmed
func NormalizedValue(ft models.FieldType, value string) string {
	switch ft {
	case models.FieldTypeNumber:
		if v, err := NormalizeNumber(value); err == nil {
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	case models.FieldTypeDate:
		if v, err := NormalizeDate(value); err == nil {
			return v
		}
	case models.FieldTypeBoolean:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "yes", "1":
			return "true"
		case "false", "no", "0":
			return "false"
		}
	}
	return strings.TrimSpace(value)
}
