package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

type FieldType string

const (
	FieldTypeText   FieldType = "text"
	FieldTypeName   FieldType = "name"
	FieldTypeEmail  FieldType = "email"
	FieldTypePhone  FieldType = "phone"
	FieldTypeAmount FieldType = "amount"
	FieldTypeURL    FieldType = "url"
)

type Threat string

const (
	ThreatScriptTag        Threat = "script_tag"
	ThreatEventHandler     Threat = "event_handler"
	ThreatJavascriptURI    Threat = "javascript_uri"
	ThreatSQLControl       Threat = "sql_control"
	ThreatPathTraversal    Threat = "path_traversal"
	ThreatFormulaInjection Threat = "formula_injection"
	ThreatNullByte         Threat = "null_byte"
)

const (
	maxNameLength = 200
	maxTextLength = 10000
)

type threatPattern struct {
	kind Threat
	re   *regexp.Regexp
}

// Order matters for neutralization: whole script blocks go before bare tags.
var threatPatterns = []threatPattern{
	{ThreatScriptTag, regexp.MustCompile(`(?is)<\s*script\b[^>]*>.*?<\s*/\s*script\s*>|<\s*/?\s*script\b[^>]*>?`)},
	{ThreatEventHandler, regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=[^>]*>?`)},
	{ThreatJavascriptURI, regexp.MustCompile(`(?i)\b(?:javascript|vbscript)\s*:|\bdata\s*:\s*text/html`)},
	{ThreatSQLControl, regexp.MustCompile(`(?i)['"]\s*(?:or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+|;\s*(?:drop|delete|truncate|alter|insert|update|exec)\b|\bunion\s+(?:all\s+)?select\b|/\*.*?\*/|\bxp_cmdshell\b|--\s*$`)},
	{ThreatPathTraversal, regexp.MustCompile(`(?i)\.\.[/\\]|%2e%2e(?:%2f|%5c|/|\\)`)},
	{ThreatNullByte, regexp.MustCompile(`\x00|%00`)},
}

var (
	formulaPrefix = regexp.MustCompile(`^\s*(?:[=@]|[+-]\s*[A-Za-z_]+\s*\()`)
	htmlTag       = regexp.MustCompile(`(?s)<[^>]*>`)
	emailShape    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	amountNoise   = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", " ", "")
)

// Sanitizer cleans and inspects field values by field type. It holds only
// read-only state and is safe for concurrent use.
type Sanitizer struct {
	types map[string]FieldType
}

func NewSanitizer(fieldTypes map[string]string) *Sanitizer {
	types := make(map[string]FieldType, len(fieldTypes))
	for field, t := range fieldTypes {
		types[normalizeName(field)] = FieldType(normalizeName(t))
	}
	return &Sanitizer{types: types}
}

func (s *Sanitizer) TypeOf(field string) FieldType {
	if t, ok := s.types[normalizeName(field)]; ok {
		return t
	}
	return FieldTypeText
}

// Sanitize returns the cleansed value and every threat found in the raw input.
func (s *Sanitizer) Sanitize(field, raw string) (string, []Threat) {
	t := s.TypeOf(field)
	threats := detectThreats(t, raw)

	var clean string
	switch t {
	case FieldTypeEmail:
		clean = strings.ToLower(stripSpaceAndControl(raw))
	case FieldTypePhone:
		clean = cleanPhone(raw)
	case FieldTypeAmount:
		clean = cleanAmount(raw)
	case FieldTypeURL:
		clean = strings.TrimSpace(stripControl(raw, false))
	case FieldTypeName:
		clean = strings.Join(strings.Fields(stripTags(stripControl(raw, false))), " ")
	default:
		clean = strings.TrimSpace(stripTags(stripControl(raw, true)))
	}
	return clean, threats
}

// SanitizeForExport never rejects: whatever the detectors match is removed
// or neutralized so the value is safe to hand to a spreadsheet or browser.
func (s *Sanitizer) SanitizeForExport(field, raw string) (string, []Threat) {
	clean, threats := s.Sanitize(field, raw)
	if len(threats) > 0 {
		for _, p := range threatPatterns {
			clean = p.re.ReplaceAllString(clean, "")
		}
		clean = strings.TrimSpace(clean)
	}
	if formulaPrefix.MatchString(clean) || strings.HasPrefix(clean, "\t") || strings.HasPrefix(clean, "\r") {
		clean = "'" + clean
	}
	return clean, threats
}

// Validate checks the shape of an already cleansed value. Empty values pass;
// required-field checks belong to the caller.
func (s *Sanitizer) Validate(field, clean string) error {
	if clean == "" {
		return nil
	}
	switch s.TypeOf(field) {
	case FieldTypeEmail:
		if !emailShape.MatchString(clean) {
			return fmt.Errorf("%s: invalid email address", field)
		}
	case FieldTypePhone:
		digits := 0
		for _, r := range clean {
			if unicode.IsDigit(r) {
				digits++
			}
		}
		if digits < 7 || digits > 15 {
			return fmt.Errorf("%s: phone number must have 7-15 digits", field)
		}
	case FieldTypeAmount:
		if _, err := decimal.NewFromString(clean); err != nil {
			return fmt.Errorf("%s: invalid amount", field)
		}
	case FieldTypeURL:
		u, err := url.Parse(clean)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s: url must be absolute http(s)", field)
		}
	case FieldTypeName:
		if len(clean) > maxNameLength {
			return fmt.Errorf("%s: longer than %d characters", field, maxNameLength)
		}
	default:
		if len(clean) > maxTextLength {
			return fmt.Errorf("%s: longer than %d characters", field, maxTextLength)
		}
	}
	return nil
}

func detectThreats(t FieldType, raw string) []Threat {
	var found []Threat
	candidates := []string{raw}
	if decoded, err := url.QueryUnescape(raw); err == nil && decoded != raw {
		candidates = append(candidates, decoded)
	}
	for _, p := range threatPatterns {
		for _, c := range candidates {
			if p.re.MatchString(c) {
				found = append(found, p.kind)
				break
			}
		}
	}
	// Phone numbers and amounts legitimately start with + or -.
	if (t == FieldTypeText || t == FieldTypeName) && formulaPrefix.MatchString(raw) {
		found = append(found, ThreatFormulaInjection)
	}
	return found
}

func stripControl(s string, keepNewlines bool) string {
	return strings.Map(func(r rune) rune {
		if keepNewlines && (r == '\n' || r == '\t') {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func stripSpaceAndControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func stripTags(s string) string {
	s = threatPatterns[0].re.ReplaceAllString(s, "")
	return htmlTag.ReplaceAllString(s, "")
}

func cleanPhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cleanAmount(raw string) string {
	trimmed := amountNoise.Replace(strings.TrimSpace(raw))
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return trimmed
	}
	return d.StringFixed(2)
}
