package classifier

import (
	"regexp"
	"strings"
)

// Category is a content category from the closed set below.
type Category string

const (
	Educational   Category = "educational"
	Entertainment Category = "entertainment"
	SocialMedia   Category = "social_media"
	Gaming        Category = "gaming"
	Shopping      Category = "shopping"
	Inappropriate Category = "inappropriate"
	Unknown       Category = "unknown"
)

// Fallback is the category substituted for anything outside the set.
const Fallback = Unknown

// Confidence values assigned by the resolution rules.
const (
	ConfidenceHighSignal = 0.85
	ConfidenceDefault    = 0.75
	ConfidenceFallback   = 0.5
)

type attributes struct {
	risk  string
	color string
}

// The risk/colour table is the only source of both values.
var table = map[Category]attributes{
	Educational:   {risk: "low", color: "green"},
	Entertainment: {risk: "low", color: "blue"},
	Shopping:      {risk: "low", color: "purple"},
	SocialMedia:   {risk: "medium", color: "yellow"},
	Gaming:        {risk: "medium", color: "orange"},
	Inappropriate: {risk: "high", color: "red"},
	Unknown:       {risk: "unknown", color: "gray"},
}

// Categories lists the set in prompt order.
var Categories = []Category{
	Educational,
	Entertainment,
	SocialMedia,
	Gaming,
	Shopping,
	Inappropriate,
	Unknown,
}

var categoryPattern = regexp.MustCompile(`\b(educational|entertainment|social_media|gaming|shopping|inappropriate|unknown)\b`)

// Valid reports whether c belongs to the category set.
func (c Category) Valid() bool {
	_, ok := table[c]
	return ok
}

// RiskLevel returns the risk level derived from c.
func (c Category) RiskLevel() string {
	return table[Normalize(string(c))].risk
}

// Color returns the display colour derived from c.
func (c Category) Color() string {
	return table[Normalize(string(c))].color
}

// HighSignal reports whether c sits at either end of the risk spectrum.
func (c Category) HighSignal() bool {
	return c == Educational || c == Inappropriate
}

// Normalize maps s onto the category set, substituting Fallback for
// anything it does not recognise.
func Normalize(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c
	}
	return Fallback
}

// Extract returns the first category named in free text, case-insensitively.
func Extract(text string) (Category, bool) {
	m := categoryPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return Fallback, false
	}
	return Category(m[1]), true
}

// ConfidenceFor applies the fixed confidence rule to an extracted category.
func ConfidenceFor(c Category) float64 {
	if c.HighSignal() {
		return ConfidenceHighSignal
	}
	return ConfidenceDefault
}
