package template

import (
	"regexp"
	"strings"
	"time"
)

// Expansion safety caps. Ranges larger than these are cut, not rejected.
const (
	maxDayEntries   = 365
	maxMonthEntries = 60
	maxExpandPasses = 10

	// DefaultMaxExpandResults bounds SafeExpandDateRanges output.
	DefaultMaxExpandResults = 10000
)

var dateRangeRe = regexp.MustCompile(`\{(\d{6}|\d{8})\.\.(\d{6}|\d{8})\}`)

// ExpandDateRange expands the first {start..end} token in tmpl, returning
// one template per date plus whether the range was cut by a safety cap.
// Both endpoints must be 8-digit YYYYMMDD or 6-digit YYYYMM and agree on
// length; malformed or inverted ranges return the input unchanged.
func ExpandDateRange(tmpl string) ([]string, bool) {
	m := dateRangeRe.FindStringSubmatchIndex(tmpl)
	if m == nil {
		return []string{tmpl}, false
	}

	start := tmpl[m[2]:m[3]]
	end := tmpl[m[4]:m[5]]
	if len(start) != len(end) {
		return []string{tmpl}, false
	}

	var (
		values []string
		capped bool
	)
	switch len(start) {
	case 8:
		values, capped = expandDays(start, end)
	case 6:
		values, capped = expandMonths(start, end)
	}
	if values == nil {
		return []string{tmpl}, false
	}

	out := make([]string, len(values))
	for i, v := range values {
		out[i] = tmpl[:m[0]] + v + tmpl[m[1]:]
	}
	return out, capped
}

func expandDays(start, end string) ([]string, bool) {
	from, err := time.Parse("20060102", start)
	if err != nil {
		return nil, false
	}
	to, err := time.Parse("20060102", end)
	if err != nil {
		return nil, false
	}
	if from.After(to) {
		return nil, false
	}

	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if len(out) >= maxDayEntries {
			return out, true
		}
		out = append(out, d.Format("20060102"))
	}
	return out, false
}

func expandMonths(start, end string) ([]string, bool) {
	from, err := time.Parse("200601", start)
	if err != nil {
		return nil, false
	}
	to, err := time.Parse("200601", end)
	if err != nil {
		return nil, false
	}
	if from.After(to) {
		return nil, false
	}

	var out []string
	for d := from; !d.After(to); d = d.AddDate(0, 1, 0) {
		if len(out) >= maxMonthEntries {
			return out, true
		}
		out = append(out, d.Format("200601"))
	}
	return out, false
}

// ExpandAllDateRanges expands every range token in tmpl, one token per
// pass, up to maxExpandPasses passes. The guard bounds pathological inputs
// where expansion keeps producing further ranges.
func ExpandAllDateRanges(tmpl string) ([]string, bool) {
	current := []string{tmpl}
	truncated := false

	for pass := 0; pass < maxExpandPasses; pass++ {
		if !containsDateRange(current) {
			return current, truncated
		}
		var next []string
		for _, t := range current {
			expanded, capped := ExpandDateRange(t)
			truncated = truncated || capped
			next = append(next, expanded...)
		}
		current = next
	}
	// Passes exhausted with ranges still present.
	if containsDateRange(current) {
		truncated = true
	}
	return current, truncated
}

// SafeExpandDateRanges expands a list of templates into a flat list capped
// at maxResults (DefaultMaxExpandResults when maxResults <= 0). The second
// return reports whether anything was cut, by a range cap or the result cap.
func SafeExpandDateRanges(templates []string, maxResults int) ([]string, bool) {
	if maxResults <= 0 {
		maxResults = DefaultMaxExpandResults
	}

	out := make([]string, 0, len(templates))
	truncated := false
	for _, tmpl := range templates {
		expanded, capped := ExpandAllDateRanges(tmpl)
		truncated = truncated || capped
		for _, e := range expanded {
			if len(out) >= maxResults {
				return out, true
			}
			out = append(out, e)
		}
	}
	return out, truncated
}

func containsDateRange(templates []string) bool {
	for _, t := range templates {
		if strings.Contains(t, "..") && dateRangeRe.MatchString(t) {
			return true
		}
	}
	return false
}
