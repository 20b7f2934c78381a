// Package template materializes URL path templates against domain records:
// placeholder substitution, date-range expansion, and template validation.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// multiLevelSuffixes is the fixed list of multi-level public suffixes the
// domain parser recognizes. It is a compatibility contract: stored results
// and template filters depend on these exact splits, so a full public
// suffix database must not be substituted here.
var multiLevelSuffixes = []string{
	"co.uk", "com.cn", "com.au", "co.jp", "co.kr", "co.nz", "co.za",
	"com.br", "com.mx", "com.ar", "com.tw", "com.hk", "com.sg",
	"gov.uk", "ac.uk", "org.uk", "net.uk",
	"gov.au", "edu.au", "org.au",
	"ne.jp", "or.jp", "ac.jp", "go.jp",
}

// ParsedDomain is the decomposition of a hostname used for substitution.
type ParsedDomain struct {
	// Host is the full original hostname, lowercased.
	Host string

	// Subdomain is everything left of the registrable domain ("www.mail").
	Subdomain string

	// SLD is the registrable label ("example" in www.example.co.uk).
	SLD string

	// TLD is the suffix, possibly multi-level ("co.uk").
	TLD string

	// RootDomain is SLD + "." + TLD, or SLD alone for single-label hosts.
	RootDomain string

	DomainUnderline string // host with '.' replaced by '_'
	DomainNodot     string // host with '.' removed
	DomainDash      string // host with '.' replaced by '-'
	DomainCenter    string // alias for SLD
}

// ParseDomain splits a domain name into the placeholder fields. The input
// is trimmed and lowercased first.
func ParseDomain(raw string) (*ParsedDomain, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return nil, fmt.Errorf("empty domain")
	}

	rest := host
	tld := ""
	for _, suffix := range multiLevelSuffixes {
		if strings.HasSuffix(host, "."+suffix) {
			tld = suffix
			rest = strings.TrimSuffix(host, "."+suffix)
			break
		}
	}

	var sld, subdomain string
	if tld != "" {
		labels := strings.Split(rest, ".")
		sld = labels[len(labels)-1]
		subdomain = strings.Join(labels[:len(labels)-1], ".")
	} else {
		labels := strings.Split(host, ".")
		switch len(labels) {
		case 1:
			sld = labels[0]
		default:
			tld = labels[len(labels)-1]
			sld = labels[len(labels)-2]
			subdomain = strings.Join(labels[:len(labels)-2], ".")
		}
	}

	root := sld
	if tld != "" {
		root = sld + "." + tld
	}

	return &ParsedDomain{
		Host:            host,
		Subdomain:       subdomain,
		SLD:             sld,
		TLD:             tld,
		RootDomain:      root,
		DomainUnderline: strings.ReplaceAll(host, ".", "_"),
		DomainNodot:     strings.ReplaceAll(host, ".", ""),
		DomainDash:      strings.ReplaceAll(host, ".", "-"),
		DomainCenter:    sld,
	}, nil
}

// Vars carries the non-domain substitution inputs. Rank and CSVDate are
// substituted only when provided; a zero Now means time.Now().
type Vars struct {
	Now     time.Time
	Rank    *int
	CSVDate string
}

// hashAliases maps the lowercase #token# names to their field selectors.
var hashAliases = map[string]func(*ParsedDomain) string{
	"domain":          func(d *ParsedDomain) string { return d.Host },
	"topdomain":       func(d *ParsedDomain) string { return d.RootDomain },
	"underlinedomain": func(d *ParsedDomain) string { return d.DomainUnderline },
	"domainnopoint":   func(d *ParsedDomain) string { return d.DomainNodot },
	"midlinedomain":   func(d *ParsedDomain) string { return d.DomainDash },
	"domaincenter":    func(d *ParsedDomain) string { return d.DomainCenter },
}

var (
	schemeRe    = regexp.MustCompile(`(?i)^https?://`)
	hashTokenRe = regexp.MustCompile(`(?i)#([a-z]+)#`)
)

// Materialize substitutes every supported placeholder in tmpl and
// normalizes the result into a fully-qualified URL. Unknown tokens are left
// in place; ValidateTemplate rejects them up front.
func Materialize(tmpl string, d *ParsedDomain, vars Vars) string {
	now := vars.Now
	if now.IsZero() {
		now = time.Now()
	}

	year := now.Format("2006")
	month := now.Format("01")
	day := now.Format("02")
	ymd := now.Format("20060102")

	pairs := []string{
		// domain-derived, brace and paren forms
		"{host}", d.Host, "(host)", d.Host,
		"{domain}", d.Host, "(domain)", d.Host,
		"{root_domain}", d.RootDomain, "(root_domain)", d.RootDomain,
		"{topdomain}", d.RootDomain, "(topdomain)", d.RootDomain,
		"{subdomain}", d.Subdomain, "(subdomain)", d.Subdomain,
		"{tld}", d.TLD, "(tld)", d.TLD,
		"{sld}", d.SLD, "(sld)", d.SLD,
		"{domain_underline}", d.DomainUnderline, "(domain_underline)", d.DomainUnderline,
		"{domain_nodot}", d.DomainNodot, "(domain_nodot)", d.DomainNodot,
		"{domain_dash}", d.DomainDash, "(domain_dash)", d.DomainDash,
		"{domain_center}", d.DomainCenter, "(domain_center)", d.DomainCenter,
		// time-derived
		"{year}", year, "(year)", year,
		"{month}", month, "(month)", month,
		"{day}", day, "(day)", day,
		"{ymd}", ymd, "(ymd)", ymd,
		"{date}", ymd, "(date)", ymd,
		"{date_dash}", now.Format("2006-01-02"), "(date_dash)", now.Format("2006-01-02"),
		"{timestamp}", strconv.FormatInt(now.Unix(), 10), "(timestamp)", strconv.FormatInt(now.Unix(), 10),
	}

	if vars.Rank != nil {
		rank := strconv.Itoa(*vars.Rank)
		pairs = append(pairs, "{rank}", rank, "(rank)", rank)
	}
	if vars.CSVDate != "" {
		pairs = append(pairs, "{csv_date}", vars.CSVDate, "(csv_date)", vars.CSVDate)
	}

	out := strings.NewReplacer(pairs...).Replace(tmpl)

	// #token# forms match case-insensitively.
	out = hashTokenRe.ReplaceAllStringFunc(out, func(m string) string {
		name := strings.ToLower(strings.Trim(m, "#"))
		if get, ok := hashAliases[name]; ok {
			return get(d)
		}
		return m
	})

	return normalizeURL(out)
}

// MaterializeURL parses the domain and materializes tmpl in one step.
func MaterializeURL(tmpl, domain string, vars Vars) (string, error) {
	d, err := ParseDomain(domain)
	if err != nil {
		return "", &types.TemplateError{Template: tmpl, Err: err}
	}
	return Materialize(tmpl, d, vars), nil
}

// normalizeURL prepends a scheme when the materialized string lacks one.
// A string with a leading slash gets bare "https:" so the output reads
// "https:/path..." — a historical quirk that stored results and downstream
// consumers rely on, so it is preserved verbatim.
func normalizeURL(s string) string {
	if schemeRe.MatchString(s) {
		return s
	}
	if strings.HasPrefix(s, "/") {
		return "https:" + s
	}
	return "https://" + s
}

// supportedTokens is the validation set for {x} and (x) forms.
var supportedTokens = map[string]bool{
	"host": true, "domain": true,
	"root_domain": true, "topdomain": true,
	"subdomain": true, "tld": true, "sld": true,
	"domain_underline": true, "domain_nodot": true,
	"domain_dash": true, "domain_center": true,
	"year": true, "month": true, "day": true, "ymd": true,
	"date": true, "date_dash": true, "timestamp": true,
	"rank": true, "csv_date": true,
}

// supportedHashTokens is the validation set for #x# forms.
var supportedHashTokens = map[string]bool{
	"domain": true, "topdomain": true, "underlinedomain": true,
	"domainnopoint": true, "midlinedomain": true, "domaincenter": true,
}

var (
	braceTokenRe = regexp.MustCompile(`\{([a-z_]+)\}`)
	parenTokenRe = regexp.MustCompile(`\(([a-z_]+)\)`)
	hashCheckRe  = regexp.MustCompile(`#([a-z]+)#`)
)

// ValidateTemplate extracts every placeholder token and rejects templates
// containing unsupported ones. Templates without placeholders are valid.
func ValidateTemplate(tmpl string) error {
	if strings.TrimSpace(tmpl) == "" {
		return &types.TemplateError{Template: tmpl, Err: types.ErrInvalidTemplate}
	}

	for _, m := range braceTokenRe.FindAllStringSubmatch(tmpl, -1) {
		if !supportedTokens[m[1]] {
			return &types.TemplateError{
				Template: tmpl,
				Token:    "{" + m[1] + "}",
				Err:      fmt.Errorf("unsupported placeholder: %w", types.ErrInvalidTemplate),
			}
		}
	}
	for _, m := range parenTokenRe.FindAllStringSubmatch(tmpl, -1) {
		if !supportedTokens[m[1]] {
			return &types.TemplateError{
				Template: tmpl,
				Token:    "(" + m[1] + ")",
				Err:      fmt.Errorf("unsupported placeholder: %w", types.ErrInvalidTemplate),
			}
		}
	}
	for _, m := range hashCheckRe.FindAllStringSubmatch(tmpl, -1) {
		if !supportedHashTokens[m[1]] {
			return &types.TemplateError{
				Template: tmpl,
				Token:    "#" + m[1] + "#",
				Err:      fmt.Errorf("unsupported placeholder: %w", types.ErrInvalidTemplate),
			}
		}
	}
	return nil
}
