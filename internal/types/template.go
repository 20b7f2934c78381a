package types

import (
	"fmt"
	"strings"
	"time"
)

// PathTemplate is a named URL template plus the filter policy applied to
// 200 responses produced from it. Filters are looked up by exact string
// equality of the template source, so the policy follows the template a
// URL was materialized from.
type PathTemplate struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Template    string `json:"template"`
	Description string `json:"description,omitempty"`

	// ExpectedContentType is a substring matched against the response
	// Content-Type. Empty disables the content-type filter.
	ExpectedContentType string `json:"expected_content_type,omitempty"`

	// ExcludeContentType inverts the match: when true, responses whose
	// Content-Type contains the substring are rejected instead of kept.
	ExcludeContentType bool `json:"exclude_content_type"`

	// MinSize is the smallest acceptable Content-Length in bytes.
	MinSize int64 `json:"min_size"`

	// MaxSize, when set, is the largest acceptable Content-Length.
	MaxSize *int64 `json:"max_size,omitempty"`

	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the filter invariants.
func (p *PathTemplate) Validate() error {
	if strings.TrimSpace(p.Template) == "" {
		return fmt.Errorf("template must not be empty")
	}
	if p.MinSize < 0 {
		return fmt.Errorf("min_size must be >= 0, got %d", p.MinSize)
	}
	if p.MaxSize != nil && *p.MaxSize < p.MinSize {
		return fmt.Errorf("max_size %d is smaller than min_size %d", *p.MaxSize, p.MinSize)
	}
	return nil
}

// AcceptsContentType applies the content-type filter to a response header
// value. Unknown content types always pass; the filter cannot reject what
// it cannot see.
func (p *PathTemplate) AcceptsContentType(contentType string) bool {
	if p.ExpectedContentType == "" || contentType == "" {
		return true
	}
	contains := strings.Contains(contentType, p.ExpectedContentType)
	if p.ExcludeContentType {
		return !contains
	}
	return contains
}

// AcceptsSize applies the size filter. A nil size (unknown Content-Length)
// bypasses the checks.
func (p *PathTemplate) AcceptsSize(size *int64) bool {
	if size == nil {
		return true
	}
	if *size < p.MinSize {
		return false
	}
	if p.MaxSize != nil && *size > *p.MaxSize {
		return false
	}
	return true
}
