package types

import (
	"strings"
	"time"
)

// Domain is one entry of the ranked domain list.
type Domain struct {
	// ID is the storage row identifier.
	ID int64 `json:"id"`

	// Name is the registered domain, unique and lowercase.
	Name string `json:"domain"`

	// Rank orders scanning priority; lower means more important.
	Rank int `json:"rank"`

	// FirstSeenAt is when the domain first appeared in an ingested list.
	FirstSeenAt time.Time `json:"first_seen_at"`

	// LastSeenInCSVAt is the most recent ingestion that contained the domain.
	LastSeenInCSVAt time.Time `json:"last_seen_in_csv_at"`

	// HasBeenScanned marks domains already covered by an incremental scan.
	HasBeenScanned bool `json:"has_been_scanned"`
}

// NewDomain creates a Domain with the name normalized to lowercase.
func NewDomain(name string, rank int) *Domain {
	now := time.Now().UTC()
	return &Domain{
		Name:            strings.ToLower(strings.TrimSpace(name)),
		Rank:            rank,
		FirstSeenAt:     now,
		LastSeenInCSVAt: now,
	}
}
