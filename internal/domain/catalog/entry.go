package catalog

import (
	"fmt"
	"time"

	"github.com/corvusec/scanhive/pkg/common/uuid"
)

// Enrichment carries the opportunistic observations a stage may attach to an
// artifact. Fields are pointers because absence and zero are different
// things: a probe that saw no content length must not erase one recorded
// earlier.
type Enrichment struct {
	StatusCode    *int
	ContentType   *string
	ContentLength *int64
}

// IsZero reports whether no field is set.
func (e Enrichment) IsZero() bool {
	return e.StatusCode == nil && e.ContentType == nil && e.ContentLength == nil
}

// Merge applies the incoming observation: set fields overwrite, unset fields
// never erase. Returns true when anything changed.
func (e *Enrichment) Merge(in Enrichment) bool {
	changed := false
	if in.StatusCode != nil && (e.StatusCode == nil || *e.StatusCode != *in.StatusCode) {
		v := *in.StatusCode
		e.StatusCode = &v
		changed = true
	}
	if in.ContentType != nil && (e.ContentType == nil || *e.ContentType != *in.ContentType) {
		v := *in.ContentType
		e.ContentType = &v
		changed = true
	}
	if in.ContentLength != nil && (e.ContentLength == nil || *e.ContentLength != *in.ContentLength) {
		v := *in.ContentLength
		e.ContentLength = &v
		changed = true
	}
	return changed
}

// Live reports whether the enrichment marks the artifact as a responding web
// service. Used to select seeds for stages that only care about live hosts.
func (e Enrichment) Live() bool {
	return e.StatusCode != nil && *e.StatusCode < 400
}

// CatalogEntry is the deduplicated, durable record of one discovered
// artifact, keyed by (scope id, content hash).
type CatalogEntry struct {
	ScopeID          uuid.UUID
	ContentHash      string
	CanonicalValue   string
	FirstSeen        time.Time
	LastSeen         time.Time
	RediscoveryCount int
	DiscoveredBy     string
	Enrichment       Enrichment
}

// NewEntry normalizes a raw artifact into a first-observation entry.
func NewEntry(scopeID uuid.UUID, raw, discoveredBy string, observedAt time.Time, enrichment Enrichment) (CatalogEntry, error) {
	if scopeID == uuid.Nil {
		return CatalogEntry{}, fmt.Errorf("catalog entry: missing scope id")
	}

	canonical, hash, err := Normalize(raw)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("catalog entry: %w", err)
	}

	return CatalogEntry{
		ScopeID:          scopeID,
		ContentHash:      hash,
		CanonicalValue:   canonical,
		FirstSeen:        observedAt,
		LastSeen:         observedAt,
		RediscoveryCount: 1,
		DiscoveredBy:     discoveredBy,
		Enrichment:       enrichment,
	}, nil
}

// RecordRediscovery folds a repeat observation into the entry: the last-seen
// timestamp advances, the counter increments, and enrichment merges without
// erasing. FirstSeen and DiscoveredBy never change.
func (e *CatalogEntry) RecordRediscovery(at time.Time, enrichment Enrichment) {
	if at.After(e.LastSeen) {
		e.LastSeen = at
	}
	e.RediscoveryCount++
	e.Enrichment.Merge(enrichment)
}

// Validate checks the entry's invariants.
func (e CatalogEntry) Validate() error {
	if e.ScopeID == uuid.Nil {
		return fmt.Errorf("catalog entry: missing scope id")
	}
	if e.ContentHash == "" {
		return fmt.Errorf("catalog entry: missing content hash")
	}
	if e.CanonicalValue == "" {
		return fmt.Errorf("catalog entry: missing canonical value")
	}
	if e.RediscoveryCount < 1 {
		return fmt.Errorf("catalog entry %s: rediscovery count %d below one", e.ContentHash, e.RediscoveryCount)
	}
	if e.LastSeen.Before(e.FirstSeen) {
		return fmt.Errorf("catalog entry %s: last seen precedes first seen", e.ContentHash)
	}
	return nil
}
