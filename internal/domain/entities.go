package domain

import (
	"fmt"
	"time"
)

// Scope selects which bookmark listing(s) a walk reads.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopePrivate Scope = "private"
	ScopeBoth    Scope = "both"
)

// Listings expands a scope into the remote listings it covers, in walk order.
func (s Scope) Listings() ([]Scope, error) {
	switch s {
	case ScopePublic, ScopePrivate:
		return []Scope{s}, nil
	case ScopeBoth:
		return []Scope{ScopePublic, ScopePrivate}, nil
	default:
		return nil, fmt.Errorf("%w: scope must be public, private or both (got %q)", ErrInvalidConfig, s)
	}
}

// ItemDescriptor is one bookmarked work as read from the remote listing.
// Everything except the counters is treated as immutable.
type ItemDescriptor struct {
	ID            int64
	Title         string
	Author        string
	AuthorID      int64
	Tags          []string
	BookmarkCount int
	ViewCount     int
	Restricted    bool // R-18 / x_restrict
	AIGenerated   bool
	CreatedAt     time.Time
	BookmarkedAt  time.Time // zero when the listing does not report it
	Scope         Scope     // listing the item was read from
	Parts         []PartRef
}

// Part returns the PartRef with the given index.
func (d ItemDescriptor) Part(index int) (PartRef, bool) {
	for _, p := range d.Parts {
		if p.Index == index {
			return p, true
		}
	}
	return PartRef{}, false
}

// Summary returns the short description used in job results.
func (d ItemDescriptor) Summary() *ItemSummary {
	s := &ItemSummary{
		ID:     d.ID,
		Title:  d.Title,
		Author: d.Author,
		URL:    fmt.Sprintf("https://www.pixiv.net/artworks/%d", d.ID),
	}
	if !d.BookmarkedAt.IsZero() {
		t := d.BookmarkedAt
		s.BookmarkedAt = &t
	}
	return s
}

// PartRef is a single downloadable file of an item.
type PartRef struct {
	ItemID int64
	Index  int    // 0-based page index
	URL    string // remote content URL
	Ext    string // file extension including the leading dot
	Width  int
	Height int
}

// PartKey is the ledger's dedup key.
type PartKey struct {
	ItemID int64
	Part   int
}

func (k PartKey) String() string {
	return fmt.Sprintf("%d_p%d", k.ItemID, k.Part)
}

// Key returns the dedup key of the part.
func (p PartRef) Key() PartKey {
	return PartKey{ItemID: p.ItemID, Part: p.Index}
}

// LedgerRecord is the durable fact that a part has been materialized locally.
type LedgerRecord struct {
	ItemID         int64     `json:"item_id"`
	Part           int       `json:"part"`
	Path           string    `json:"path"` // relative to the download root
	Title          string    `json:"title"`
	Author         string    `json:"author"`
	DownloadedAt   time.Time `json:"downloaded_at"`
	Tags           []string  `json:"tags"`
	BookmarkCount  int       `json:"bookmark_count"`
	ViewCount      int       `json:"view_count"`
	Restricted     bool      `json:"restricted"`
	AIGenerated    bool      `json:"ai_generated"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
	BookmarkedAt   time.Time `json:"bookmarked_at,omitzero"`
	MetadataSynced bool      `json:"metadata_synced"`
}

// Key returns the dedup key of the record.
func (r LedgerRecord) Key() PartKey {
	return PartKey{ItemID: r.ItemID, Part: r.Part}
}

// NewLedgerRecord builds the record committed after a successful download.
func NewLedgerRecord(d ItemDescriptor, p PartRef, path string, at time.Time) LedgerRecord {
	return LedgerRecord{
		ItemID:         d.ID,
		Part:           p.Index,
		Path:           path,
		Title:          d.Title,
		Author:         d.Author,
		DownloadedAt:   at.UTC(),
		Tags:           append([]string(nil), d.Tags...),
		BookmarkCount:  d.BookmarkCount,
		ViewCount:      d.ViewCount,
		Restricted:     d.Restricted,
		AIGenerated:    d.AIGenerated,
		CreatedAt:      d.CreatedAt.UTC(),
		BookmarkedAt:   d.BookmarkedAt.UTC(),
		MetadataSynced: true,
	}
}

// MetadataUpdate carries refreshed counters and flags for every part of an item.
type MetadataUpdate struct {
	ItemID        int64
	Tags          []string
	BookmarkCount int
	ViewCount     int
	Restricted    bool
	AIGenerated   bool
	CreatedAt     time.Time
}

// MetadataUpdateFrom extracts the refreshable fields of a descriptor.
func MetadataUpdateFrom(d ItemDescriptor) MetadataUpdate {
	return MetadataUpdate{
		ItemID:        d.ID,
		Tags:          append([]string(nil), d.Tags...),
		BookmarkCount: d.BookmarkCount,
		ViewCount:     d.ViewCount,
		Restricted:    d.Restricted,
		AIGenerated:   d.AIGenerated,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}

// Differs reports whether applying u to r would change it.
func (u MetadataUpdate) Differs(r LedgerRecord) bool {
	if u.BookmarkCount != r.BookmarkCount || u.ViewCount != r.ViewCount ||
		u.Restricted != r.Restricted || u.AIGenerated != r.AIGenerated {
		return true
	}
	if len(u.Tags) != len(r.Tags) {
		return true
	}
	for i := range u.Tags {
		if u.Tags[i] != r.Tags[i] {
			return true
		}
	}
	return false
}

// Session is an authenticated handle on the remote service.
type Session struct {
	AccessToken  string
	RefreshToken string // rotated credential, empty if unchanged
	UserID       int64
	UserName     string
	ExpiresAt    time.Time
}

// CycleOutcome aggregates the counters of one pipeline run.
type CycleOutcome struct {
	Scanned    int `json:"scanned" yaml:"scanned"`
	Downloaded int `json:"downloaded" yaml:"downloaded"`
	Skipped    int `json:"skipped" yaml:"skipped"`
	Failed     int `json:"failed" yaml:"failed"`
	Recovered  int `json:"recovered" yaml:"recovered"` // files found on disk without a record and committed
}

// CycleRecord describes one sync cycle.
type CycleRecord struct {
	Number     int          `json:"number" yaml:"number"`
	Reason     string       `json:"reason" yaml:"reason"`
	StartedAt  time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
	Error      string       `json:"error,omitempty" yaml:"error,omitempty"`
	Outcome    CycleOutcome `json:"outcome" yaml:"outcome"`
	Backfilled int          `json:"backfilled" yaml:"backfilled"`
}

// InFlight reports whether the cycle has not finished yet.
func (c CycleRecord) InFlight() bool {
	return c.FinishedAt.IsZero()
}

// ItemSummary is a short, display-oriented description of an item.
type ItemSummary struct {
	ID           int64      `json:"id" yaml:"id"`
	Title        string     `json:"title" yaml:"title"`
	Author       string     `json:"author" yaml:"author"`
	BookmarkedAt *time.Time `json:"bookmarked_at,omitempty" yaml:"bookmarked_at,omitempty"`
	URL          string     `json:"url" yaml:"url"`
}
