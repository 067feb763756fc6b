package domain

import "context"

// Ledger is the durable dedup store keyed by (item, part).
// Writes are serialized by the implementation; reads may run concurrently.
// Every storage failure surfaces as ErrLedgerIO.
type Ledger interface {
	// Get returns the record for the key or ErrNotFound.
	Get(ctx context.Context, itemID int64, part int) (LedgerRecord, error)

	// Upsert inserts or replaces the record with the same key.
	Upsert(ctx context.Context, rec LedgerRecord) error

	// ListByItem returns every record of an item ordered by part.
	ListByItem(ctx context.Context, itemID int64) ([]LedgerRecord, error)

	// HasItem reports whether at least one part of the item is recorded.
	HasItem(ctx context.Context, itemID int64) (bool, error)

	// UpdateMetadata refreshes counters and flags of every part of an item.
	UpdateMetadata(ctx context.Context, u MetadataUpdate) error

	// MarkMetadataSynced stops further backfill attempts for an item.
	MarkMetadataSynced(ctx context.Context, itemID int64) error

	// PendingMetadata returns up to limit item ids awaiting backfill.
	PendingMetadata(ctx context.Context, limit int) ([]int64, error)

	// CountPendingMetadata returns how many items await backfill.
	CountPendingMetadata(ctx context.Context) (int, error)

	// Each visits every record in key order until fn returns an error.
	// fn may write to the ledger; whether records it writes are visited
	// again is unspecified.
	Each(ctx context.Context, fn func(LedgerRecord) error) error

	// List returns a page of records in key order.
	List(ctx context.Context, offset, limit int) ([]LedgerRecord, error)

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (LedgerStats, error)

	Close() error
}

// LedgerStats summarizes ledger contents.
type LedgerStats struct {
	Items           int `json:"items" yaml:"items"`
	Parts           int `json:"parts" yaml:"parts"`
	PendingMetadata int `json:"pending_metadata" yaml:"pending_metadata"`
}
