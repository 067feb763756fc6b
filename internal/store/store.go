// Package store provides the durable download ledger.
package store

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// Drivers accepted by Open
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// errStopScan ends a scan early without reporting an error
var errStopScan = errors.New("stop scan")

// Open creates the ledger for the named driver
func Open(driver, path string, logger *slog.Logger) (domain.Ledger, error) {
	switch driver {
	case "", DriverBolt:
		return NewBoltLedger(path, logger)
	case DriverSQLite:
		return NewSQLiteLedger(path, logger)
	default:
		return nil, fmt.Errorf("%w: unknown ledger driver: %s", domain.ErrInvalidConfig, driver)
	}
}

// applyMetadata copies refreshed counters and flags onto a record
func applyMetadata(rec *domain.LedgerRecord, u domain.MetadataUpdate) {
	rec.Tags = append([]string{}, u.Tags...)
	rec.BookmarkCount = u.BookmarkCount
	rec.ViewCount = u.ViewCount
	rec.Restricted = u.Restricted
	rec.AIGenerated = u.AIGenerated
	if !u.CreatedAt.IsZero() {
		rec.CreatedAt = u.CreatedAt
	}
}
