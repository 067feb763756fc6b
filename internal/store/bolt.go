package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
)

var keySchemaVersion = []byte("schema_version")

// boltSchemaVersion is bumped whenever LedgerRecord gains fields.
// Version 2 added metadata columns; older records decode with them zeroed
// and are marked for backfill.
const boltSchemaVersion = 2

// defaultCacheLimit bounds the record cache of a file-backed ledger
const defaultCacheLimit = 4096

// eachBatch is how many records Each reads per transaction
const eachBatch = 256

// recordKey sorts by item then part under byte ordering
func recordKey(itemID int64, part int) string {
	return fmt.Sprintf("%020d/%06d", itemID, part)
}

func itemPrefix(itemID int64) string {
	return fmt.Sprintf("%020d/", itemID)
}

// BoltLedger implements domain.Ledger using BoltDB.
type BoltLedger struct {
	db  *bolt.DB
	wmu sync.Mutex   // serializes writers
	mu  sync.RWMutex // protects memory cache

	// In-memory cache for hot-path reads (promoted on access).
	// In memory-only mode it is the whole ledger and never evicts.
	cache      map[string][]byte
	cacheLimit int

	logger *slog.Logger
}

var _ domain.Ledger = (*BoltLedger)(nil)

// NewBoltLedger opens the ledger at path. An empty path gives a
// memory-only ledger with no persistence.
func NewBoltLedger(path string, logger *slog.Logger) (*BoltLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &BoltLedger{cache: make(map[string][]byte), logger: logger}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, domain.LedgerError("mkdir", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, domain.LedgerError("open", fmt.Errorf("failed to open bolt db: %w", err))
	}

	l := &BoltLedger{db: db, cache: make(map[string][]byte), cacheLimit: defaultCacheLimit, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, domain.LedgerError("migrate", err)
	}
	return l, nil
}

// migrate creates buckets and rewrites records written by older versions.
// Records are re-encoded with defaults, never dropped.
func (l *BoltLedger) migrate() error {
	return l.db.Update(func(tx *bolt.Tx) error {
		records, err := tx.CreateBucketIfNotExists(bucketRecords)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}

		version := 0
		if v := meta.Get(keySchemaVersion); v != nil {
			version, _ = strconv.Atoi(string(v))
		}
		if version >= boltSchemaVersion {
			return nil
		}

		type rewrite struct{ k, v []byte }
		var pending []rewrite
		err = records.ForEach(func(k, v []byte) error {
			var rec domain.LedgerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			if rec.Tags == nil {
				rec.Tags = []string{}
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pending = append(pending, rewrite{k: append([]byte(nil), k...), v: data})
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range pending {
			if err := records.Put(r.k, r.v); err != nil {
				return err
			}
		}

		if version > 0 || len(pending) > 0 {
			l.logger.Info("ledger schema migrated", "from", version, "to", boltSchemaVersion, "records", len(pending))
		}
		return meta.Put(keySchemaVersion, []byte(strconv.Itoa(boltSchemaVersion)))
	})
}

func (l *BoltLedger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// === Generic helpers ===

func (l *BoltLedger) get(key string) ([]byte, error) {
	// Check memory cache first
	l.mu.RLock()
	if data, ok := l.cache[key]; ok {
		l.mu.RUnlock()
		return data, nil
	}
	l.mu.RUnlock()

	if l.db == nil {
		return nil, nil
	}

	// Read from BoltDB
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRecords).Get([]byte(key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}

	// Promote to memory cache
	l.mu.Lock()
	l.cacheLocked(key, data)
	l.mu.Unlock()

	return data, nil
}

// putAll writes entries in one transaction, then refreshes the cache.
// Callers hold wmu.
func (l *BoltLedger) putAll(entries map[string][]byte) error {
	if l.db != nil {
		err := l.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketRecords)
			for k, v := range entries {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	for k, v := range entries {
		l.cacheLocked(k, v)
	}
	l.mu.Unlock()
	return nil
}

// cacheLocked stores v, evicting an arbitrary entry when a file-backed
// ledger's cache is full. Callers hold mu.
func (l *BoltLedger) cacheLocked(k string, v []byte) {
	if l.db != nil && l.cacheLimit > 0 {
		if _, ok := l.cache[k]; !ok && len(l.cache) >= l.cacheLimit {
			for old := range l.cache {
				delete(l.cache, old)
				break
			}
		}
	}
	l.cache[k] = v
}

// scan visits records whose key starts with prefix in key order
func (l *BoltLedger) scan(prefix string, fn func(k string, v []byte) error) error {
	if l.db == nil {
		l.mu.RLock()
		keys := make([]string, 0, len(l.cache))
		for k := range l.cache {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		values := make([][]byte, len(keys))
		for i, k := range keys {
			values[i] = l.cache[k]
		}
		l.mu.RUnlock()

		for i, k := range keys {
			if err := fn(k, values[i]); err != nil {
				return err
			}
		}
		return nil
	}

	return l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// mutateItem applies fn to every record of an item and stores those it changed
func (l *BoltLedger) mutateItem(itemID int64, fn func(*domain.LedgerRecord) bool) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	changed := make(map[string][]byte)
	err := l.scan(itemPrefix(itemID), func(k string, v []byte) error {
		var rec domain.LedgerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !fn(&rec) {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		changed[k] = data
		return nil
	})
	if err != nil || len(changed) == 0 {
		return err
	}
	return l.putAll(changed)
}

// === Records ===

func (l *BoltLedger) Get(ctx context.Context, itemID int64, part int) (domain.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerRecord{}, err
	}
	data, err := l.get(recordKey(itemID, part))
	if err != nil {
		return domain.LedgerRecord{}, domain.LedgerError("get", err)
	}
	if data == nil {
		return domain.LedgerRecord{}, fmt.Errorf("%w: %s", domain.ErrNotFound, domain.PartKey{ItemID: itemID, Part: part})
	}
	var rec domain.LedgerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.LedgerRecord{}, domain.LedgerError("decode", err)
	}
	return rec, nil
}

func (l *BoltLedger) Upsert(ctx context.Context, rec domain.LedgerRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return domain.LedgerError("encode", err)
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()
	return domain.LedgerError("upsert", l.putAll(map[string][]byte{recordKey(rec.ItemID, rec.Part): data}))
}

func (l *BoltLedger) ListByItem(ctx context.Context, itemID int64) ([]domain.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []domain.LedgerRecord
	err := l.scan(itemPrefix(itemID), func(_ string, v []byte) error {
		var rec domain.LedgerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, domain.LedgerError("list item", err)
	}
	return records, nil
}

func (l *BoltLedger) HasItem(ctx context.Context, itemID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := l.scan(itemPrefix(itemID), func(string, []byte) error {
		found = true
		return errStopScan
	})
	if err != nil && err != errStopScan {
		return false, domain.LedgerError("has item", err)
	}
	return found, nil
}

func (l *BoltLedger) UpdateMetadata(ctx context.Context, u domain.MetadataUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.mutateItem(u.ItemID, func(rec *domain.LedgerRecord) bool {
		if !u.Differs(*rec) && (u.CreatedAt.IsZero() || rec.CreatedAt.Equal(u.CreatedAt)) {
			return false
		}
		applyMetadata(rec, u)
		return true
	})
	return domain.LedgerError("update metadata", err)
}

func (l *BoltLedger) MarkMetadataSynced(ctx context.Context, itemID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := l.mutateItem(itemID, func(rec *domain.LedgerRecord) bool {
		if rec.MetadataSynced {
			return false
		}
		rec.MetadataSynced = true
		return true
	})
	return domain.LedgerError("mark synced", err)
}

func (l *BoltLedger) PendingMetadata(ctx context.Context, limit int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	var ids []int64
	err := l.each(func(rec domain.LedgerRecord) error {
		if rec.MetadataSynced {
			return nil
		}
		if n := len(ids); n > 0 && ids[n-1] == rec.ItemID {
			return nil
		}
		ids = append(ids, rec.ItemID)
		if len(ids) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, domain.LedgerError("pending metadata", err)
	}
	return ids, nil
}

func (l *BoltLedger) CountPendingMetadata(ctx context.Context) (int, error) {
	stats, err := l.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.PendingMetadata, nil
}

// Each reads records in batches, each in its own transaction, and calls fn
// between them, so fn may write to the ledger. Records written during the
// visit after their key was passed are not revisited.
func (l *BoltLedger) Each(ctx context.Context, fn func(domain.LedgerRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var cbErr error
	err := l.eachBatched(func(rec domain.LedgerRecord) error {
		if err := ctx.Err(); err != nil {
			cbErr = err
			return err
		}
		if err := fn(rec); err != nil {
			cbErr = err
			return err
		}
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	return domain.LedgerError("each", err)
}

// each decodes every record in key order. Inside a bolt View transaction,
// so fn must not write to the ledger.
func (l *BoltLedger) each(fn func(domain.LedgerRecord) error) error {
	return l.scan("", func(_ string, v []byte) error {
		var rec domain.LedgerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// eachBatched is each with fn called outside any transaction
func (l *BoltLedger) eachBatched(fn func(domain.LedgerRecord) error) error {
	if l.db == nil {
		// scan copies the memory cache before calling fn
		return l.each(fn)
	}

	var after []byte
	for {
		batch := make([]domain.LedgerRecord, 0, eachBatch)
		err := l.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketRecords).Cursor()
			k, v := c.First()
			if after != nil {
				k, v = c.Seek(after)
				if k != nil && bytes.Equal(k, after) {
					k, v = c.Next()
				}
			}
			for ; k != nil && len(batch) < eachBatch; k, v = c.Next() {
				var rec domain.LedgerRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("record %s: %w", k, err)
				}
				batch = append(batch, rec)
				after = append(after[:0], k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range batch {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(batch) < eachBatch {
			return nil
		}
	}
}

func (l *BoltLedger) List(ctx context.Context, offset, limit int) ([]domain.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []domain.LedgerRecord
	i := 0
	err := l.each(func(rec domain.LedgerRecord) error {
		if i++; i <= offset {
			return nil
		}
		records = append(records, rec)
		if limit > 0 && len(records) >= limit {
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, domain.LedgerError("list", err)
	}
	return records, nil
}

func (l *BoltLedger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.LedgerStats{}, err
	}
	var stats domain.LedgerStats
	var lastItem, lastPending int64 = -1, -1
	err := l.each(func(rec domain.LedgerRecord) error {
		stats.Parts++
		if rec.ItemID != lastItem {
			stats.Items++
			lastItem = rec.ItemID
		}
		if !rec.MetadataSynced && rec.ItemID != lastPending {
			stats.PendingMetadata++
			lastPending = rec.ItemID
		}
		return nil
	})
	if err != nil {
		return domain.LedgerStats{}, domain.LedgerError("stats", err)
	}
	return stats, nil
}
