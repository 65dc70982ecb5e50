// Package alertstore implements the durable, queryable, deduplicated,
// status-tracked alert store (C3).
//
// Schema (BoltDB bucket layout, mirroring the teacher's baseline/ledger
// scheme in internal/storage/bolt.go):
//
//	/alerts
//	    key:   UUID string
//	    value: JSON-encoded Alert
//
//	/idx_category, /idx_severity, /idx_status, /idx_source
//	    Each is a bucket of nested buckets, one per field value
//	    ("cpu", "warning", "active", "system_monitor", ...). Each nested
//	    bucket's keys are "<created RFC3339Nano>_<uuid>" (unique per
//	    alert; RFC3339Nano drops trailing zeros, so key order is not
//	    strictly chronological and Query sorts by CreatedAt itself),
//	    mapping to the UUID as the value so a query never has to touch
//	    the primary /alerts bucket just to discover candidate IDs.
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Concurrency: the prepared-statement-cache mutex the teacher uses
// around BoltDB calls is replaced here by BoltDB's own single-writer
// transaction discipline (bbolt.Update serializes writers internally);
// the extra mu guards the Go-level read-then-write sequences (status
// transitions) that must appear atomic to other goroutines, per spec
// §4.3/§4.4 ("the load-then-modify window is covered by the store
// mutex").
package alertstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Severity enumerates alert severities, ordered least to most urgent.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category enumerates the alert source domains.
type Category string

const (
	CategoryCPU     Category = "cpu"
	CategoryMemory  Category = "memory"
	CategoryDisk    Category = "disk"
	CategoryService Category = "service"
	CategoryAPT     Category = "apt"
	CategoryCVE     Category = "cve"
	CategorySystem  Category = "system"
)

// Status enumerates the alert lifecycle states.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusDismissed    Status = "dismissed"
)

// Alert is the persisted record described in spec.md §3.
type Alert struct {
	ID             string     `json:"id"`
	Severity       Severity   `json:"severity"`
	Category       Category   `json:"category"`
	Source         string     `json:"source"`
	Message        string     `json:"message"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         Status     `json:"status"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	DismissedAt    *time.Time `json:"dismissed_at,omitempty"`
}

// DedupKey derives the identity tuple used to collapse repeated alerts
// (spec §3 "Dedup key").
func (a Alert) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Category, a.Severity, a.Source, a.Message)
}

const (
	bucketAlerts      = "alerts"
	bucketIdxCategory = "idx_category"
	bucketIdxSeverity = "idx_severity"
	bucketIdxStatus   = "idx_status"
	bucketIdxSource   = "idx_source"
	bucketMeta        = "meta"

	schemaVersion = "1"
)

var topLevelBuckets = []string{
	bucketAlerts, bucketIdxCategory, bucketIdxSeverity, bucketIdxStatus, bucketIdxSource, bucketMeta,
}

// Store wraps a BoltDB instance with typed accessors for alerts.
// Exclusively owned by a single AlertManager (spec §3 Ownership).
type Store struct {
	mu sync.Mutex
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path, falling back to
// $HOME/.sentineld/alerts.db if the configured directory is not
// writable (spec §4.3 Fallback; Open Question (a) resolved in
// DESIGN.md — exactly two attempts, deterministic).
func Open(path string) (*Store, error) {
	s, err := openAt(path)
	if err == nil {
		return s, nil
	}
	fallback, ferr := fallbackPath()
	if ferr != nil {
		return nil, fmt.Errorf("alertstore: open %q failed (%w) and no fallback available (%v)", path, err, ferr)
	}
	s, ferr = openAt(fallback)
	if ferr != nil {
		return nil, fmt.Errorf("alertstore: open %q failed (%w); fallback %q also failed: %v", path, err, fallback, ferr)
	}
	return s, nil
}

func fallbackPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sentineld", "alerts.db"), nil
}

func openAt(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", dir, err)
		}
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &Store{db: bdb}
	if err := s.init(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(time.RFC3339Nano), id))
}

func (s *Store) putIndices(tx *bolt.Tx, a Alert) error {
	entries := []struct {
		bucket string
		value  string
	}{
		{bucketIdxCategory, string(a.Category)},
		{bucketIdxSeverity, string(a.Severity)},
		{bucketIdxStatus, string(a.Status)},
		{bucketIdxSource, a.Source},
	}
	for _, e := range entries {
		top := tx.Bucket([]byte(e.bucket))
		sub, err := top.CreateBucketIfNotExists([]byte(e.value))
		if err != nil {
			return err
		}
		if err := sub.Put(indexKey(a.CreatedAt, a.ID), []byte(a.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteIndices(tx *bolt.Tx, a Alert) error {
	entries := []struct {
		bucket string
		value  string
	}{
		{bucketIdxCategory, string(a.Category)},
		{bucketIdxSeverity, string(a.Severity)},
		{bucketIdxStatus, string(a.Status)},
		{bucketIdxSource, a.Source},
	}
	for _, e := range entries {
		top := tx.Bucket([]byte(e.bucket))
		sub := top.Bucket([]byte(e.value))
		if sub == nil {
			continue
		}
		if err := sub.Delete(indexKey(a.CreatedAt, a.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Insert writes a new alert. Returns an error if an alert with the same
// ID already exists.
func (s *Store) Insert(a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alertstore: marshal: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		if b.Get([]byte(a.ID)) != nil {
			return fmt.Errorf("alertstore: alert %s already exists", a.ID)
		}
		if err := b.Put([]byte(a.ID), data); err != nil {
			return err
		}
		return s.putIndices(tx, a)
	})
}

// Get retrieves an alert by UUID. Returns (nil, nil) if not found.
func (s *Store) Get(id string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		out = &a
		return nil
	})
	return out, err
}

// Filter selects alerts by optional fields. A zero value for a field
// means "don't filter on it". By default dismissed alerts are excluded
// unless IncludeDismissed is set (spec §4.3/§8).
type Filter struct {
	Severity         Severity
	Category         Category
	Status           Status
	Source           string
	IncludeDismissed bool
}

// Query returns matching alerts ordered by creation time descending.
func (s *Store) Query(f Filter) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		ids, scoped, err := s.candidateIDs(tx, f)
		if err != nil {
			return err
		}

		b := tx.Bucket([]byte(bucketAlerts))
		emit := func(id string) error {
			data := b.Get([]byte(id))
			if data == nil {
				return nil
			}
			var a Alert
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if !matches(a, f) {
				return nil
			}
			out = append(out, a)
			return nil
		}

		if scoped {
			for _, id := range ids {
				if err := emit(id); err != nil {
					return err
				}
			}
			return nil
		}

		return b.ForEach(func(k, _ []byte) error {
			return emit(string(k))
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// candidateIDs picks one configured index to scan first, in the fixed
// preference order status, category, severity, source, avoiding a
// full-bucket scan whenever any filter field is set.
func (s *Store) candidateIDs(tx *bolt.Tx, f Filter) ([]string, bool, error) {
	type indexed struct {
		bucket string
		value  string
	}
	var pick *indexed
	switch {
	case f.Status != "":
		pick = &indexed{bucketIdxStatus, string(f.Status)}
	case f.Category != "":
		pick = &indexed{bucketIdxCategory, string(f.Category)}
	case f.Severity != "":
		pick = &indexed{bucketIdxSeverity, string(f.Severity)}
	case f.Source != "":
		pick = &indexed{bucketIdxSource, f.Source}
	default:
		return nil, false, nil
	}

	top := tx.Bucket([]byte(pick.bucket))
	sub := top.Bucket([]byte(pick.value))
	if sub == nil {
		return nil, true, nil
	}
	var ids []string
	err := sub.ForEach(func(_, v []byte) error {
		ids = append(ids, string(v))
		return nil
	})
	return ids, true, err
}

func matches(a Alert, f Filter) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Source != "" && a.Source != f.Source {
		return false
	}
	if a.Status == StatusDismissed && f.Status == "" && !f.IncludeDismissed {
		return false
	}
	return true
}

// UpdateStatus transitions a single alert to newStatus, stamping the
// appropriate timestamp field, and keeps the status index consistent.
// Returns an error if the alert does not exist.
func (s *Store) UpdateStatus(id string, newStatus Status, at time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated Alert
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("alertstore: alert %s not found", id)
		}
		var a Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}

		statusIdx := tx.Bucket([]byte(bucketIdxStatus))
		if oldSub := statusIdx.Bucket([]byte(a.Status)); oldSub != nil {
			_ = oldSub.Delete(indexKey(a.CreatedAt, a.ID))
		}

		a.Status = newStatus
		switch newStatus {
		case StatusAcknowledged:
			t := at
			a.AcknowledgedAt = &t
		case StatusDismissed:
			t := at
			a.DismissedAt = &t
		}

		newSub, err := statusIdx.CreateBucketIfNotExists([]byte(newStatus))
		if err != nil {
			return err
		}
		if err := newSub.Put(indexKey(a.CreatedAt, a.ID), []byte(a.ID)); err != nil {
			return err
		}

		newData, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), newData); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateStatusBulk transitions every alert currently in fromStatus to
// toStatus, stamping at as the transition timestamp. Returns the list
// of updated alerts (spec §4.4 AcknowledgeAll / §8 Open Question (b):
// the caller applies the matching counter changes for the returned
// rows after this call returns; this store's mutex is not held then).
func (s *Store) UpdateStatusBulk(fromStatus, toStatus Status, at time.Time) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated []Alert
	err := s.db.Update(func(tx *bolt.Tx) error {
		statusIdx := tx.Bucket([]byte(bucketIdxStatus))
		fromSub := statusIdx.Bucket([]byte(fromStatus))
		if fromSub == nil {
			return nil
		}
		var ids []string
		if err := fromSub.ForEach(func(_, v []byte) error {
			ids = append(ids, string(v))
			return nil
		}); err != nil {
			return err
		}

		b := tx.Bucket([]byte(bucketAlerts))
		toSub, err := statusIdx.CreateBucketIfNotExists([]byte(toStatus))
		if err != nil {
			return err
		}

		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var a Alert
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if err := fromSub.Delete(indexKey(a.CreatedAt, a.ID)); err != nil {
				return err
			}

			a.Status = toStatus
			switch toStatus {
			case StatusAcknowledged:
				t := at
				a.AcknowledgedAt = &t
			case StatusDismissed:
				t := at
				a.DismissedAt = &t
			}
			if err := toSub.Put(indexKey(a.CreatedAt, a.ID), []byte(a.ID)); err != nil {
				return err
			}

			newData, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), newData); err != nil {
				return err
			}
			updated = append(updated, a)
		}
		return nil
	})
	return updated, err
}

// CountBySeverity returns the count of alerts per severity whose status
// is not excludeStatus (pass "" to count all statuses).
func (s *Store) CountBySeverity(excludeStatus Status) (map[Severity]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[Severity]int{
		SeverityInfo: 0, SeverityWarning: 0, SeverityError: 0, SeverityCritical: 0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		return b.ForEach(func(_, v []byte) error {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if excludeStatus != "" && a.Status == excludeStatus {
				return nil
			}
			counts[a.Severity]++
			return nil
		})
	})
	return counts, err
}

// DeleteOlderThan removes every alert created before cutoff, regardless
// of status (spec §3 Retention window), and keeps all indices
// consistent.
func (s *Store) DeleteOlderThan(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAlerts))
		var toDelete []Alert
		if err := b.ForEach(func(_, v []byte) error {
			var a Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, a)
			}
			return nil
		}); err != nil {
			return err
		}

		for _, a := range toDelete {
			if err := b.Delete([]byte(a.ID)); err != nil {
				return err
			}
			if err := s.deleteIndices(tx, a); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
