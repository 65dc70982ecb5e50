// Package alerts implements the AlertManager (C4): a façade over
// alertstore.Store that adds deduplication, atomic severity counters,
// and change callbacks.
//
// The dedup-key set is guarded by its own mutex, separate from the
// store's internal mutex, following the same separation-of-concerns
// the teacher applies between its escalation state machine's mutex and
// its storage layer's mutex: a caller computing a dedup key never needs
// to hold the store lock, and a store operation never needs to know
// about dedup keys.
package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sujay-d07/sentineld/internal/alertstore"
)

// Counters holds the five atomic-by-convention counters described in
// spec §4.4. They are protected by Manager's counterMu rather than
// sync/atomic, because severity counters must be read and updated as a
// consistent group (acknowledge/dismiss move one unit between "active"
// and "resolved" conceptually, but the invariant total == sum(per
// severity) must never be observable as violated).
type Counters struct {
	Info     int
	Warning  int
	Error    int
	Critical int
	Total    int
}

// Snapshot renders the counters as a plain map keyed by severity name
// plus "total", for JSON serialization over the IPC surface.
func (c Counters) Snapshot() map[string]int {
	return map[string]int{
		"info":     c.Info,
		"warning":  c.Warning,
		"error":    c.Error,
		"critical": c.Critical,
		"total":    c.Total,
	}
}

func (c *Counters) delta(sev alertstore.Severity, n int) {
	switch sev {
	case alertstore.SeverityInfo:
		c.Info += n
	case alertstore.SeverityWarning:
		c.Warning += n
	case alertstore.SeverityError:
		c.Error += n
	case alertstore.SeverityCritical:
		c.Critical += n
	}
	c.Total += n
}

// ChangeFunc is invoked after a successful alert creation, outside the
// store's mutex.
type ChangeFunc func(alertstore.Alert)

// Manager is the process-wide façade over a Store (spec §3 Ownership:
// "exactly one AlertManager owns the AlertStore for the process
// lifetime").
type Manager struct {
	store *alertstore.Store

	dedupMu sync.Mutex
	dedup   map[string]string // dedup key -> alert UUID

	counterMu sync.Mutex
	counters  Counters

	subMu sync.Mutex
	subs  []ChangeFunc

	now func() time.Time
}

// New constructs a Manager over an already-open store and seeds its
// counters and dedup set by scanning currently-active rows (spec §4.4
// "seeded at startup by scanning active rows by severity").
func New(store *alertstore.Store) (*Manager, error) {
	m := &Manager{
		store: store,
		dedup: make(map[string]string),
		now:   time.Now,
	}

	active, err := store.Query(alertstore.Filter{Status: alertstore.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("alerts: seed scan failed: %w", err)
	}
	for _, a := range active {
		m.counters.delta(a.Severity, 1)
		m.dedup[a.DedupKey()] = a.ID
	}
	return m, nil
}

// OnChange registers a callback invoked after every successfully
// inserted (non-suppressed) alert.
func (m *Manager) OnChange(cb ChangeFunc) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subs = append(m.subs, cb)
}

func (m *Manager) notify(a alertstore.Alert) {
	m.subMu.Lock()
	subs := append([]ChangeFunc(nil), m.subs...)
	m.subMu.Unlock()
	for _, s := range subs {
		s(a)
	}
}

// NewAlert is the caller-supplied content for CreateAlert; ID, Status,
// and CreatedAt are assigned by the manager.
type NewAlert struct {
	Severity    alertstore.Severity
	Category    alertstore.Category
	Source      string
	Message     string
	Description string
}

// CreateAlert computes the dedup key for n from its own fields and
// delegates to CreateAlertWithKey. This is the path used by callers
// that have no notion of a stable domain key of their own (e.g. IPC
// handlers raising a one-off alert).
func (m *Manager) CreateAlert(n NewAlert) (*alertstore.Alert, error) {
	key := (alertstore.Alert{
		Severity: n.Severity, Category: n.Category, Source: n.Source, Message: n.Message,
	}).DedupKey()
	return m.CreateAlertWithKey(key, n)
}

// CreateAlertWithKey either suppresses n (an active alert already holds
// key) or persists it, bumps counters, and fires change callbacks.
// Returns (nil, nil) on suppression — not an error, per spec §4.4
// "suppress and return empty".
//
// Exposing the key explicitly (rather than always deriving it from
// alert content) is what lets SystemMonitor manage the "critical"/
// "warning" key pair per metric domain independently of message text
// (spec §4.9: downgrading from critical to warning must erase the
// critical key even though the two alerts' messages differ).
func (m *Manager) CreateAlertWithKey(key string, n NewAlert) (*alertstore.Alert, error) {
	m.dedupMu.Lock()
	if _, exists := m.dedup[key]; exists {
		m.dedupMu.Unlock()
		return nil, nil
	}
	// Reserve the key before releasing the lock so a concurrent
	// CreateAlertWithKey with the same key suppresses instead of racing
	// to insert a duplicate row.
	m.dedup[key] = ""
	m.dedupMu.Unlock()

	candidate := alertstore.Alert{
		ID:          uuid.NewString(),
		Severity:    n.Severity,
		Category:    n.Category,
		Source:      n.Source,
		Message:     n.Message,
		Description: n.Description,
		CreatedAt:   m.now().UTC(),
		Status:      alertstore.StatusActive,
	}

	if err := m.store.Insert(candidate); err != nil {
		m.dedupMu.Lock()
		delete(m.dedup, key)
		m.dedupMu.Unlock()
		return nil, fmt.Errorf("alerts: insert failed: %w", err)
	}

	m.dedupMu.Lock()
	m.dedup[key] = candidate.ID
	m.dedupMu.Unlock()

	m.counterMu.Lock()
	m.counters.delta(candidate.Severity, 1)
	m.counterMu.Unlock()

	m.notify(candidate)
	return &candidate, nil
}

// EraseKey removes key from the active dedup set, allowing a future
// CreateAlertWithKey(key, ...) to fire again (spec §4.9 recovery/
// downgrade behavior), and auto-acknowledges whatever stored alert that
// key last pointed to. Without this, a downgrade or recovery would
// free the key to re-fire while leaving the stale alert row active
// forever, violating the "at most one active alert per tuple"
// invariant (spec §8 scenario 4).
func (m *Manager) EraseKey(key string) {
	m.dedupMu.Lock()
	id, existed := m.dedup[key]
	delete(m.dedup, key)
	m.dedupMu.Unlock()

	if !existed || id == "" {
		return
	}

	// Only auto-acknowledge if the alert is still active: it may already
	// have been acknowledged or dismissed by a concurrent IPC call, or
	// deleted by CleanupOlderThan, in which case transition() would
	// otherwise overwrite that outcome.
	existing, err := m.store.Get(id)
	if err != nil || existing == nil || existing.Status != alertstore.StatusActive {
		return
	}
	_, _ = m.transition(id, alertstore.StatusAcknowledged)
}

func (m *Manager) transition(id string, newStatus alertstore.Status) (*alertstore.Alert, error) {
	existing, err := m.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("alerts: lookup %s: %w", id, err)
	}
	if existing == nil {
		return nil, fmt.Errorf("alerts: alert %s not found", id)
	}
	wasActive := existing.Status == alertstore.StatusActive

	updated, err := m.store.UpdateStatus(id, newStatus, m.now().UTC())
	if err != nil {
		return nil, err
	}

	if wasActive {
		m.counterMu.Lock()
		m.counters.delta(updated.Severity, -1)
		m.counterMu.Unlock()

		m.dedupMu.Lock()
		for k, v := range m.dedup {
			if v == id {
				delete(m.dedup, k)
			}
		}
		m.dedupMu.Unlock()
	}
	return updated, nil
}

// Acknowledge transitions an alert to acknowledged, decrementing
// counters if it was active, and frees its dedup key so a future
// identical condition raises a fresh alert.
func (m *Manager) Acknowledge(id string) (*alertstore.Alert, error) {
	return m.transition(id, alertstore.StatusAcknowledged)
}

// Dismiss transitions an alert to dismissed.
func (m *Manager) Dismiss(id string) (*alertstore.Alert, error) {
	return m.transition(id, alertstore.StatusDismissed)
}

// AcknowledgeAll transitions every currently-active alert to
// acknowledged in one bulk store operation, then decrements the
// counters for exactly those rows in a single counterMu critical
// section (the store's mutex is not held for that step), returning the
// number of rows changed (spec §4.4, §8 Open Question (b)).
func (m *Manager) AcknowledgeAll() (int, error) {
	at := m.now().UTC()
	updated, err := m.store.UpdateStatusBulk(alertstore.StatusActive, alertstore.StatusAcknowledged, at)
	if err != nil {
		return 0, err
	}

	m.counterMu.Lock()
	for _, a := range updated {
		m.counters.delta(a.Severity, -1)
	}
	m.counterMu.Unlock()

	acked := make(map[string]bool, len(updated))
	for _, a := range updated {
		acked[a.ID] = true
	}
	m.dedupMu.Lock()
	for k, id := range m.dedup {
		if acked[id] {
			delete(m.dedup, k)
		}
	}
	m.dedupMu.Unlock()

	return len(updated), nil
}

// Counters returns a snapshot of the current severity counters.
func (m *Manager) Counters() Counters {
	m.counterMu.Lock()
	defer m.counterMu.Unlock()
	return m.counters
}

// Query delegates to the underlying store.
func (m *Manager) Query(f alertstore.Filter) ([]alertstore.Alert, error) {
	return m.store.Query(f)
}

// Get delegates to the underlying store.
func (m *Manager) Get(id string) (*alertstore.Alert, error) {
	return m.store.Get(id)
}

// CleanupOlderThan deletes alerts whose creation time is older than
// now-h, and reconciles in-memory counters/dedup state for any deleted
// rows that were still active.
func (m *Manager) CleanupOlderThan(h time.Duration) (int, error) {
	cutoff := m.now().UTC().Add(-h)

	stale, err := m.store.Query(alertstore.Filter{IncludeDismissed: true})
	if err != nil {
		return 0, fmt.Errorf("alerts: cleanup scan failed: %w", err)
	}

	deleted, err := m.store.DeleteOlderThan(cutoff)
	if err != nil {
		return deleted, err
	}

	m.counterMu.Lock()
	m.dedupMu.Lock()
	for _, a := range stale {
		if a.CreatedAt.Before(cutoff) {
			if a.Status == alertstore.StatusActive {
				m.counters.delta(a.Severity, -1)
			}
			for k, id := range m.dedup {
				if id == a.ID {
					delete(m.dedup, k)
				}
			}
		}
	}
	m.dedupMu.Unlock()
	m.counterMu.Unlock()

	return deleted, nil
}
