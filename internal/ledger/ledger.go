// Package ledger owns the durable mapping from alarm user names to lock
// code slots. It is the only component that assigns or releases slots;
// everything else asks it.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrSlotsExhausted is returned by AllocateOrGet when every slot up to the
// configured maximum is already reserved.
var ErrSlotsExhausted = errors.New("no free lock slots")

// Ledger is the in-memory slot mapping with write-behind persistence.
// Reads and mutations are synchronous; disk writes happen on a dedicated
// writer goroutine so callers never wait on I/O.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]int
	maxSlot int
	store   Store
	logger  *zap.Logger

	persistCh chan struct{}
	done      chan struct{}
	writerWG  sync.WaitGroup
	closeOnce sync.Once
}

// New loads the persisted mapping (absent means empty) and starts the
// persistence writer. Entries with slots outside [1, maxSlot] or sharing a
// slot with an earlier entry are dropped with a warning rather than
// wedging startup on a corrupt store.
func New(store Store, maxSlot int, logger *zap.Logger) (*Ledger, error) {
	if maxSlot < 1 {
		return nil, fmt.Errorf("max slot must be at least 1, got %d", maxSlot)
	}

	logger = logger.Named("ledger")

	loaded, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load slot ledger: %w", err)
	}

	entries := make(map[string]int, len(loaded))
	used := make(map[int]string, len(loaded))

	// Sort names so duplicate-slot resolution is deterministic
	names := make([]string, 0, len(loaded))
	for name := range loaded {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		slot := loaded[name]
		if name == "" || slot < 1 || slot > maxSlot {
			logger.Warn("Dropping invalid ledger entry",
				zap.String("name", name), zap.Int("slot", slot))
			continue
		}
		if holder, taken := used[slot]; taken {
			logger.Warn("Dropping ledger entry with duplicate slot",
				zap.String("name", name), zap.Int("slot", slot),
				zap.String("held_by", holder))
			continue
		}
		entries[name] = slot
		used[slot] = name
	}

	l := &Ledger{
		entries:   entries,
		maxSlot:   maxSlot,
		store:     store,
		logger:    logger,
		persistCh: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	l.writerWG.Add(1)
	go l.writer()

	logger.Info("Slot ledger loaded", zap.Int("entries", len(entries)))
	return l, nil
}

// Slot returns the slot reserved for name, if any. Pure lookup.
func (l *Ledger) Slot(name string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.entries[name]
	return slot, ok
}

// AllocateOrGet returns the slot already reserved for name, or reserves the
// smallest unused slot in [1, maxSlot]. The smallest-gap scan makes the
// outcome independent of insertion order. A persist is requested before
// returning; ErrSlotsExhausted leaves the ledger untouched.
func (l *Ledger) AllocateOrGet(name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if slot, ok := l.entries[name]; ok {
		return slot, nil
	}

	used := make(map[int]bool, len(l.entries))
	for _, slot := range l.entries {
		used[slot] = true
	}

	for slot := 1; slot <= l.maxSlot; slot++ {
		if !used[slot] {
			l.entries[name] = slot
			l.requestPersist()
			l.logger.Debug("Allocated slot",
				zap.String("name", name), zap.Int("slot", slot))
			return slot, nil
		}
	}

	return 0, ErrSlotsExhausted
}

// Release removes the reservation for name. Releasing an unknown name is a
// no-op; a revoke can arrive for a name that was never allocated.
func (l *Ledger) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[name]; !ok {
		return
	}

	delete(l.entries, name)
	l.requestPersist()
	l.logger.Debug("Released slot reservation", zap.String("name", name))
}

// Entries returns a copy of the current mapping
func (l *Ledger) Entries() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make(map[string]int, len(l.entries))
	for name, slot := range l.entries {
		copied[name] = slot
	}
	return copied
}

// Len returns the number of reserved slots
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// requestPersist nudges the writer. The channel holds one pending nudge, so
// a burst of mutations coalesces into a single write and at most one write
// is ever outstanding. Callers must hold l.mu.
func (l *Ledger) requestPersist() {
	select {
	case l.persistCh <- struct{}{}:
	default:
	}
}

// writer is the single goroutine that touches the store's write path
func (l *Ledger) writer() {
	defer l.writerWG.Done()

	for {
		select {
		case <-l.persistCh:
			l.persist()
		case <-l.done:
			// Final flush covers any nudge racing with shutdown
			l.persist()
			return
		}
	}
}

// persist snapshots the mapping and writes it out. Failures are logged and
// non-fatal: the in-memory mapping stays authoritative and the next
// mutation triggers another attempt.
func (l *Ledger) persist() {
	snapshot := l.Entries()

	if err := l.store.Save(snapshot); err != nil {
		l.logger.Error("Failed to persist slot ledger", zap.Error(err))
		return
	}

	l.logger.Debug("Slot ledger persisted", zap.Int("entries", len(snapshot)))
}

// Close flushes a final write and stops the persistence writer
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.writerWG.Wait()
}
