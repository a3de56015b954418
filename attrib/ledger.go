package attrib

import "sync"

// Change describes one boost mutation, for sync fan-out.
type Change struct {
	Attrib  string
	Source  string
	Amount  float64
	Removed bool
}

// ChangeFunc receives boost change notifications. Must not block.
type ChangeFunc func(Change)

// Ledger tracks named temporary modifiers per attribute for one character.
// Boosts from different sources stack additively; re-adding a boost under an
// existing source replaces that source's amount.
type Ledger struct {
	mu       sync.RWMutex
	boosts   map[string]map[string]float64 // attrib → source → amount
	onChange ChangeFunc
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{boosts: make(map[string]map[string]float64)}
}

// OnChange sets the change callback. Set once by the owning record before
// the ledger is shared.
func (l *Ledger) OnChange(fn ChangeFunc) {
	l.onChange = fn
}

// Add upserts the (source, attrib) boost entry.
func (l *Ledger) Add(source, attrib string, amount float64) {
	l.mu.Lock()
	m := l.boosts[attrib]
	if m == nil {
		m = make(map[string]float64)
		l.boosts[attrib] = m
	}
	m[source] = amount
	l.mu.Unlock()

	if l.onChange != nil {
		l.onChange(Change{Attrib: attrib, Source: source, Amount: amount})
	}
}

// Remove deletes the (source, attrib) entry. Removing an absent boost is a
// silent no-op so cleanup paths can call it unconditionally.
func (l *Ledger) Remove(source, attrib string) {
	l.mu.Lock()
	m := l.boosts[attrib]
	_, present := m[source]
	if present {
		delete(m, source)
		if len(m) == 0 {
			delete(l.boosts, attrib)
		}
	}
	l.mu.Unlock()

	if present && l.onChange != nil {
		l.onChange(Change{Attrib: attrib, Source: source, Removed: true})
	}
}

// Effective returns clamp(base + sum of boosts for attrib, 0, max).
func (l *Ledger) Effective(attrib string, base, max float64) float64 {
	l.mu.RLock()
	total := base
	for _, amount := range l.boosts[attrib] {
		total += amount
	}
	l.mu.RUnlock()

	if total < 0 {
		return 0
	}
	if total > max {
		return max
	}
	return total
}

// For returns a copy of the source → amount mapping for attrib. The result is
// empty (never nil) when no boosts target the attribute.
func (l *Ledger) For(attrib string) map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.boosts[attrib]))
	for source, amount := range l.boosts[attrib] {
		out[source] = amount
	}
	return out
}

// All returns a deep copy of every boost, keyed attrib → source → amount.
// Used by persistence round-trips and snapshots.
func (l *Ledger) All() map[string]map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]map[string]float64, len(l.boosts))
	for attrib, sources := range l.boosts {
		m := make(map[string]float64, len(sources))
		for source, amount := range sources {
			m[source] = amount
		}
		out[attrib] = m
	}
	return out
}
