package gallery

import "sync"

// Tracker hands out tickets per scope. Starting a newer request for a scope,
// or abandoning it, makes every earlier ticket for that scope stale.
type Tracker struct {
	mu  sync.Mutex
	seq map[string]uint64
}

func NewTracker() *Tracker {
	return &Tracker{seq: make(map[string]uint64)}
}

// Ticket identifies one request within a scope.
type Ticket struct {
	scope   string
	seq     uint64
	tracker *Tracker
}

// Begin issues the current ticket for scope.
func (t *Tracker) Begin(scope string) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq[scope]++
	return Ticket{scope: scope, seq: t.seq[scope], tracker: t}
}

// Abandon makes all outstanding tickets for scope stale.
func (t *Tracker) Abandon(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq[scope]++
}

func (t *Tracker) current(tk Ticket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq[tk.scope] == tk.seq
}

// Scope returns the scope the ticket was issued for.
func (tk Ticket) Scope() string { return tk.scope }

// Current reports whether tk is still the latest ticket for its scope. The
// zero Ticket is never current.
func (tk Ticket) Current() bool {
	if tk.tracker == nil {
		return false
	}
	return tk.tracker.current(tk)
}
