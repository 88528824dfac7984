package subscriber

import (
	"sync"

	"github.com/solwatch/watchtower/internal/config"
)

// eventFilter applies the ingress filters: failed transactions and
// vote transactions are dropped unless configured in.
type eventFilter struct {
	includeFailed bool
	includeVotes  bool
}

func newEventFilter(cfg config.FilterConfig) *eventFilter {
	return &eventFilter{
		includeFailed: cfg.IncludeFailed,
		includeVotes:  cfg.IncludeVotes,
	}
}

// allow reports whether an event passes the ingress filters.
func (f *eventFilter) allow(event *ProgramEvent) bool {
	if tx := event.Data.Transaction; tx != nil {
		if tx.Vote && !f.includeVotes {
			return false
		}
		if !tx.Success && !f.includeFailed {
			return false
		}
	}
	if logs := event.Data.Logs; logs != nil {
		if logs.Failed && !f.includeFailed {
			return false
		}
	}
	return true
}

// subscriptionKind distinguishes what a subscription id covers.
type subscriptionKind string

const (
	subscriptionAccounts subscriptionKind = "accounts"
	subscriptionLogs     subscriptionKind = "logs"
	subscriptionProgram  subscriptionKind = "program"
)

// subscriptionManager tracks request id -> program while a subscribe
// is in flight, then subscription id -> program once confirmed.
type subscriptionManager struct {
	mu        sync.Mutex
	nextID    int
	pending   map[int]subscriptionTarget   // request id -> target
	confirmed map[int64]subscriptionTarget // subscription id -> target
}

type subscriptionTarget struct {
	programID string
	kind      subscriptionKind
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{
		nextID:    1,
		pending:   make(map[int]subscriptionTarget),
		confirmed: make(map[int64]subscriptionTarget),
	}
}

// track allocates a request id for a subscribe frame.
func (m *subscriptionManager) track(programID string, kind subscriptionKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.pending[id] = subscriptionTarget{programID: programID, kind: kind}
	return id
}

// confirm binds a confirmed subscription id to its target.
func (m *subscriptionManager) confirm(requestID int, subscriptionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.pending[requestID]
	if !ok {
		return
	}
	delete(m.pending, requestID)
	m.confirmed[subscriptionID] = target
}

// programFor returns the program a subscription id belongs to.
func (m *subscriptionManager) programFor(subscriptionID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirmed[subscriptionID].programID
}

// reset clears all state ahead of a reconnect.
func (m *subscriptionManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = make(map[int]subscriptionTarget)
	m.confirmed = make(map[int64]subscriptionTarget)
}
