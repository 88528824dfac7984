package subscriber

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/solwatch/watchtower/internal/config"
)

func txFilterEvent(success, vote bool) *ProgramEvent {
	return NewEvent("p", EventTypeTransactionUpdate, EventData{
		Transaction: &TransactionData{Success: success, Vote: vote},
	})
}

func TestFilterDropsFailedByDefault(t *testing.T) {
	f := newEventFilter(config.FilterConfig{})

	assert.True(t, f.allow(txFilterEvent(true, false)))
	assert.False(t, f.allow(txFilterEvent(false, false)))
}

func TestFilterIncludesFailedWhenConfigured(t *testing.T) {
	f := newEventFilter(config.FilterConfig{IncludeFailed: true})

	assert.True(t, f.allow(txFilterEvent(false, false)))
}

func TestFilterDropsVotesByDefault(t *testing.T) {
	f := newEventFilter(config.FilterConfig{})

	assert.False(t, f.allow(txFilterEvent(true, true)))

	f = newEventFilter(config.FilterConfig{IncludeVotes: true})
	assert.True(t, f.allow(txFilterEvent(true, true)))
}

func TestFilterDropsFailedLogs(t *testing.T) {
	f := newEventFilter(config.FilterConfig{})

	failedLogs := NewEvent("p", EventTypeLogsUpdate, EventData{
		Logs: &LogsData{Logs: []string{"x"}, Failed: true},
	})
	assert.False(t, f.allow(failedLogs))

	okLogs := NewEvent("p", EventTypeLogsUpdate, EventData{
		Logs: &LogsData{Logs: []string{"x"}},
	})
	assert.True(t, f.allow(okLogs))
}

func TestFilterPassesNonTransactionEvents(t *testing.T) {
	f := newEventFilter(config.FilterConfig{})

	account := NewEvent("p", EventTypeAccountUpdate, EventData{Account: &AccountData{Account: "a"}})
	assert.True(t, f.allow(account))
}

func TestSubscriptionManagerLifecycle(t *testing.T) {
	m := newSubscriptionManager()

	id1 := m.track("prog1", subscriptionProgram)
	id2 := m.track("prog2", subscriptionLogs)
	assert.NotEqual(t, id1, id2)

	m.confirm(id1, 100)
	m.confirm(id2, 200)
	assert.Equal(t, "prog1", m.programFor(100))
	assert.Equal(t, "prog2", m.programFor(200))
	assert.Empty(t, m.programFor(999))

	m.reset()
	assert.Empty(t, m.programFor(100))
}
